//go:build !js

package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

func TestParseProbe(t *testing.T) {
	res, err := parseProbe("1920,1080,30000/1001\n")
	require.NoError(t, err)
	assert.Equal(t, 1920, res.Width)
	assert.Equal(t, 1080, res.Height)
	assert.InDelta(t, 29.97, res.FrameRate, 0.01)

	res, err = parseProbe("640,480,25")
	require.NoError(t, err)
	assert.Equal(t, 25.0, res.FrameRate)

	_, err = parseProbe("640,480,0/0")
	assert.Error(t, err)
	_, err = parseProbe("garbage")
	assert.Error(t, err)
}

func TestFFmpegArgs(t *testing.T) {
	s := &FFmpegSource{cfg: pipeline.SourceConfig{
		Input:      "in.mp4",
		SampleRate: 2,
		Width:      320,
		Height:     240,
		HWAccel:    "auto",
	}}
	args := s.Args()

	assert.Contains(t, args, "-hwaccel")
	assert.Contains(t, args, "fps=2,scale=320:240")
	assert.Equal(t, []string{"-an", "-f", "rawvideo", "-pix_fmt", "rgb24", "pipe:1"}, args[len(args)-6:])

	s.cfg.HWAccel = "none"
	assert.NotContains(t, s.Args(), "-hwaccel")
}

// fakeFFmpeg installs a shell script standing in for ffmpeg. Geometry and
// rate are configured so no ffprobe run is needed; frames are 2x2 rgb24,
// 12 bytes each, at 4 fps.
func fakeFFmpeg(t *testing.T, body string) pipeline.SourceConfig {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}

	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return pipeline.SourceConfig{
		Kind:       pipeline.SourceFFmpeg,
		Input:      "clip.mp4",
		SampleRate: 4,
		Width:      2,
		Height:     2,
		HWAccel:    "none",
		FFmpegPath: path,
	}
}

func TestFFmpegSourceReadsFramesUntilExit(t *testing.T) {
	cfg := fakeFFmpeg(t, "printf 'abcdefghijkl'\nprintf 'mnopqrstuvwx'\n")
	ctx := context.Background()

	src, err := NewFFmpegSource(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer src.Close()

	f, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), f.Seq)
	assert.Equal(t, time.Duration(0), f.Timestamp)
	assert.Equal(t, pipeline.PixelFormatRGB24, f.Format)
	assert.Equal(t, []byte("abcdefghijkl"), f.Pixels)
	f.Release()

	f, err = src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Seq)
	assert.Equal(t, 250*time.Millisecond, f.Timestamp)
	assert.Equal(t, []byte("mnopqrstuvwx"), f.Pixels)
	f.Release()

	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, pipeline.ErrEndOfStream)
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, pipeline.ErrEndOfStream)
}

func TestFFmpegSourceShortFrameIsDecodeError(t *testing.T) {
	cfg := fakeFFmpeg(t, "printf 'abcdefghijkl'\nprintf 'abcd'\n")
	ctx := context.Background()

	src, err := NewFFmpegSource(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer src.Close()

	f, err := src.Next(ctx)
	require.NoError(t, err)
	f.Release()

	_, err = src.Next(ctx)
	var decodeErr *pipeline.DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, uint64(1), decodeErr.Seq)
	assert.Contains(t, err.Error(), "short frame (4 of 12 bytes)")
}

func TestFFmpegSourceFailureCarriesLastStderrLine(t *testing.T) {
	cfg := fakeFFmpeg(t, "printf 'abcdefghijkl'\necho 'opening input' >&2\necho 'clip.mp4: Invalid data found when processing input' >&2\nexit 1\n")
	ctx := context.Background()

	src, err := NewFFmpegSource(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer src.Close()

	f, err := src.Next(ctx)
	require.NoError(t, err)
	f.Release()

	_, err = src.Next(ctx)
	var decodeErr *pipeline.DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, uint64(1), decodeErr.Seq)
	assert.Contains(t, err.Error(), "exit status 1")
	assert.Contains(t, err.Error(), "Invalid data found when processing input")
	assert.NotContains(t, err.Error(), "opening input")

	// the failure is sticky
	_, again := src.Next(ctx)
	assert.Equal(t, err, again)
}

func TestFFmpegSourceMissingBinary(t *testing.T) {
	cfg := fakeFFmpeg(t, "")
	cfg.FFmpegPath = filepath.Join(t.TempDir(), "no-such-ffmpeg")

	_, err := NewFFmpegSource(context.Background(), cfg, zerolog.Nop())
	var decodeErr *pipeline.DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Contains(t, err.Error(), "failed to start ffmpeg")
}

func TestFFmpegSourceCloseSendsQuit(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "stdin.txt")
	cfg := fakeFFmpeg(t, fmt.Sprintf("printf 'abcdefghijkl'\nread -r cmd\nprintf '%%s' \"$cmd\" > '%s'\n", marker))
	ctx := context.Background()

	src, err := NewFFmpegSource(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	f, err := src.Next(ctx)
	require.NoError(t, err)
	f.Release()

	start := time.Now()
	require.NoError(t, src.Close())
	assert.Less(t, time.Since(start), stopTimeout)

	got, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "q", string(got))

	// closing twice is a no-op
	assert.NoError(t, src.Close())
}

func TestFFmpegSourceCloseKillsUnresponsiveProcess(t *testing.T) {
	// The script ignores stdin and its child keeps stdout and stderr open
	// after the script itself is killed.
	cfg := fakeFFmpeg(t, "printf 'abcdefghijkl'\nsleep 30\n")
	ctx := context.Background()

	src, err := NewFFmpegSource(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	f, err := src.Next(ctx)
	require.NoError(t, err)
	f.Release()

	done := make(chan time.Duration, 1)
	go func() {
		start := time.Now()
		_ = src.Close()
		done <- time.Since(start)
	}()

	select {
	case elapsed := <-done:
		assert.GreaterOrEqual(t, elapsed, stopTimeout)
	case <-time.After(4 * stopTimeout):
		t.Fatal("Close did not return after killing ffmpeg")
	}
}
