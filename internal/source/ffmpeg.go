//go:build !js

package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// stopTimeout bounds how long Close waits for ffmpeg to quit after "q". It also
// bounds how long an exited ffmpeg's stderr may stay open, which happens when a
// wrapper script leaves children behind.
const stopTimeout = 2 * time.Second

// FFmpegSource decodes a media input by running ffmpeg as a child process and
// reading raw rgb24 frames from its stdout.
//
// The command is equivalent to:
//
//	ffmpeg -hwaccel auto -i <input> -vf fps=<rate>,scale=<w>:<h> \
//	    -an -f rawvideo -pix_fmt rgb24 pipe:1
//
// stderr lines are forwarded to the logger. Close asks ffmpeg to stop by
// writing "q" on stdin and kills it if it does not exit in time.
type FFmpegSource struct {
	cfg    pipeline.SourceConfig
	logger zerolog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	width, height int
	rate          float64
	frameSize     int
	pool          *bufferPool

	seq       uint64
	failed    error
	stderr    *stderrLog
	closeOnce sync.Once
}

// NewFFmpegSource probes the input when needed and starts ffmpeg. The process
// is killed when ctx is cancelled.
func NewFFmpegSource(ctx context.Context, cfg pipeline.SourceConfig, logger zerolog.Logger) (*FFmpegSource, error) {
	if cfg.Input == "" {
		return nil, pipeline.ConfigErrorf("source.input", "ffmpeg source requires an input")
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.HWAccel == "" {
		cfg.HWAccel = "auto"
	}

	s := &FFmpegSource{
		cfg:    cfg,
		logger: logger.With().Str("source", "ffmpeg").Str("input", cfg.Input).Logger(),
		width:  cfg.Width,
		height: cfg.Height,
		rate:   cfg.SampleRate,
	}

	// Dimensions and native rate come from ffprobe unless configured
	if s.width <= 0 || s.height <= 0 || s.rate <= 0 {
		probe, err := Probe(ctx, probePath(cfg.FFmpegPath), cfg.Input)
		if err != nil {
			return nil, &pipeline.DecodeError{Err: fmt.Errorf("probe failed: %w", err)}
		}
		if s.width <= 0 || s.height <= 0 {
			s.width, s.height = probe.Width, probe.Height
		}
		if s.rate <= 0 {
			s.rate = probe.FrameRate
		}
	}
	if s.width <= 0 || s.height <= 0 || s.rate <= 0 {
		return nil, &pipeline.DecodeError{Err: fmt.Errorf("could not determine frame geometry (%dx%d @ %v fps)", s.width, s.height, s.rate)}
	}

	s.frameSize = s.width * s.height * pipeline.PixelFormatRGB24.BytesPerPixel()
	s.pool = newBufferPool(s.frameSize)

	if err := s.start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Args returns the ffmpeg arguments for the configured input
func (s *FFmpegSource) Args() []string {
	args := []string{"-hide_banner", "-nostats", "-loglevel", "warning"}
	if s.cfg.HWAccel != "none" {
		args = append(args, "-hwaccel", s.cfg.HWAccel)
	}
	args = append(args, "-i", s.cfg.Input)

	var filters []string
	if s.cfg.SampleRate > 0 {
		filters = append(filters, "fps="+strconv.FormatFloat(s.cfg.SampleRate, 'f', -1, 64))
	}
	if s.cfg.Width > 0 && s.cfg.Height > 0 {
		filters = append(filters, fmt.Sprintf("scale=%d:%d", s.cfg.Width, s.cfg.Height))
	}
	if len(filters) > 0 {
		args = append(args, "-vf", strings.Join(filters, ","))
	}

	return append(args, "-an", "-f", "rawvideo", "-pix_fmt", "rgb24", "pipe:1")
}

func (s *FFmpegSource) start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.cfg.FFmpegPath, s.Args()...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open ffmpeg stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open ffmpeg stdout: %w", err)
	}
	s.stderr = &stderrLog{logger: s.logger}
	cmd.Stderr = s.stderr
	cmd.WaitDelay = stopTimeout

	s.logger.Debug().Strs("args", cmd.Args).Msg("starting ffmpeg")
	if err := cmd.Start(); err != nil {
		return &pipeline.DecodeError{Err: fmt.Errorf("failed to start ffmpeg: %w", err)}
	}

	s.cmd = cmd
	s.stdin = stdin
	s.stdout = bufio.NewReaderSize(stdout, s.frameSize)

	s.logger.Info().
		Int("width", s.width).
		Int("height", s.height).
		Float64("rate", s.rate).
		Msg("ffmpeg started")
	return nil
}

// stderrLog forwards ffmpeg's stderr to the logger line by line and keeps the
// last line for error reports.
type stderrLog struct {
	logger zerolog.Logger

	mu      sync.Mutex
	partial []byte
	last    string
}

func (l *stderrLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.partial = append(l.partial, p...)
	for {
		i := bytes.IndexByte(l.partial, '\n')
		if i < 0 {
			break
		}
		l.line(string(l.partial[:i]))
		l.partial = l.partial[i+1:]
	}
	return len(p), nil
}

func (l *stderrLog) line(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	l.last = line
	l.logger.Debug().Str("ffmpeg", line).Msg("stderr")
}

func (l *stderrLog) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.partial) > 0 {
		l.line(string(l.partial))
		l.partial = nil
	}
}

func (l *stderrLog) lastLine() string {
	if l == nil {
		return ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Next implements Source
func (s *FFmpegSource) Next(ctx context.Context) (*pipeline.Frame, error) {
	if s.failed != nil {
		return nil, s.failed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf := s.pool.get()
	n, err := io.ReadFull(s.stdout, *buf)
	if err != nil {
		s.pool.put(buf)
		if errors.Is(err, io.EOF) && n == 0 {
			// Clean end only if ffmpeg exits successfully
			if werr := s.wait(); werr != nil {
				s.failed = s.decodeErr(werr)
				return nil, s.failed
			}
			s.failed = pipeline.ErrEndOfStream
			return nil, pipeline.ErrEndOfStream
		}
		s.failed = s.decodeErr(fmt.Errorf("short frame (%d of %d bytes): %w", n, s.frameSize, err))
		return nil, s.failed
	}

	seq := s.seq
	s.seq++
	ts := time.Duration(float64(seq) / s.rate * float64(time.Second))
	return pipeline.NewFrame(seq, ts, s.width, s.height, pipeline.PixelFormatRGB24, *buf, func() {
		s.pool.put(buf)
	}), nil
}

func (s *FFmpegSource) decodeErr(err error) error {
	if last := s.stderr.lastLine(); last != "" {
		err = fmt.Errorf("%w (ffmpeg: %s)", err, last)
	}
	return &pipeline.DecodeError{Seq: s.seq, Err: err}
}

// wait reaps ffmpeg. Wait gives up on stderr WaitDelay after the process
// exits, which only reports that some other process still holds the pipe.
func (s *FFmpegSource) wait() error {
	err := s.cmd.Wait()
	s.cmd = nil
	s.stderr.flush()
	if errors.Is(err, exec.ErrWaitDelay) {
		return nil
	}
	return err
}

// Close implements Source
func (s *FFmpegSource) Close() error {
	s.closeOnce.Do(func() {
		cmd := s.cmd
		if cmd == nil {
			return
		}

		// ffmpeg quits gracefully on "q"
		_, _ = s.stdin.Write([]byte("q"))
		_ = s.stdin.Close()

		done := make(chan error, 1)
		go func() { done <- s.wait() }()

		select {
		case err := <-done:
			if err != nil {
				s.logger.Debug().Err(err).Msg("ffmpeg exited")
			}
		case <-time.After(stopTimeout):
			s.logger.Warn().Msg("ffmpeg did not quit in time, killing")
			_ = cmd.Process.Kill()
			<-done
		}
	})
	return nil
}

// ProbeResult describes the first video stream of an input
type ProbeResult struct {
	Width     int
	Height    int
	FrameRate float64
}

// Probe runs ffprobe to read the geometry and frame rate of input
func Probe(ctx context.Context, ffprobe, input string) (ProbeResult, error) {
	out, err := exec.CommandContext(ctx, ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,avg_frame_rate",
		"-of", "csv=p=0",
		input,
	).Output()
	if err != nil {
		return ProbeResult{}, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseProbe(string(out))
}

func parseProbe(out string) (ProbeResult, error) {
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(out), "\n", 2)[0])
	parts := strings.Split(line, ",")
	if len(parts) < 3 {
		return ProbeResult{}, fmt.Errorf("unexpected ffprobe output %q", line)
	}

	width, err := strconv.Atoi(parts[0])
	if err != nil {
		return ProbeResult{}, fmt.Errorf("invalid width %q: %w", parts[0], err)
	}
	height, err := strconv.Atoi(parts[1])
	if err != nil {
		return ProbeResult{}, fmt.Errorf("invalid height %q: %w", parts[1], err)
	}

	var rate float64
	if num, den, ok := strings.Cut(parts[2], "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 != nil || err2 != nil || d == 0 {
			return ProbeResult{}, fmt.Errorf("invalid frame rate %q", parts[2])
		}
		rate = n / d
	} else {
		rate, err = strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return ProbeResult{}, fmt.Errorf("invalid frame rate %q: %w", parts[2], err)
		}
	}

	return ProbeResult{Width: width, Height: height, FrameRate: rate}, nil
}

func probePath(ffmpegPath string) string {
	if strings.HasSuffix(ffmpegPath, "ffmpeg") {
		return strings.TrimSuffix(ffmpegPath, "ffmpeg") + "ffprobe"
	}
	return "ffprobe"
}
