//go:build !js

package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true, ".tif": true, ".tiff": true,
}

// ImageDirSource treats a directory of still images, sorted by name, as a
// stream sampled at a fixed rate
type ImageDirSource struct {
	files  []string
	width  int
	height int
	period time.Duration
	next   int
}

// NewImageDirSource lists the images under cfg.Input. cfg.Input may also be a
// glob pattern.
func NewImageDirSource(cfg pipeline.SourceConfig) (*ImageDirSource, error) {
	if cfg.Input == "" {
		return nil, pipeline.ConfigErrorf("source.input", "images source requires a directory or glob")
	}

	pattern := cfg.Input
	if info, err := os.Stat(cfg.Input); err == nil && info.IsDir() {
		pattern = filepath.Join(cfg.Input, "*")
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, pipeline.ConfigErrorf("source.input", "invalid pattern %q: %v", cfg.Input, err)
	}

	var files []string
	for _, m := range matches {
		if imageExtensions[strings.ToLower(filepath.Ext(m))] {
			files = append(files, m)
		}
	}
	sort.Strings(files)

	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 1
	}

	return &ImageDirSource{
		files:  files,
		width:  cfg.Width,
		height: cfg.Height,
		period: time.Duration(float64(time.Second) / rate),
	}, nil
}

// Len returns the number of frames the source will produce
func (s *ImageDirSource) Len() int { return len(s.files) }

// Next implements Source
func (s *ImageDirSource) Next(ctx context.Context) (*pipeline.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.files) {
		return nil, pipeline.ErrEndOfStream
	}

	seq := uint64(s.next)
	path := s.files[s.next]

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, &pipeline.DecodeError{Seq: seq, Err: fmt.Errorf("failed to open %s: %w", path, err)}
	}
	s.next++

	if s.width > 0 && s.height > 0 {
		img = imaging.Resize(img, s.width, s.height, imaging.Lanczos)
	}
	nrgba := imaging.Clone(img)
	b := nrgba.Bounds()

	return pipeline.NewFrame(seq, time.Duration(seq)*s.period, b.Dx(), b.Dy(), pipeline.PixelFormatRGBA, nrgba.Pix, nil), nil
}

// Close implements Source
func (s *ImageDirSource) Close() error { return nil }
