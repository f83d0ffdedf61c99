// Package gocvsource reads frames through OpenCV's VideoCapture. It needs cgo
// and an OpenCV install, so it lives apart from the pure-Go sources.
package gocvsource

import (
	"context"
	"fmt"
	"image"
	"time"

	"gocv.io/x/gocv"

	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// Source decodes a file, device or stream URL with gocv
type Source struct {
	capture *gocv.VideoCapture
	bgr     gocv.Mat
	rgb     gocv.Mat
	scaled  gocv.Mat
	size    image.Point // zero means native size

	nativeFPS float64
	period    time.Duration // zero means every native frame
	nextEmit  time.Duration
	native    uint64
	seq       uint64
}

// New opens cfg.Input with gocv.OpenVideoCapture
func New(cfg pipeline.SourceConfig) (*Source, error) {
	if cfg.Input == "" {
		return nil, pipeline.ConfigErrorf("source.input", "gocv source requires an input")
	}

	capture, err := gocv.OpenVideoCapture(cfg.Input)
	if err != nil {
		return nil, &pipeline.DecodeError{Err: fmt.Errorf("failed to open video capture: %w", err)}
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, &pipeline.DecodeError{Err: fmt.Errorf("video capture is not opened")}
	}

	fps := capture.Get(gocv.VideoCaptureFPS)
	if fps <= 0 {
		fps = 30
	}

	s := &Source{
		capture:   capture,
		bgr:       gocv.NewMat(),
		rgb:       gocv.NewMat(),
		scaled:    gocv.NewMat(),
		nativeFPS: fps,
	}
	if cfg.Width > 0 && cfg.Height > 0 {
		s.size = image.Point{X: cfg.Width, Y: cfg.Height}
	}
	if cfg.SampleRate > 0 && cfg.SampleRate < fps {
		s.period = time.Duration(float64(time.Second) / cfg.SampleRate)
	}
	return s, nil
}

// Next implements source.Source
func (s *Source) Next(ctx context.Context) (*pipeline.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ok := s.capture.Read(&s.bgr); !ok || s.bgr.Empty() {
			return nil, pipeline.ErrEndOfStream
		}

		// Position of this frame in the native stream
		ts := time.Duration(float64(s.native) / s.nativeFPS * float64(time.Second))
		s.native++
		if s.period > 0 && ts < s.nextEmit {
			continue
		}
		s.nextEmit = ts + s.period

		frame, err := s.convert(ts)
		if err != nil {
			return nil, &pipeline.DecodeError{Seq: s.seq, Err: err}
		}
		s.seq++
		return frame, nil
	}
}

func (s *Source) convert(ts time.Duration) (*pipeline.Frame, error) {
	// OpenCV decodes to BGR
	gocv.CvtColor(s.bgr, &s.rgb, gocv.ColorBGRToRGB)
	out := s.rgb
	if s.size != (image.Point{}) {
		gocv.Resize(s.rgb, &s.scaled, s.size, 0, 0, gocv.InterpolationLinear)
		out = s.scaled
	}
	if out.Channels() != 3 {
		return nil, fmt.Errorf("unexpected channel count %d", out.Channels())
	}

	// ToBytes copies, so the frame does not alias the reused mats
	return pipeline.NewFrame(s.seq, ts, out.Cols(), out.Rows(), pipeline.PixelFormatRGB24, out.ToBytes(), nil), nil
}

// Close implements source.Source
func (s *Source) Close() error {
	s.bgr.Close()
	s.rgb.Close()
	s.scaled.Close()
	return s.capture.Close()
}
