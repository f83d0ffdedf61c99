// Package transform implements the pixel_transform runner on top of
// disintegration/imaging. It is pure Go and available in every environment.
package transform

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"gopkg.in/yaml.v3"

	"github.com/tendant/simple-frame-pipeline/internal/runner"
	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// Op is one step of a transform chain
type Op struct {
	Op      string  `yaml:"op"`
	Width   int     `yaml:"width,omitempty"`
	Height  int     `yaml:"height,omitempty"`
	X       int     `yaml:"x,omitempty"`
	Y       int     `yaml:"y,omitempty"`
	Sigma   float64 `yaml:"sigma,omitempty"`
	Percent float64 `yaml:"percent,omitempty"`
	Gamma   float64 `yaml:"gamma,omitempty"`
	Angle   int     `yaml:"angle,omitempty"`
}

// Config is the runner_config of a pixel_transform runner
type Config struct {
	Ops []Op `yaml:"ops"`
}

// Runner applies a fixed chain of ops to a private copy of each frame
type Runner struct {
	steps []step
}

type step func(image.Image) *image.NRGBA

// Factory builds a transform Runner from YAML config
func Factory(node *yaml.Node) (runner.Runner, error) {
	var cfg Config
	if err := runner.DecodeNode(node, &cfg); err != nil {
		return nil, err
	}
	return New(cfg)
}

// New validates cfg and compiles its ops
func New(cfg Config) (*Runner, error) {
	r := &Runner{}
	for i, op := range cfg.Ops {
		s, err := compile(op)
		if err != nil {
			return nil, fmt.Errorf("ops[%d]: %w", i, err)
		}
		r.steps = append(r.steps, s)
	}
	return r, nil
}

// Run implements runner.Runner
func (r *Runner) Run(ctx context.Context, frame *pipeline.Frame) (pipeline.Payload, error) {
	out := imaging.Clone(frame.Image())
	for _, s := range r.steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = s(out)
	}
	return pipeline.ImagePayload{Image: out}, nil
}

func compile(op Op) (step, error) {
	switch strings.ToLower(op.Op) {
	case "resize":
		if op.Width < 0 || op.Height < 0 || (op.Width == 0 && op.Height == 0) {
			return nil, fmt.Errorf("resize needs width or height")
		}
		return func(img image.Image) *image.NRGBA {
			return imaging.Resize(img, op.Width, op.Height, imaging.Lanczos)
		}, nil
	case "fit":
		if op.Width <= 0 || op.Height <= 0 {
			return nil, fmt.Errorf("fit needs width and height")
		}
		return func(img image.Image) *image.NRGBA {
			return imaging.Fit(img, op.Width, op.Height, imaging.Lanczos)
		}, nil
	case "fill":
		if op.Width <= 0 || op.Height <= 0 {
			return nil, fmt.Errorf("fill needs width and height")
		}
		return func(img image.Image) *image.NRGBA {
			return imaging.Fill(img, op.Width, op.Height, imaging.Center, imaging.Lanczos)
		}, nil
	case "crop":
		if op.Width <= 0 || op.Height <= 0 {
			return nil, fmt.Errorf("crop needs width and height")
		}
		rect := image.Rect(op.X, op.Y, op.X+op.Width, op.Y+op.Height)
		return func(img image.Image) *image.NRGBA {
			return imaging.Crop(img, rect)
		}, nil
	case "grayscale":
		return imaging.Grayscale, nil
	case "invert":
		return imaging.Invert, nil
	case "blur":
		if op.Sigma <= 0 {
			return nil, fmt.Errorf("blur needs a positive sigma")
		}
		return func(img image.Image) *image.NRGBA { return imaging.Blur(img, op.Sigma) }, nil
	case "sharpen":
		if op.Sigma <= 0 {
			return nil, fmt.Errorf("sharpen needs a positive sigma")
		}
		return func(img image.Image) *image.NRGBA { return imaging.Sharpen(img, op.Sigma) }, nil
	case "brightness":
		return func(img image.Image) *image.NRGBA { return imaging.AdjustBrightness(img, op.Percent) }, nil
	case "contrast":
		return func(img image.Image) *image.NRGBA { return imaging.AdjustContrast(img, op.Percent) }, nil
	case "saturation":
		return func(img image.Image) *image.NRGBA { return imaging.AdjustSaturation(img, op.Percent) }, nil
	case "gamma":
		if op.Gamma <= 0 {
			return nil, fmt.Errorf("gamma must be positive")
		}
		return func(img image.Image) *image.NRGBA { return imaging.AdjustGamma(img, op.Gamma) }, nil
	case "rotate":
		switch op.Angle {
		case 90:
			return imaging.Rotate90, nil
		case 180:
			return imaging.Rotate180, nil
		case 270:
			return imaging.Rotate270, nil
		default:
			return nil, fmt.Errorf("rotate supports 90, 180 or 270 degrees, got %d", op.Angle)
		}
	case "flip_h":
		return imaging.FlipH, nil
	case "flip_v":
		return imaging.FlipV, nil
	default:
		return nil, fmt.Errorf("unknown op %q", op.Op)
	}
}
