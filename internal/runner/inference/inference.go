// Package inference implements the inference runner: image classification
// with an OpenCV DNN model through gocv. It needs cgo and OpenCV.
package inference

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"os"
	"strings"

	"gocv.io/x/gocv"
	"gopkg.in/yaml.v3"

	"github.com/tendant/simple-frame-pipeline/internal/runner"
	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// Config is the runner_config of an inference runner
type Config struct {
	Model       string    `yaml:"model"`            // onnx, caffemodel, pb, ...
	ModelConfig string    `yaml:"config,omitempty"` // prototxt or pbtxt when the format needs one
	Labels      string    `yaml:"labels,omitempty"` // one label per line
	InputWidth  int       `yaml:"input_width,omitempty"`
	InputHeight int       `yaml:"input_height,omitempty"`
	Scale       float64   `yaml:"scale,omitempty"`
	Mean        []float64 `yaml:"mean,omitempty"`
	SwapRB      bool      `yaml:"swap_rb,omitempty"` // frames are RGB; set when the model expects BGR
	Backend     string    `yaml:"backend,omitempty"` // default, opencv, cuda
	Instances   int       `yaml:"instances,omitempty"`
}

// WithDefaults returns config with default values applied
func (c Config) WithDefaults() Config {
	if c.InputWidth <= 0 {
		c.InputWidth = 224
	}
	if c.InputHeight <= 0 {
		c.InputHeight = 224
	}
	if c.Scale == 0 {
		c.Scale = 1.0 / 255
	}
	if c.Instances <= 0 {
		c.Instances = 1
	}
	return c
}

// Runner classifies frames. gocv.Net is not safe for concurrent use, so
// each invocation borrows a loaded network from a fixed pool.
type Runner struct {
	cfg    Config
	labels []string
	nets   chan *gocv.Net
}

// Factory builds an inference Runner from YAML config
func Factory(node *yaml.Node) (runner.Runner, error) {
	var cfg Config
	if err := runner.DecodeNode(node, &cfg); err != nil {
		return nil, err
	}
	return New(cfg)
}

// New loads cfg.Instances copies of the model
func New(cfg Config) (*Runner, error) {
	cfg = cfg.WithDefaults()
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	labels, err := readLabels(cfg.Labels)
	if err != nil {
		return nil, err
	}

	r := &Runner{cfg: cfg, labels: labels, nets: make(chan *gocv.Net, cfg.Instances)}
	for i := 0; i < cfg.Instances; i++ {
		net := gocv.ReadNet(cfg.Model, cfg.ModelConfig)
		if net.Empty() {
			r.Close()
			return nil, fmt.Errorf("failed to load model %s", cfg.Model)
		}
		if cfg.Backend == "cuda" {
			net.SetPreferableBackend(gocv.NetBackendCUDA)
			net.SetPreferableTarget(gocv.NetTargetCUDA)
		} else {
			net.SetPreferableBackend(gocv.NetBackendDefault)
			net.SetPreferableTarget(gocv.NetTargetCPU)
		}
		r.nets <- &net
	}
	return r, nil
}

func readLabels(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open labels: %w", err)
	}
	defer f.Close()

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		labels = append(labels, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read labels: %w", err)
	}
	return labels, nil
}

// Run implements runner.Runner
func (r *Runner) Run(ctx context.Context, frame *pipeline.Frame) (pipeline.Payload, error) {
	var net *gocv.Net
	select {
	case net = <-r.nets:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { r.nets <- net }()

	img, err := toMat(frame)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	mean := gocv.NewScalar(0, 0, 0, 0)
	if len(r.cfg.Mean) == 3 {
		mean = gocv.NewScalar(r.cfg.Mean[0], r.cfg.Mean[1], r.cfg.Mean[2], 0)
	}
	blob := gocv.BlobFromImage(img, r.cfg.Scale, image.Pt(r.cfg.InputWidth, r.cfg.InputHeight), mean, r.cfg.SwapRB, false)
	defer blob.Close()

	net.SetInput(blob, "")
	prob := net.Forward("")
	defer prob.Close()
	if prob.Empty() {
		return nil, fmt.Errorf("model produced no output")
	}

	flat := prob.Reshape(1, 1)
	defer flat.Close()
	_, maxVal, _, maxLoc := gocv.MinMaxLoc(flat)

	return pipeline.ClassificationPayload{
		Label:      r.label(maxLoc.X),
		ClassID:    maxLoc.X,
		Confidence: float64(maxVal),
	}, nil
}

func (r *Runner) label(id int) string {
	if id >= 0 && id < len(r.labels) {
		return r.labels[id]
	}
	return fmt.Sprintf("class_%d", id)
}

// toMat copies the frame into a 3-channel RGB Mat
func toMat(frame *pipeline.Frame) (gocv.Mat, error) {
	switch frame.Format {
	case pipeline.PixelFormatRGB24:
		return gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Pixels)
	case pipeline.PixelFormatRGBA:
		rgba, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC4, frame.Pixels)
		if err != nil {
			return gocv.Mat{}, fmt.Errorf("failed to wrap frame: %w", err)
		}
		defer rgba.Close()
		rgb := gocv.NewMat()
		gocv.CvtColor(rgba, &rgb, gocv.ColorRGBAToRGB)
		return rgb, nil
	default:
		return gocv.Mat{}, fmt.Errorf("unsupported pixel format %q", frame.Format)
	}
}

// Close frees all loaded networks. Invocations must have finished.
func (r *Runner) Close() error {
	close(r.nets)
	for n := range r.nets {
		n.Close()
	}
	return nil
}
