// Package ocr implements the ocr runner with Tesseract through gosseract.
// It needs cgo and libtesseract.
package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"
	"gopkg.in/yaml.v3"

	"github.com/tendant/simple-frame-pipeline/internal/runner"
	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// Config is the runner_config of an ocr runner
type Config struct {
	Language      string  `yaml:"language"`
	Whitelist     string  `yaml:"whitelist,omitempty"`
	PageSegMode   int     `yaml:"page_seg_mode,omitempty"`  // Tesseract PSM, 0 means automatic (3)
	MinConfidence float64 `yaml:"min_confidence,omitempty"` // 0..1, words below are dropped from Boxes
	Scale         float64 `yaml:"scale,omitempty"`          // upscale factor applied before recognition
	Grayscale     bool    `yaml:"grayscale,omitempty"`
	Clients       int     `yaml:"clients,omitempty"` // Tesseract instances kept warm
}

// WithDefaults returns config with default values applied
func (c Config) WithDefaults() Config {
	if c.Language == "" {
		c.Language = "eng"
	}
	if c.PageSegMode <= 0 {
		c.PageSegMode = int(gosseract.PSM_AUTO)
	}
	if c.Scale <= 0 {
		c.Scale = 1
	}
	if c.Clients <= 0 {
		c.Clients = 1
	}
	return c
}

// Runner recognizes text. A gosseract.Client is not safe for concurrent use,
// so each invocation borrows one from a fixed pool.
type Runner struct {
	cfg     Config
	clients chan *gosseract.Client
}

// Factory builds an OCR Runner from YAML config
func Factory(node *yaml.Node) (runner.Runner, error) {
	var cfg Config
	if err := runner.DecodeNode(node, &cfg); err != nil {
		return nil, err
	}
	return New(cfg)
}

// New creates cfg.Clients Tesseract clients
func New(cfg Config) (*Runner, error) {
	cfg = cfg.WithDefaults()
	if cfg.PageSegMode > int(gosseract.PSM_RAW_LINE) {
		return nil, fmt.Errorf("page_seg_mode must be within 0..13, got %d", cfg.PageSegMode)
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return nil, fmt.Errorf("min_confidence must be within 0..1, got %v", cfg.MinConfidence)
	}

	r := &Runner{cfg: cfg, clients: make(chan *gosseract.Client, cfg.Clients)}
	for i := 0; i < cfg.Clients; i++ {
		c, err := newClient(cfg)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.clients <- c
	}
	return r, nil
}

func newClient(cfg Config) (*gosseract.Client, error) {
	c := gosseract.NewClient()
	if err := c.SetLanguage(cfg.Language); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to set OCR language: %w", err)
	}
	if err := c.SetPageSegMode(gosseract.PageSegMode(cfg.PageSegMode)); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	if cfg.Whitelist != "" {
		if err := c.SetWhitelist(cfg.Whitelist); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to set whitelist: %w", err)
		}
	}
	return c, nil
}

// Run implements runner.Runner
func (r *Runner) Run(ctx context.Context, frame *pipeline.Frame) (pipeline.Payload, error) {
	var client *gosseract.Client
	select {
	case client = <-r.clients:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { r.clients <- client }()

	encoded, err := r.prepare(frame)
	if err != nil {
		return nil, err
	}
	if err := client.SetImageFromBytes(encoded); err != nil {
		return nil, fmt.Errorf("failed to set OCR image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return nil, fmt.Errorf("failed to extract text: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("failed to get bounding boxes: %w", err)
	}

	payload := pipeline.TextPayload{Text: strings.TrimSpace(text)}
	for _, b := range boxes {
		conf := b.Confidence / 100
		if conf < r.cfg.MinConfidence || strings.TrimSpace(b.Word) == "" {
			continue
		}
		payload.Boxes = append(payload.Boxes, pipeline.TextBox{
			Word:       b.Word,
			Confidence: conf,
			Box:        r.unscale(b.Box),
		})
	}
	return payload, nil
}

// prepare applies preprocessing and encodes the frame as PNG for Tesseract
func (r *Runner) prepare(frame *pipeline.Frame) ([]byte, error) {
	img := frame.Image()
	if r.cfg.Grayscale {
		img = imaging.Grayscale(img)
	}
	if r.cfg.Scale != 1 {
		w := int(float64(frame.Width) * r.cfg.Scale)
		img = imaging.Resize(img, w, 0, imaging.Linear)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// unscale maps a box found on the scaled image back to frame coordinates
func (r *Runner) unscale(b image.Rectangle) image.Rectangle {
	if r.cfg.Scale == 1 {
		return b
	}
	s := r.cfg.Scale
	return image.Rect(int(float64(b.Min.X)/s), int(float64(b.Min.Y)/s), int(float64(b.Max.X)/s), int(float64(b.Max.Y)/s))
}

// Close releases all Tesseract clients. Invocations must have finished.
func (r *Runner) Close() error {
	close(r.clients)
	for c := range r.clients {
		c.Close()
	}
	return nil
}
