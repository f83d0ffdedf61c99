// Package runner defines the analysis backend boundary and the registry that
// builds backends from config.
package runner

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// Runner analyzes one frame. Implementations must be safe for concurrent use
// up to the concurrency their Handle declares, must not retain the frame after
// returning and must treat its pixels as read-only.
type Runner interface {
	Run(ctx context.Context, frame *pipeline.Frame) (pipeline.Payload, error)
}

// Func adapts a function to the Runner interface
type Func func(ctx context.Context, frame *pipeline.Frame) (pipeline.Payload, error)

// Run implements Runner
func (f Func) Run(ctx context.Context, frame *pipeline.Frame) (pipeline.Payload, error) {
	return f(ctx, frame)
}

// Handle is a named runner instance plus its concurrency limit. Triggers that
// share a Handle share its worker pool.
type Handle struct {
	Name   string
	Kind   pipeline.RunnerKind
	Runner Runner

	// Concurrency caps simultaneous invocations. Zero or less means bounded
	// only by the pipeline's in-flight ceiling.
	Concurrency int
}

// Close releases backend resources if the runner holds any
func (h *Handle) Close() error {
	if c, ok := h.Runner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// DefaultConcurrency is used when a runner config leaves concurrency unset
func DefaultConcurrency(kind pipeline.RunnerKind) int {
	switch kind {
	case pipeline.RunnerOCR:
		return 1
	case pipeline.RunnerInference:
		return 2
	default:
		return 0
	}
}

// Invoke runs r on frame, cropping first when crop is set. A panicking
// backend is reported as an error for this frame only.
func Invoke(ctx context.Context, r Runner, frame *pipeline.Frame, crop *pipeline.CropConfig) (payload pipeline.Payload, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("runner panic: %v\n%s", p, debug.Stack())
		}
	}()

	if crop != nil {
		frame, err = CropFrame(frame, *crop)
		if err != nil {
			return nil, err
		}
	}
	return r.Run(ctx, frame)
}

// Factory builds a runner from its kind-specific YAML config. node may be empty.
type Factory func(node *yaml.Node) (Runner, error)

// Registry maps runner kinds to factories available in one environment
type Registry struct {
	env       string
	factories map[pipeline.RunnerKind]Factory
}

// NewRegistry creates an empty registry. env names the environment in errors
// for kinds that are not available there.
func NewRegistry(env string) *Registry {
	return &Registry{
		env:       env,
		factories: make(map[pipeline.RunnerKind]Factory),
	}
}

// Env returns the environment name
func (r *Registry) Env() string { return r.env }

// Register adds or replaces the factory for kind
func (r *Registry) Register(kind pipeline.RunnerKind, f Factory) {
	r.factories[kind] = f
}

// Kinds lists registered kinds in sorted order
func (r *Registry) Kinds() []pipeline.RunnerKind {
	kinds := make([]pipeline.RunnerKind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Check reports whether kind can be built in this environment
func (r *Registry) Check(field string, kind pipeline.RunnerKind) error {
	if _, ok := r.factories[kind]; ok {
		return nil
	}
	switch kind {
	case pipeline.RunnerOCR, pipeline.RunnerInference, pipeline.RunnerPixelTransform:
		return pipeline.ConfigErrorf(field, "runner kind %q is not available in the %s environment", kind, r.env)
	case "":
		return pipeline.ConfigErrorf(field, "runner kind is required")
	default:
		return pipeline.ConfigErrorf(field, "unknown runner kind %q", kind)
	}
}

// Build creates a Handle. field locates the runner in the config for errors.
func (r *Registry) Build(field, name string, kind pipeline.RunnerKind, node *yaml.Node, concurrency *int) (*Handle, error) {
	if err := r.Check(field+".kind", kind); err != nil {
		return nil, err
	}
	f := r.factories[kind]

	conc := DefaultConcurrency(kind)
	if concurrency != nil {
		conc = *concurrency
	}

	rn, err := f(node)
	if err != nil {
		return nil, &pipeline.ConfigError{Field: field + ".config", Err: err}
	}

	return &Handle{Name: name, Kind: kind, Runner: rn, Concurrency: conc}, nil
}

// DecodeNode decodes an optional YAML node into out. Empty nodes leave out untouched.
func DecodeNode(node *yaml.Node, out any) error {
	if node == nil || node.Kind == 0 {
		return nil
	}
	if err := node.Decode(out); err != nil {
		return fmt.Errorf("failed to decode runner config: %w", err)
	}
	return nil
}
