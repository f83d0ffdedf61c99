// Package backends wires the runner and source implementations that exist in
// the current build environment. Native builds get every backend; the
// restricted (js/wasm) build only gets pure-Go ones and reports the rest as
// unavailable.
package backends

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tendant/simple-frame-pipeline/internal/runner"
	"github.com/tendant/simple-frame-pipeline/internal/source"
	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// OpenSource opens the configured frame source. Memory sources carry no
// config and must be passed to the pipeline directly.
func OpenSource(ctx context.Context, cfg pipeline.SourceConfig, logger zerolog.Logger) (source.Source, error) {
	if cfg.Kind == "" {
		cfg.Kind = pipeline.SourceFFmpeg
	}
	if cfg.Kind == pipeline.SourceMemory {
		return nil, pipeline.ConfigErrorf("source.kind", "memory sources are supplied programmatically")
	}
	open, ok := sources()[cfg.Kind]
	if !ok {
		switch cfg.Kind {
		case pipeline.SourceFFmpeg, pipeline.SourceGoCV, pipeline.SourceImages:
			return nil, pipeline.ConfigErrorf("source.kind", "source kind %q is not available in the %s environment", cfg.Kind, Env)
		default:
			return nil, pipeline.ConfigErrorf("source.kind", "unknown source kind %q", cfg.Kind)
		}
	}
	return open(ctx, cfg, logger)
}

// SourceKinds lists the source kinds OpenSource accepts plus memory
func SourceKinds() []pipeline.SourceKind {
	kinds := []pipeline.SourceKind{pipeline.SourceMemory}
	for _, k := range []pipeline.SourceKind{pipeline.SourceFFmpeg, pipeline.SourceGoCV, pipeline.SourceImages} {
		if _, ok := sources()[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

type openFunc func(ctx context.Context, cfg pipeline.SourceConfig, logger zerolog.Logger) (source.Source, error)

// Runners returns a registry with every runner kind of this environment
func Runners() *runner.Registry {
	reg := runner.NewRegistry(Env)
	registerRunners(reg)
	return reg
}
