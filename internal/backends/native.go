//go:build !js

package backends

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tendant/simple-frame-pipeline/internal/runner"
	"github.com/tendant/simple-frame-pipeline/internal/runner/inference"
	"github.com/tendant/simple-frame-pipeline/internal/runner/ocr"
	"github.com/tendant/simple-frame-pipeline/internal/runner/transform"
	"github.com/tendant/simple-frame-pipeline/internal/source"
	"github.com/tendant/simple-frame-pipeline/internal/source/gocvsource"
	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// Env names the build environment
const Env = "native"

func registerRunners(reg *runner.Registry) {
	reg.Register(pipeline.RunnerPixelTransform, transform.Factory)
	reg.Register(pipeline.RunnerOCR, ocr.Factory)
	reg.Register(pipeline.RunnerInference, inference.Factory)
}

func sources() map[pipeline.SourceKind]openFunc {
	return map[pipeline.SourceKind]openFunc{
		pipeline.SourceFFmpeg: func(ctx context.Context, cfg pipeline.SourceConfig, logger zerolog.Logger) (source.Source, error) {
			return source.NewFFmpegSource(ctx, cfg, logger)
		},
		pipeline.SourceGoCV: func(_ context.Context, cfg pipeline.SourceConfig, _ zerolog.Logger) (source.Source, error) {
			return gocvsource.New(cfg)
		},
		pipeline.SourceImages: func(_ context.Context, cfg pipeline.SourceConfig, _ zerolog.Logger) (source.Source, error) {
			return source.NewImageDirSource(cfg)
		},
	}
}
