//go:build js

package backends

import (
	"github.com/tendant/simple-frame-pipeline/internal/runner"
	"github.com/tendant/simple-frame-pipeline/internal/runner/transform"
	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// Env names the build environment
const Env = "browser"

func registerRunners(reg *runner.Registry) {
	reg.Register(pipeline.RunnerPixelTransform, transform.Factory)
}

func sources() map[pipeline.SourceKind]openFunc {
	return map[pipeline.SourceKind]openFunc{}
}
