package config

import (
	"github.com/hashicorp/go-multierror"

	"github.com/tendant/simple-frame-pipeline/internal/sink"
	"github.com/tendant/simple-frame-pipeline/internal/storage"
	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// Restrict limits a config that arrived with a request to what a remote
// caller may ask for. File sinks are resolved below outputs and rejected when
// outputs is nil; a custom ffmpeg binary is always rejected. Sink paths of cfg
// are rewritten in place. Every problem found is a *pipeline.ConfigError.
func Restrict(cfg *pipeline.Config, outputs *storage.FilesystemStorage) error {
	var result *multierror.Error

	if cfg.Source.FFmpegPath != "" {
		result = multierror.Append(result, pipeline.ConfigErrorf("source.ffmpeg_path", "not allowed in request configs"))
	}

	for _, id := range sortedKeys(cfg.Triggers) {
		tc := cfg.Triggers[id]
		field := "triggers." + id + ".sink"

		var target *string
		switch tc.Sink.Kind {
		case sink.KindJSONL, sink.KindMsgpack:
			target, field = &tc.Sink.Path, field+".path"
		case sink.KindImages:
			target, field = &tc.Sink.Dir, field+".dir"
		default:
			continue
		}

		if outputs == nil {
			result = multierror.Append(result, pipeline.ConfigErrorf(field, "%s sinks are not allowed in request configs without an output directory", tc.Sink.Kind))
			continue
		}
		if *target == "" || *target == "-" {
			result = multierror.Append(result, pipeline.ConfigErrorf(field, "a path below the output directory is required"))
			continue
		}
		resolved, err := outputs.Resolve(*target)
		if err != nil {
			result = multierror.Append(result, pipeline.ConfigErrorf(field, "%v", err))
			continue
		}
		*target = resolved
		cfg.Triggers[id] = tc
	}

	return result.ErrorOrNil()
}
