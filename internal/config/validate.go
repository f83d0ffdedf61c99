package config

import (
	"fmt"
	"slices"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/tendant/simple-frame-pipeline/internal/policy"
	"github.com/tendant/simple-frame-pipeline/internal/runner"
	"github.com/tendant/simple-frame-pipeline/internal/scheduler"
	"github.com/tendant/simple-frame-pipeline/internal/sink"
	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// Validate checks cfg against the runner and source kinds of the current
// environment and fills defaults. Every problem found is reported; each one
// is a *pipeline.ConfigError.
func Validate(cfg *pipeline.Config, reg *runner.Registry, sourceKinds []pipeline.SourceKind) error {
	var result *multierror.Error

	if cfg.MaxInFlight == 0 {
		cfg.MaxInFlight = scheduler.DefaultMaxInFlight
	}
	if cfg.MaxInFlight < 1 {
		result = multierror.Append(result, pipeline.ConfigErrorf("max_in_flight", "must be at least 1, got %d", cfg.MaxInFlight))
	}

	if cfg.Source.Kind == "" {
		cfg.Source.Kind = pipeline.SourceFFmpeg
	}
	if sourceKinds != nil && !slices.Contains(sourceKinds, cfg.Source.Kind) {
		result = multierror.Append(result, pipeline.ConfigErrorf("source.kind", "source kind %q is not available in the %s environment", cfg.Source.Kind, reg.Env()))
	}
	if cfg.Source.SampleRate < 0 {
		result = multierror.Append(result, pipeline.ConfigErrorf("source.sample_rate", "must not be negative"))
	}

	for _, name := range sortedKeys(cfg.Runners) {
		rc := cfg.Runners[name]
		if err := reg.Check(fmt.Sprintf("runners.%s.kind", name), rc.Kind); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if len(cfg.Triggers) == 0 {
		result = multierror.Append(result, pipeline.ConfigErrorf("triggers", "at least one trigger is required"))
	}
	for _, id := range sortedKeys(cfg.Triggers) {
		tc := cfg.Triggers[id]
		field := "triggers." + id

		switch {
		case tc.Runner != "" && tc.RunnerKind != "":
			result = multierror.Append(result, pipeline.ConfigErrorf(field, "runner and runner_kind are mutually exclusive"))
		case tc.Runner == "" && tc.RunnerKind == "":
			result = multierror.Append(result, pipeline.ConfigErrorf(field, "one of runner or runner_kind is required"))
		case tc.Runner != "":
			if _, ok := cfg.Runners[tc.Runner]; !ok {
				result = multierror.Append(result, pipeline.ConfigErrorf(field+".runner", "unknown runner %q", tc.Runner))
			}
		default:
			if err := reg.Check(field+".runner_kind", tc.RunnerKind); err != nil {
				result = multierror.Append(result, err)
			}
		}

		if _, err := policy.Build(field+".policy", tc.Policy); err != nil {
			result = multierror.Append(result, err)
		}
		if tc.Crop != nil {
			if err := runner.ValidateCrop(field+".crop", *tc.Crop); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if tc.Sink.Kind != "" && !slices.Contains(sink.Kinds(), tc.Sink.Kind) {
			result = multierror.Append(result, pipeline.ConfigErrorf(field+".sink.kind", "unknown sink kind %q", tc.Sink.Kind))
		}
	}

	return result.ErrorOrNil()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
