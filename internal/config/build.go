package config

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/tendant/simple-frame-pipeline/internal/policy"
	"github.com/tendant/simple-frame-pipeline/internal/runner"
	"github.com/tendant/simple-frame-pipeline/internal/scheduler"
	"github.com/tendant/simple-frame-pipeline/internal/sink"
	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// Pipeline is a validated config turned into runnable parts
type Pipeline struct {
	Config   *pipeline.Config
	Triggers []scheduler.Trigger // sorted by ID
	Sinks    map[string]sink.Sink
	Runners  map[string]*runner.Handle
}

// BuildOptions supplies what Build cannot create from the config alone
type BuildOptions struct {
	Runners     *runner.Registry
	SourceKinds []pipeline.SourceKind
	Sinks       sink.Options
	Logger      zerolog.Logger

	// Consumers replaces the configured sink of the named triggers
	Consumers map[string]sink.Sink
}

// Build validates cfg and creates runners, policies and sinks. Shared runners
// are created once and only when a trigger references them. On error
// everything created so far is closed.
func Build(ctx context.Context, cfg *pipeline.Config, opts BuildOptions) (*Pipeline, error) {
	if opts.Runners == nil {
		return nil, fmt.Errorf("runner registry is required")
	}
	if err := Validate(cfg, opts.Runners, opts.SourceKinds); err != nil {
		return nil, err
	}

	p := &Pipeline{
		Config:  cfg,
		Sinks:   make(map[string]sink.Sink),
		Runners: make(map[string]*runner.Handle),
	}

	for _, id := range sortedKeys(cfg.Triggers) {
		tc := cfg.Triggers[id]
		field := "triggers." + id

		handle, err := p.runnerFor(opts.Runners, field, id, tc)
		if err != nil {
			p.Close()
			return nil, err
		}

		pol, err := policy.Build(field+".policy", tc.Policy)
		if err != nil {
			p.Close()
			return nil, err
		}

		s, ok := opts.Consumers[id]
		if !ok {
			sinkOpts := opts.Sinks
			sinkOpts.Logger = opts.Logger.With().Str("trigger", id).Logger()
			if s, err = sink.Open(ctx, field+".sink", tc.Sink, sinkOpts); err != nil {
				p.Close()
				return nil, err
			}
		}
		p.Sinks[id] = s

		p.Triggers = append(p.Triggers, scheduler.Trigger{
			ID:       id,
			Runner:   handle,
			Policy:   pol,
			Consumer: s,
			Crop:     tc.Crop,
		})
	}

	for name := range cfg.Runners {
		if _, ok := p.Runners[name]; !ok {
			opts.Logger.Debug().Str("runner", name).Msg("runner not referenced by any trigger")
		}
	}
	return p, nil
}

func (p *Pipeline) runnerFor(reg *runner.Registry, field, id string, tc pipeline.TriggerConfig) (*runner.Handle, error) {
	if tc.Runner != "" {
		if h, ok := p.Runners[tc.Runner]; ok {
			return h, nil
		}
		rc := p.Config.Runners[tc.Runner]
		h, err := reg.Build("runners."+tc.Runner, tc.Runner, rc.Kind, &rc.Config, rc.Concurrency)
		if err != nil {
			return nil, err
		}
		p.Runners[tc.Runner] = h
		return h, nil
	}

	// Private runners are keyed by trigger so they cannot collide with shared names
	name := id + "/" + string(tc.RunnerKind)
	h, err := reg.Build(field, name, tc.RunnerKind, &tc.RunnerConfig, tc.RunnerConcurrency)
	if err != nil {
		return nil, err
	}
	p.Runners[name] = h
	return h, nil
}

// Close releases every runner and sink
func (p *Pipeline) Close() error {
	var result *multierror.Error
	if err := sink.CloseAll(p.Sinks); err != nil {
		result = multierror.Append(result, err)
	}
	for name, h := range p.Runners {
		if err := h.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("unable to close runner '%s': %w", name, err))
		}
	}
	return result.ErrorOrNil()
}
