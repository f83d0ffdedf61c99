// Package policy decides which frames a trigger analyzes.
//
// Match is a pure predicate over (sequence index, timestamp). Commit is called
// once the trigger's overall decision selected the frame and is the only place
// a policy may keep state (min_interval remembers the last selected timestamp).
// A policy belongs to exactly one trigger and is evaluated from a single
// goroutine, so it needs no locking.
package policy

import (
	"fmt"
	"time"

	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// Policy selects frames for one trigger
type Policy interface {
	Match(seq uint64, ts time.Duration) bool
	Commit(seq uint64, ts time.Duration)
}

// Select evaluates p and commits when the frame is selected
func Select(p Policy, seq uint64, ts time.Duration) bool {
	if !p.Match(seq, ts) {
		return false
	}
	p.Commit(seq, ts)
	return true
}

// EveryFrame selects all frames
type EveryFrame struct{}

func (EveryFrame) Match(uint64, time.Duration) bool { return true }
func (EveryFrame) Commit(uint64, time.Duration)     {}

// EveryNth selects frames whose sequence index is a multiple of N
type EveryNth struct {
	N uint64
}

func (p EveryNth) Match(seq uint64, _ time.Duration) bool { return seq%p.N == 0 }
func (EveryNth) Commit(uint64, time.Duration)             {}

// MinInterval selects a frame when at least Interval elapsed since the last
// selected frame of the same trigger. The first frame is always selected.
type MinInterval struct {
	Interval time.Duration

	selected bool
	last     time.Duration
}

func (p *MinInterval) Match(_ uint64, ts time.Duration) bool {
	return !p.selected || ts-p.last >= p.Interval
}

func (p *MinInterval) Commit(_ uint64, ts time.Duration) {
	p.selected = true
	p.last = ts
}

// AllOf selects a frame only when every child matches
type AllOf []Policy

func (p AllOf) Match(seq uint64, ts time.Duration) bool {
	for _, c := range p {
		if !c.Match(seq, ts) {
			return false
		}
	}
	return true
}

func (p AllOf) Commit(seq uint64, ts time.Duration) {
	for _, c := range p {
		c.Commit(seq, ts)
	}
}

// AnyOf selects a frame when at least one child matches.
// Every child is committed so interval children measure from the trigger's last selection.
type AnyOf []Policy

func (p AnyOf) Match(seq uint64, ts time.Duration) bool {
	for _, c := range p {
		if c.Match(seq, ts) {
			return true
		}
	}
	return false
}

func (p AnyOf) Commit(seq uint64, ts time.Duration) {
	for _, c := range p {
		c.Commit(seq, ts)
	}
}

// Build turns a policy config into a fresh Policy. field names the config
// location for error messages.
func Build(field string, cfg pipeline.PolicyConfig) (Policy, error) {
	switch cfg.Kind {
	case pipeline.PolicyEveryFrame, "":
		return EveryFrame{}, nil
	case pipeline.PolicyEveryNthFrame:
		if cfg.N < 1 {
			return nil, pipeline.ConfigErrorf(field+".n", "every_nth_frame requires n >= 1, got %d", cfg.N)
		}
		return EveryNth{N: cfg.N}, nil
	case pipeline.PolicyMinInterval:
		if cfg.Interval <= 0 {
			return nil, pipeline.ConfigErrorf(field+".interval", "min_interval requires a positive interval, got %s", cfg.Interval)
		}
		return &MinInterval{Interval: cfg.Interval}, nil
	case pipeline.PolicyAllOf, pipeline.PolicyAnyOf:
		if len(cfg.Policies) == 0 {
			return nil, pipeline.ConfigErrorf(field+".policies", "%s requires at least one sub-policy", cfg.Kind)
		}
		children := make([]Policy, 0, len(cfg.Policies))
		for i, sub := range cfg.Policies {
			child, err := Build(fmt.Sprintf("%s.policies[%d]", field, i), sub)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		if cfg.Kind == pipeline.PolicyAllOf {
			return AllOf(children), nil
		}
		return AnyOf(children), nil
	default:
		return nil, pipeline.ConfigErrorf(field+".kind", "unknown policy kind %q", cfg.Kind)
	}
}
