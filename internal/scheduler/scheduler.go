// Package scheduler pulls frames from a source, evaluates every trigger's
// policy against each frame and dispatches selected (frame, trigger) pairs to
// per-runner worker pools. Results flow through the aggregator so each
// trigger's consumer sees them in frame order.
//
// A single ceiling bounds memory: a frame takes a slot before it is decoded
// and gives it back once every output produced for it has been delivered.
// When all slots are taken the scheduler stops pulling, which is the only
// backpressure the source sees.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/tendant/simple-frame-pipeline/internal/aggregator"
	"github.com/tendant/simple-frame-pipeline/internal/metrics"
	"github.com/tendant/simple-frame-pipeline/internal/policy"
	"github.com/tendant/simple-frame-pipeline/internal/runner"
	"github.com/tendant/simple-frame-pipeline/internal/source"
	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// DefaultMaxInFlight is the ceiling used when none is configured
const DefaultMaxInFlight = 8

// ErrAlreadyStarted is returned when Run is called a second time. Policies
// keep selection state, so a scheduler serves a single stream.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Trigger binds a runner, a selection policy and a consumer
type Trigger struct {
	ID       string
	Runner   *runner.Handle
	Policy   policy.Policy
	Consumer aggregator.Consumer

	// Crop restricts the runner to a region of the frame
	Crop *pipeline.CropConfig
}

// State is a point-in-time view of a running scheduler
type State struct {
	FramesInFlight int
	RunnerInFlight map[string]int // by runner name
	Buffered       map[string]int // outputs awaiting order, by trigger
	ShuttingDown   bool
}

// Stats summarizes a finished or running pipeline
type Stats struct {
	FramesPulled uint64
	Triggers     map[string]pipeline.TriggerSummary
}

// Scheduler is the hub between source, runners and aggregator
type Scheduler struct {
	triggers    []*Trigger
	pools       []*pool
	poolOf      map[*runner.Handle]*pool
	maxInFlight int
	runID       string
	logger      zerolog.Logger
	metrics     *metrics.Metrics

	started  atomic.Bool
	stopping atomic.Bool
	slots    *semaphore.Weighted
	agg      *aggregator.Aggregator

	mu       sync.Mutex
	inFlight map[uint64]*frameState
	pulled   uint64
	counts   map[string]*pipeline.TriggerSummary
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithMaxInFlight sets the global ceiling on frames in flight
func WithMaxInFlight(n int) Option { return func(s *Scheduler) { s.maxInFlight = n } }

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithMetrics records pipeline metrics on m
func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

// WithRunID stamps every output with id
func WithRunID(id string) Option { return func(s *Scheduler) { s.runID = id } }

// frameState tracks what is still outstanding for one pulled frame
type frameState struct {
	frame       *pipeline.Frame
	invocations int // runner invocations not finished; pixels are released at zero
	outputs     int // outputs not delivered; the slot is released at zero
}

// unit is one (frame, trigger) invocation
type unit struct {
	frame   *pipeline.Frame
	trigger *Trigger
}

// New validates triggers and prepares one worker pool per distinct runner
func New(triggers []Trigger, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		maxInFlight: DefaultMaxInFlight,
		logger:      zerolog.Nop(),
		poolOf:      make(map[*runner.Handle]*pool),
		inFlight:    make(map[uint64]*frameState),
		counts:      make(map[string]*pipeline.TriggerSummary),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxInFlight < 1 {
		return nil, pipeline.ConfigErrorf("max_in_flight", "must be at least 1, got %d", s.maxInFlight)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}

	seen := make(map[string]bool)
	for i := range triggers {
		t := triggers[i]
		field := fmt.Sprintf("triggers.%s", t.ID)
		switch {
		case t.ID == "":
			return nil, pipeline.ConfigErrorf(fmt.Sprintf("triggers[%d]", i), "trigger id is required")
		case seen[t.ID]:
			return nil, pipeline.ConfigErrorf(field, "duplicate trigger id")
		case t.Runner == nil || t.Runner.Runner == nil:
			return nil, pipeline.ConfigErrorf(field+".runner", "runner is required")
		case t.Policy == nil:
			return nil, pipeline.ConfigErrorf(field+".policy", "policy is required")
		}
		if t.Crop != nil {
			if err := runner.ValidateCrop(field+".crop", *t.Crop); err != nil {
				return nil, err
			}
		}
		seen[t.ID] = true
		s.triggers = append(s.triggers, &t)
		s.counts[t.ID] = &pipeline.TriggerSummary{}

		p, ok := s.poolOf[t.Runner]
		if !ok {
			p = &pool{handle: t.Runner}
			s.poolOf[t.Runner] = p
			s.pools = append(s.pools, p)
		}
		p.users++
	}
	if len(s.triggers) == 0 {
		return nil, pipeline.ConfigErrorf("triggers", "at least one trigger is required")
	}

	return s, nil
}

// Run drives the pipeline until the source ends, fails or ctx is cancelled.
//
// It returns nil at end of stream, a *pipeline.DecodeError when the source
// fails, or ctx.Err() after cancellation. In every case all outputs of
// invocations that started have been delivered, invocations that had not
// started were dropped, and every pulled frame was released. Run does not
// close src.
func (s *Scheduler) Run(ctx context.Context, src source.Source) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	s.slots = semaphore.NewWeighted(int64(s.maxInFlight))
	agg := aggregator.New(s.maxInFlight,
		aggregator.WithDone(s.outputDone),
		aggregator.WithErrorHandler(s.consumerFailed),
		aggregator.WithLogger(s.logger),
	)
	for _, t := range s.triggers {
		if err := agg.Add(t.ID, s.counting(t)); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.agg = agg
	s.mu.Unlock()
	agg.Start(ctx)

	var workers sync.WaitGroup
	for _, p := range s.pools {
		p.start(ctx, s, &workers)
	}

	s.logger.Info().
		Str("run_id", s.runID).
		Int("triggers", len(s.triggers)).
		Int("runners", len(s.pools)).
		Int("max_in_flight", s.maxInFlight).
		Msg("pipeline started")

	runErr := s.pull(ctx, src)

	// Step 1: no more dispatch. After cancellation workers drop what is still
	// queued, otherwise they drain it normally.
	s.stopping.Store(true)

	// Step 2: workers finish their queues and exit
	for _, p := range s.pools {
		close(p.queue)
	}
	workers.Wait()

	// Step 3: every expected output is now resolved; wait for delivery
	agg.Close()

	s.logEnd(runErr)
	return runErr
}

// pull is the dispatch loop: take a slot, decode, evaluate triggers, enqueue
func (s *Scheduler) pull(ctx context.Context, src source.Source) error {
	for {
		if err := s.slots.Acquire(ctx, 1); err != nil {
			return ctx.Err()
		}

		frame, err := src.Next(ctx)
		if err != nil {
			s.slots.Release(1)
			switch {
			case errors.Is(err, pipeline.ErrEndOfStream):
				return nil
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				var derr *pipeline.DecodeError
				if errors.As(err, &derr) {
					return derr
				}
				s.mu.Lock()
				seq := s.pulled
				s.mu.Unlock()
				return &pipeline.DecodeError{Seq: seq, Err: err}
			}
		}

		s.metrics.FramesPulled.Inc()
		s.dispatch(frame)
	}
}

// dispatch evaluates every trigger in declaration order and enqueues one unit
// per selecting trigger
func (s *Scheduler) dispatch(frame *pipeline.Frame) {
	var matched []*Trigger
	for _, t := range s.triggers {
		if policy.Select(t.Policy, frame.Seq, frame.Timestamp) {
			matched = append(matched, t)
		}
	}

	s.mu.Lock()
	s.pulled++
	if len(matched) == 0 {
		s.mu.Unlock()
		s.metrics.FramesUnmatched.Inc()
		frame.Release()
		s.slots.Release(1)
		return
	}
	s.inFlight[frame.Seq] = &frameState{
		frame:       frame,
		invocations: len(matched),
		outputs:     len(matched),
	}
	s.mu.Unlock()
	s.metrics.FramesInFlight.Inc()

	for _, t := range matched {
		if err := s.agg.Expect(t.ID, frame.Seq); err != nil {
			// Only reachable through a bookkeeping bug; keep the frame accounted
			s.logger.Error().Err(err).Str("trigger", t.ID).Uint64("seq", frame.Seq).Msg("expect failed")
			s.invocationDone(frame.Seq)
			s.outputDone(t.ID, frame.Seq, true)
			continue
		}
		s.metrics.Dispatched.WithLabelValues(t.ID).Inc()
		s.poolOf[t.Runner].queue <- unit{frame: frame, trigger: t}
	}
}

// execute runs one unit on a pool worker
func (s *Scheduler) execute(ctx context.Context, p *pool, u unit) {
	t := u.trigger
	seq := u.frame.Seq

	if ctx.Err() != nil {
		s.invocationDone(seq)
		s.metrics.Discarded.WithLabelValues(t.ID).Inc()
		if err := s.agg.Discard(t.ID, seq); err != nil {
			s.logger.Error().Err(err).Str("trigger", t.ID).Uint64("seq", seq).Msg("discard failed")
		}
		return
	}

	p.active.Add(1)
	s.metrics.RunnerInFlight.WithLabelValues(p.handle.Name).Inc()
	start := time.Now()

	payload, err := runner.Invoke(ctx, p.handle.Runner, u.frame, t.Crop)

	elapsed := time.Since(start)
	s.metrics.RunnerInFlight.WithLabelValues(p.handle.Name).Dec()
	s.metrics.RunnerDuration.WithLabelValues(p.handle.Name).Observe(elapsed.Seconds())
	p.active.Add(-1)

	out := pipeline.RunnerOutput{
		RunID:     s.runID,
		TriggerID: t.ID,
		Seq:       seq,
		Timestamp: u.frame.Timestamp,
		Duration:  elapsed,
	}
	if err != nil {
		out.Err = &pipeline.RunnerError{TriggerID: t.ID, Seq: seq, Err: err}
		s.metrics.RunnerErrors.WithLabelValues(t.ID).Inc()
		s.logger.Debug().Err(err).Str("trigger", t.ID).Str("runner", p.handle.Name).Uint64("seq", seq).Msg("runner failed")
	} else {
		out.Payload = payload
	}

	s.invocationDone(seq)
	if err := s.agg.Complete(out); err != nil {
		s.logger.Error().Err(err).Str("trigger", t.ID).Uint64("seq", seq).Msg("complete failed")
	}
}

// invocationDone releases the frame's pixels after its last invocation
func (s *Scheduler) invocationDone(seq uint64) {
	s.mu.Lock()
	fs, ok := s.inFlight[seq]
	if !ok {
		s.mu.Unlock()
		return
	}
	fs.invocations--
	last := fs.invocations == 0
	s.mu.Unlock()

	if last {
		fs.frame.Release()
	}
}

// outputDone is called by the aggregator once per delivered or dropped output
// and frees the frame's slot after its last one
func (s *Scheduler) outputDone(_ string, seq uint64, _ bool) {
	s.mu.Lock()
	fs, ok := s.inFlight[seq]
	if !ok {
		s.mu.Unlock()
		return
	}
	fs.outputs--
	last := fs.outputs == 0
	if last {
		delete(s.inFlight, seq)
	}
	s.mu.Unlock()

	if last {
		// Pixels are normally gone already; this covers dropped units
		fs.frame.Release()
		s.metrics.FramesInFlight.Dec()
		s.slots.Release(1)
	}
}

// counting wraps a trigger's consumer to keep delivery statistics
func (s *Scheduler) counting(t *Trigger) aggregator.Consumer {
	return aggregator.ConsumerFunc(func(ctx context.Context, out pipeline.RunnerOutput) error {
		s.mu.Lock()
		c := s.counts[t.ID]
		c.Delivered++
		if out.Failed() {
			c.Failed++
		}
		s.mu.Unlock()
		s.metrics.Delivered.WithLabelValues(t.ID).Inc()

		if t.Consumer == nil {
			return nil
		}
		return t.Consumer.Consume(ctx, out)
	})
}

func (s *Scheduler) consumerFailed(out pipeline.RunnerOutput, _ error) {
	s.metrics.ConsumerErrors.WithLabelValues(out.TriggerID).Inc()
}

// State reports the current load. It is safe to call from any goroutine.
func (s *Scheduler) State() State {
	st := State{
		RunnerInFlight: make(map[string]int, len(s.pools)),
		Buffered:       make(map[string]int, len(s.triggers)),
		ShuttingDown:   s.stopping.Load(),
	}

	s.mu.Lock()
	st.FramesInFlight = len(s.inFlight)
	agg := s.agg
	s.mu.Unlock()

	for _, p := range s.pools {
		st.RunnerInFlight[p.handle.Name] += int(p.active.Load())
	}
	if agg != nil {
		for _, t := range s.triggers {
			st.Buffered[t.ID] = agg.Buffered(t.ID)
		}
	}
	return st
}

// Stats reports pulled frames and per-trigger delivery counts
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{FramesPulled: s.pulled, Triggers: make(map[string]pipeline.TriggerSummary, len(s.counts))}
	for id, c := range s.counts {
		st.Triggers[id] = *c
	}
	return st
}

// Triggers returns the trigger ids in evaluation order
func (s *Scheduler) Triggers() []string {
	ids := make([]string, 0, len(s.triggers))
	for _, t := range s.triggers {
		ids = append(ids, t.ID)
	}
	return ids
}

func (s *Scheduler) logEnd(err error) {
	st := s.Stats()
	ev := s.logger.Info()
	outcome := "completed"
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = "cancelled"
	case err != nil:
		outcome = "failed"
		ev = s.logger.Error().Err(err)
	}
	s.metrics.RunsTotal.WithLabelValues(outcome).Inc()
	ev.Str("run_id", s.runID).
		Uint64("frames", st.FramesPulled).
		Str("outcome", outcome).
		Msg("pipeline finished")
}
