// Package aggregator restores per-trigger frame order between out-of-order
// runner completions and the trigger's consumer.
//
// For every trigger the scheduler announces dispatched frames with Expect in
// ascending sequence order. Results arrive through Complete or Discard in any
// order and are released to the consumer only once every earlier expected
// frame of that trigger has been released. Each trigger has its own delivery
// goroutine, so a slow consumer delays only its own trigger.
package aggregator

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// Consumer receives a trigger's outputs in ascending frame order
type Consumer interface {
	Consume(ctx context.Context, out pipeline.RunnerOutput) error
}

// ConsumerFunc adapts a function to the Consumer interface
type ConsumerFunc func(ctx context.Context, out pipeline.RunnerOutput) error

// Consume implements Consumer
func (f ConsumerFunc) Consume(ctx context.Context, out pipeline.RunnerOutput) error {
	return f(ctx, out)
}

// DoneFunc is called once per expected (trigger, seq) after the output was
// handed to the consumer, or dropped when discarded is true
type DoneFunc func(triggerID string, seq uint64, discarded bool)

// ErrorFunc is called when a consumer returns an error. Consumer errors never
// stop delivery.
type ErrorFunc func(out pipeline.RunnerOutput, err error)

type item struct {
	out       pipeline.RunnerOutput
	discarded bool
}

type entry struct {
	ready bool
	item  item
}

// stream is the reorder buffer of one trigger
type stream struct {
	id       string
	consumer Consumer

	// expected holds announced sequence indices not yet released, ascending
	expected []uint64
	pending  map[uint64]*entry

	out chan item
}

// Aggregator holds one reorder buffer per trigger
type Aggregator struct {
	mu      sync.Mutex
	streams map[string]*stream
	started bool
	closed  bool
	wg      sync.WaitGroup

	capacity int
	onDone   DoneFunc
	onError  ErrorFunc
	logger   zerolog.Logger
}

// Option configures an Aggregator
type Option func(*Aggregator)

// WithDone sets the completion callback
func WithDone(fn DoneFunc) Option { return func(a *Aggregator) { a.onDone = fn } }

// WithErrorHandler sets the consumer error callback
func WithErrorHandler(fn ErrorFunc) Option { return func(a *Aggregator) { a.onError = fn } }

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option { return func(a *Aggregator) { a.logger = l } }

// New creates an aggregator. capacity bounds how many outputs of one trigger
// can be outstanding at once; the scheduler passes its in-flight ceiling.
func New(capacity int, opts ...Option) *Aggregator {
	if capacity < 1 {
		capacity = 1
	}
	a := &Aggregator{
		streams:  make(map[string]*stream),
		capacity: capacity,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Add registers a trigger and its consumer. Must be called before Start.
func (a *Aggregator) Add(triggerID string, consumer Consumer) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return fmt.Errorf("aggregator already started")
	}
	if _, ok := a.streams[triggerID]; ok {
		return fmt.Errorf("duplicate trigger %q", triggerID)
	}
	a.streams[triggerID] = &stream{
		id:       triggerID,
		consumer: consumer,
		pending:  make(map[uint64]*entry),
		out:      make(chan item, a.capacity),
	}
	return nil
}

// Start launches one delivery goroutine per trigger. Consumers are called with
// a context that is not cancelled with ctx, so outputs produced during
// shutdown still reach them.
func (a *Aggregator) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return
	}
	a.started = true
	deliverCtx := context.WithoutCancel(ctx)

	for _, s := range a.streams {
		a.wg.Add(1)
		go a.deliver(deliverCtx, s)
	}
}

func (a *Aggregator) deliver(ctx context.Context, s *stream) {
	defer a.wg.Done()

	for it := range s.out {
		if !it.discarded && s.consumer != nil {
			if err := s.consumer.Consume(ctx, it.out); err != nil {
				a.logger.Warn().
					Err(err).
					Str("trigger", s.id).
					Uint64("seq", it.out.Seq).
					Msg("consumer failed")
				if a.onError != nil {
					a.onError(it.out, err)
				}
			}
		}
		if a.onDone != nil {
			a.onDone(s.id, it.out.Seq, it.discarded)
		}
	}
}

// Expect announces that seq was dispatched for trigger. Calls for one trigger
// must be made in ascending seq order.
func (a *Aggregator) Expect(triggerID string, seq uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.stream(triggerID)
	if err != nil {
		return err
	}
	if n := len(s.expected); n > 0 && s.expected[n-1] >= seq {
		return fmt.Errorf("trigger %q: expected frame %d after %d", triggerID, seq, s.expected[n-1])
	}
	if len(s.expected) >= a.capacity {
		return fmt.Errorf("trigger %q: more than %d outputs outstanding", triggerID, a.capacity)
	}
	s.expected = append(s.expected, seq)
	s.pending[seq] = &entry{}
	return nil
}

// Complete stores the output for its (trigger, seq) and releases every output
// that is now at the head of the trigger's order
func (a *Aggregator) Complete(out pipeline.RunnerOutput) error {
	return a.resolve(out.TriggerID, item{out: out})
}

// Discard drops an expected (trigger, seq) without calling the consumer.
// Later outputs of the trigger are not held back by it.
func (a *Aggregator) Discard(triggerID string, seq uint64) error {
	return a.resolve(triggerID, item{out: pipeline.RunnerOutput{TriggerID: triggerID, Seq: seq}, discarded: true})
}

func (a *Aggregator) resolve(triggerID string, it item) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.stream(triggerID)
	if err != nil {
		return err
	}
	e, ok := s.pending[it.out.Seq]
	if !ok || e.ready {
		return fmt.Errorf("trigger %q: frame %d was not expected", triggerID, it.out.Seq)
	}
	e.ready = true
	e.item = it

	// Release the contiguous ready prefix. The channel has room for every
	// outstanding output, so these sends do not block.
	for len(s.expected) > 0 {
		head := s.pending[s.expected[0]]
		if !head.ready {
			break
		}
		delete(s.pending, s.expected[0])
		s.expected = s.expected[1:]
		s.out <- head.item
	}
	return nil
}

func (a *Aggregator) stream(triggerID string) (*stream, error) {
	if a.closed {
		return nil, fmt.Errorf("aggregator closed")
	}
	s, ok := a.streams[triggerID]
	if !ok {
		return nil, fmt.Errorf("unknown trigger %q", triggerID)
	}
	return s, nil
}

// Buffered returns how many outputs of trigger are expected but not yet
// released to its delivery goroutine
func (a *Aggregator) Buffered(triggerID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s, ok := a.streams[triggerID]; ok {
		return len(s.expected)
	}
	return 0
}

// Close waits until every released output was delivered. Outputs still
// waiting for an earlier frame are dropped and reported as discarded.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true

	var dropped []item
	for _, s := range a.streams {
		for _, seq := range s.expected {
			dropped = append(dropped, item{out: pipeline.RunnerOutput{TriggerID: s.id, Seq: seq}, discarded: true})
		}
		s.expected = nil
		s.pending = nil
		close(s.out)
	}
	started := a.started
	a.mu.Unlock()

	if started {
		a.wg.Wait()
	} else {
		// Nothing was delivered; report released outputs as dropped too
		for _, s := range a.streams {
			for it := range s.out {
				dropped = append(dropped, item{out: it.out, discarded: true})
			}
		}
	}

	if a.onDone != nil {
		for _, it := range dropped {
			a.onDone(it.out.TriggerID, it.out.Seq, true)
		}
	}
	if len(dropped) > 0 {
		a.logger.Warn().Int("count", len(dropped)).Msg("dropped undeliverable outputs")
	}
}
