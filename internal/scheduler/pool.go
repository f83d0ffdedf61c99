package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tendant/simple-frame-pipeline/internal/runner"
)

// pool runs the invocations of one runner handle. Triggers sharing a handle
// share its queue and workers, so the handle's concurrency is a single limit.
type pool struct {
	handle *runner.Handle
	users  int // triggers bound to this handle

	queue  chan unit
	active atomic.Int64
}

// start creates the queue and workers. The queue holds every invocation that
// can exist at once (one per in-flight frame and bound trigger), so dispatch
// never blocks on it; concurrency is enforced by the worker count.
func (p *pool) start(ctx context.Context, s *Scheduler, wg *sync.WaitGroup) {
	capacity := s.maxInFlight * p.users
	p.queue = make(chan unit, capacity)

	workers := p.handle.Concurrency
	if workers <= 0 || workers > capacity {
		workers = capacity
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range p.queue {
				s.execute(ctx, p, u)
			}
		}()
	}
}
