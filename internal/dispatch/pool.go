package dispatch

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultWorkerLimit bounds concurrent long-running handler work.
const DefaultWorkerLimit = 4

// Pool runs long-running handler work off the delivery goroutine, at most
// limit tasks at a time. Go never blocks: each task gets its own goroutine
// that waits for a slot.
type Pool struct {
	sem    *semaphore.Weighted
	logger Logger
	wg     sync.WaitGroup
}

// NewPool creates a Pool. A non-positive limit selects DefaultWorkerLimit.
func NewPool(limit int, logger Logger) *Pool {
	if limit <= 0 {
		limit = DefaultWorkerLimit
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Pool{sem: semaphore.NewWeighted(int64(limit)), logger: logger}
}

// Go schedules fn. If ctx ends before a slot frees up, fn is skipped.
// Panics in fn are recovered and logged.
func (p *Pool) Go(ctx context.Context, name string, fn func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.logger.Warn("skipping handler task", "task", name, "error", err)
			return
		}
		defer p.sem.Release(1)

		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("handler task panic recovered", "task", name, "panic", r)
			}
		}()
		fn(ctx)
	}()
}

// Wait blocks until every scheduled task finished or ctx ends.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
