package outbound

import (
	"context"
	"sync"
	"sync/atomic"
)

// Delivery states.
const (
	stateQueued int32 = iota
	stateActive
	stateDone
)

// Delivery tracks one enqueued message. It completes exactly once: with
// nil after the transport accepted the message, with ErrPublishFailed
// after a fatal transport error, or with ErrWithdrawn.
type Delivery struct {
	msg Message

	state atomic.Int32

	done     chan struct{}
	err      error
	doneOnce sync.Once

	withdraw     chan struct{}
	withdrawOnce sync.Once
}

func newDelivery(msg Message) *Delivery {
	return &Delivery{
		msg:      msg,
		done:     make(chan struct{}),
		withdraw: make(chan struct{}),
	}
}

// Message returns the message this delivery tracks.
func (d *Delivery) Message() Message { return d.msg }

// Done is closed when the outcome is known.
func (d *Delivery) Done() <-chan struct{} { return d.done }

// Err returns the outcome. Only meaningful after Done is closed.
func (d *Delivery) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

// Wait blocks until the outcome is known or ctx ends.
func (d *Delivery) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Withdraw cancels the message. A message still in the queue completes
// immediately with ErrWithdrawn and is skipped; a message being retried
// stops at its next backoff. A message already sent is unaffected.
func (d *Delivery) Withdraw() {
	if d.state.CompareAndSwap(stateQueued, stateDone) {
		d.complete(ErrWithdrawn)
		return
	}
	d.withdrawOnce.Do(func() { close(d.withdraw) })
}

// activate claims the delivery for the writer loop. It fails when the
// message was withdrawn while queued.
func (d *Delivery) activate() bool {
	return d.state.CompareAndSwap(stateQueued, stateActive)
}

func (d *Delivery) complete(err error) {
	d.doneOnce.Do(func() {
		d.state.Store(stateDone)
		d.err = err
		close(d.done)
	})
}
