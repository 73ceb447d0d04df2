package resource

import (
	"context"
	"sync"
)

// Logger is the logging surface the notifier needs.
type Logger interface {
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Error(string, ...any) {}

// delivery is one event plus the listeners registered when it was committed.
type delivery struct {
	event     Event
	listeners []Listener
}

// Notifier delivers change events on a single goroutine, in the order the
// changes were committed. Enqueueing never blocks: the queue is unbounded,
// so a slow listener delays later notifications but never a mutation.
type Notifier struct {
	logger Logger

	mu          sync.Mutex
	queue       []delivery
	subscribers map[uint64]Listener
	nextSubID   uint64
	stopping    bool

	wake chan struct{}
	done chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewNotifier creates a notifier. Call Start before expecting deliveries.
func NewNotifier(logger Logger) *Notifier {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Notifier{
		logger:      logger,
		subscribers: make(map[uint64]Listener),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Start launches the delivery goroutine. Safe to call more than once.
func (n *Notifier) Start() {
	n.startOnce.Do(func() {
		go n.run()
	})
}

// Stop delivers everything already queued, then ends the delivery
// goroutine. Events enqueued after Stop are discarded.
func (n *Notifier) Stop(ctx context.Context) error {
	n.Start()
	n.stopOnce.Do(func() {
		n.mu.Lock()
		n.stopping = true
		n.mu.Unlock()
		n.signal()
	})

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a listener for events of every resource. The
// returned function removes it.
func (n *Notifier) Subscribe(l Listener) (remove func()) {
	n.mu.Lock()
	id := n.nextSubID
	n.nextSubID++
	n.subscribers[id] = l
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.subscribers, id)
		n.mu.Unlock()
	}
}

// enqueue appends an event. Callers hold the resource lock so that the
// queue order matches the commit order.
func (n *Notifier) enqueue(ev Event, listeners []Listener) {
	n.mu.Lock()
	if n.stopping {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, delivery{event: ev, listeners: listeners})
	n.mu.Unlock()
	n.signal()
}

func (n *Notifier) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *Notifier) run() {
	defer close(n.done)

	for range n.wake {
		for {
			n.mu.Lock()
			if len(n.queue) == 0 {
				stopping := n.stopping
				n.mu.Unlock()
				if stopping {
					return
				}
				break
			}
			d := n.queue[0]
			n.queue[0] = delivery{}
			n.queue = n.queue[1:]
			subs := make([]Listener, 0, len(n.subscribers))
			for _, l := range n.subscribers {
				subs = append(subs, l)
			}
			n.mu.Unlock()

			for _, l := range d.listeners {
				n.call(l, d.event)
			}
			for _, l := range subs {
				n.call(l, d.event)
			}
		}
	}
}

// call invokes one listener, containing any panic.
func (n *Notifier) call(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("resource listener panic recovered",
				"resource", ev.Resource,
				"version", ev.Version,
				"panic", r,
			)
		}
	}()
	l(ev)
}
