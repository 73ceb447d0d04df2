package outbound

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/mqtt"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultQueueSize           = 1024
	DefaultNotConnectedBackoff = 5 * time.Second
	DefaultInFlightBackoff     = 50 * time.Millisecond
)

// Transport is the publish side of the MQTT client.
type Transport interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Logger is the logging surface the publisher needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Stats describes the final outcome of one message.
type Stats struct {
	Topic    string
	Attempts int
	Latency  time.Duration
	Err      error
}

// Recorder receives one Stats per completed message.
type Recorder interface {
	RecordPublish(s Stats)
}

// Message is an immutable outbound MQTT message.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Options configures a Publisher.
type Options struct {
	QueueSize           int
	NotConnectedBackoff time.Duration
	InFlightBackoff     time.Duration
	Logger              Logger
	Recorder            Recorder

	// OnFailure is called on the writer goroutine for every message dropped
	// after a fatal transport error.
	OnFailure func(msg Message, err error)
}

// Publisher owns the single goroutine that writes to the transport.
// Messages are published in enqueue order. Transient transport errors are
// retried in place, so one message that cannot be sent holds back every
// message behind it.
type Publisher struct {
	transport Transport
	opts      Options
	logger    Logger

	queue chan *Delivery

	// closeMu orders Enqueue against Stop: once closed is set no further
	// item can land behind the sentinel.
	closeMu sync.RWMutex
	closed  bool

	stopOnce sync.Once
	done     chan struct{}
}

// stopSentinel is pushed by Stop; the loop exits when it reaches it.
var stopSentinel = &Delivery{}

// New creates a Publisher and starts its writer goroutine.
func New(transport Transport, opts Options) *Publisher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.NotConnectedBackoff <= 0 {
		opts.NotConnectedBackoff = DefaultNotConnectedBackoff
	}
	if opts.InFlightBackoff <= 0 {
		opts.InFlightBackoff = DefaultInFlightBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	p := &Publisher{
		transport: transport,
		opts:      opts,
		logger:    logger,
		queue:     make(chan *Delivery, opts.QueueSize),
		done:      make(chan struct{}),
	}
	go p.loop()
	return p
}

// Enqueue adds msg to the queue without blocking.
//
// Parameters:
//   - msg: The message; Topic must be set
//
// Returns:
//   - *Delivery: Handle to wait on, inspect or withdraw the message
//   - error: ErrInvalidMessage, ErrClosed after Stop, or ErrQueueFull
//
// Example:
//
//	d, err := p.Enqueue(outbound.Message{Topic: topics.Notify(), Payload: body, QoS: 1})
//	if err != nil {
//		return err
//	}
//	return d.Wait(ctx)
func (p *Publisher) Enqueue(msg Message) (*Delivery, error) {
	if msg.Topic == "" {
		return nil, ErrInvalidMessage
	}

	// Hold the read lock across the send so Stop's sentinel lands last
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()

	if p.closed {
		return nil, ErrClosed
	}

	d := newDelivery(msg)
	select {
	case p.queue <- d:
		return d, nil
	default:
		return nil, ErrQueueFull
	}
}

// Pending returns the number of queued messages, including the sentinel
// once Stop has been called.
func (p *Publisher) Pending() int {
	return len(p.queue)
}

// Stop refuses new messages and waits until everything queued before the
// call has been handled. A message retrying a transient error keeps the
// writer busy; Stop then returns ctx.Err() and the writer exits later.
func (p *Publisher) Stop(ctx context.Context) error {
	var sendErr error
	p.stopOnce.Do(func() {
		p.closeMu.Lock()
		p.closed = true
		p.closeMu.Unlock()

		select {
		case p.queue <- stopSentinel:
		case <-ctx.Done():
			sendErr = ctx.Err()
			// Keep trying in the background so the writer still exits.
			go func() { p.queue <- stopSentinel }()
		}
	})
	if sendErr != nil {
		return sendErr
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) loop() {
	defer close(p.done)
	for d := range p.queue {
		if d == stopSentinel {
			return
		}
		p.deliver(d)
	}
}

// deliver publishes one message, retrying transient failures.
func (p *Publisher) deliver(d *Delivery) {
	if !d.activate() {
		return
	}

	msg := d.msg
	start := time.Now()
	attempts := 0

	for {
		attempts++
		err := p.safePublish(msg)
		if err == nil {
			p.finish(d, attempts, start, nil)
			return
		}

		backoff, retry := p.classify(err)
		if !retry {
			err = fmt.Errorf("%w: %w", ErrPublishFailed, err)
			p.logger.Error("dropping outbound message",
				"topic", msg.Topic,
				"attempts", attempts,
				"error", err,
			)
			if p.opts.OnFailure != nil {
				p.opts.OnFailure(msg, err)
			}
			p.finish(d, attempts, start, err)
			return
		}

		p.logger.Debug("outbound publish deferred",
			"topic", msg.Topic,
			"attempt", attempts,
			"backoff", backoff,
			"error", err,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-d.withdraw:
			timer.Stop()
			p.finish(d, attempts, start, ErrWithdrawn)
			return
		}
	}
}

// classify maps a transport error onto a retry decision.
func (p *Publisher) classify(err error) (time.Duration, bool) {
	switch {
	case errors.Is(err, mqtt.ErrNotConnected), errors.Is(err, mqtt.ErrDisconnecting):
		return p.opts.NotConnectedBackoff, true
	case errors.Is(err, mqtt.ErrTooManyInFlight):
		return p.opts.InFlightBackoff, true
	default:
		return 0, false
	}
}

// safePublish converts a transport panic into a fatal error.
func (p *Publisher) safePublish(msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	return p.transport.Publish(msg.Topic, msg.Payload, msg.QoS, msg.Retained)
}

// finish records stats, then completes d so waiters see the final state.
func (p *Publisher) finish(d *Delivery, attempts int, start time.Time, err error) {
	if p.opts.Recorder != nil {
		p.opts.Recorder.RecordPublish(Stats{
			Topic:    d.msg.Topic,
			Attempts: attempts,
			Latency:  time.Since(start),
			Err:      err,
		})
	}
	d.complete(err)
}
