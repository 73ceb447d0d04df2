package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-agent/internal/envelope"
	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-agent/internal/outbound"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultDeferGrace   = time.Second
	DefaultMaxDeferred  = 256
	DefaultRetireWindow = 5 * time.Minute

	// responseQoS is the QoS of the shared response subscription and of
	// every request.
	responseQoS = 1
)

// Outcome says what Deliver did with a response.
type Outcome int

const (
	// Matched means a pending waiter received the response.
	Matched Outcome = iota
	// Deferred means the response was parked for a waiter that may register shortly.
	Deferred
	// Dropped means the response was discarded: late, duplicate, or no room to park it.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case Deferred:
		return "deferred"
	default:
		return "dropped"
	}
}

// Publisher is the enqueue side of the outbound publisher.
type Publisher interface {
	Enqueue(msg outbound.Message) (*outbound.Delivery, error)
}

// Subscriber manages the shared response subscription.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Logger is the logging surface the correlator needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// RequestStats describes one finished SendAndWait call.
type RequestStats struct {
	Topic    string
	RC       int
	Latency  time.Duration
	TimedOut bool
	Err      error
}

// Recorder receives one RequestStats per SendAndWait call.
type Recorder interface {
	RecordRequest(s RequestStats)
}

// Options configures a Correlator.
type Options struct {
	// ResponseTopic is the shared topic responses arrive on.
	ResponseTopic string

	// ResponseHandler is subscribed to ResponseTopic. Defaults to the
	// correlator's own HandleResponse.
	ResponseHandler mqtt.MessageHandler

	DeferGrace   time.Duration
	MaxDeferred  int
	RetireWindow time.Duration

	Logger   Logger
	Recorder Recorder

	// NewID generates request ids. Defaults to random UUIDs.
	NewID func() string
}

// Request is an outgoing request as registered with the correlator.
type Request struct {
	ID        string
	Topic     string
	Body      []byte
	CreatedAt time.Time
}

// waiter is the pending slot for one request.
type waiter struct {
	req      Request
	result   chan *envelope.Response
	deadline time.Time
}

type parked struct {
	resp    *envelope.Response
	expires time.Time
}

// Correlator turns publish/subscribe into request/response. It owns the
// pending-waiter index; all index operations happen under one mutex so a
// match can never race a timeout for the same id.
type Correlator struct {
	publisher  Publisher
	subscriber Subscriber
	opts       Options
	logger     Logger

	mu       sync.Mutex
	pending  map[string]*waiter
	deferred map[string]parked
	retired  map[string]time.Time

	subMu      sync.Mutex
	subscribed bool
}

// New creates a Correlator publishing through publisher and subscribing
// through subscriber.
func New(publisher Publisher, subscriber Subscriber, opts Options) *Correlator {
	if opts.ResponseTopic == "" {
		opts.ResponseTopic = mqtt.Topics{}.Response()
	}
	if opts.DeferGrace <= 0 {
		opts.DeferGrace = DefaultDeferGrace
	}
	if opts.MaxDeferred <= 0 {
		opts.MaxDeferred = DefaultMaxDeferred
	}
	if opts.RetireWindow <= 0 {
		opts.RetireWindow = DefaultRetireWindow
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	c := &Correlator{
		publisher:  publisher,
		subscriber: subscriber,
		opts:       opts,
		logger:     logger,
		pending:    make(map[string]*waiter),
		deferred:   make(map[string]parked),
		retired:    make(map[string]time.Time),
	}
	if c.opts.ResponseHandler == nil {
		c.opts.ResponseHandler = c.HandleResponse
	}
	return c
}

// SendAndWait publishes body on topic with a fresh request id and blocks
// until the matching response arrives or the wait is given up.
//
// Parameters:
//   - ctx: Cancels the wait; the request id is retired either way
//   - topic: Device-to-server request topic (e.g., "iotdevice-1/mgmt/manage")
//   - body: JSON object without a reqId field, or empty for {}
//   - timeout: How long to wait for the platform's answer; must be positive
//
// Returns:
//   - *envelope.Response: The platform's answer, whatever its rc
//   - error: ErrTimeout when nothing arrived in time, ErrSendFailed when the
//     message could not be queued or was dropped, or ctx.Err()
//
// A response that races the timeout is still returned.
//
// Example:
//
//	resp, err := c.SendAndWait(ctx, topics.Manage(), body, 2*time.Minute)
//	if err == nil && resp.RC == envelope.RCSuccess {
//		// managed
//	}
func (c *Correlator) SendAndWait(ctx context.Context, topic string, body []byte, timeout time.Duration) (*envelope.Response, error) {
	if topic == "" {
		return nil, ErrInvalidTopic
	}
	if timeout <= 0 {
		return nil, ErrInvalidTimeout
	}

	start := time.Now()
	resp, err := c.sendAndWait(ctx, topic, body, timeout)

	// Record every outcome, timeouts included
	if c.opts.Recorder != nil {
		s := RequestStats{Topic: topic, Latency: time.Since(start), Err: err, TimedOut: errors.Is(err, ErrTimeout)}
		if resp != nil {
			s.RC = resp.RC
		}
		c.opts.Recorder.RecordRequest(s)
	}
	return resp, err
}

func (c *Correlator) sendAndWait(ctx context.Context, topic string, body []byte, timeout time.Duration) (*envelope.Response, error) {
	if err := c.ensureSubscribed(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	id := c.opts.NewID()
	payload, err := envelope.InjectRequestID(body, id)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	w := &waiter{
		req:      Request{ID: id, Topic: topic, Body: payload, CreatedAt: now},
		result:   make(chan *envelope.Response, 1),
		deadline: now.Add(timeout),
	}
	if err := c.register(w); err != nil {
		return nil, err
	}

	// Register before enqueueing so a fast answer finds its waiter
	delivery, err := c.publisher.Enqueue(outbound.Message{Topic: topic, Payload: payload, QoS: responseQoS})
	if err != nil {
		c.retire(id)
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	sent := delivery.Done()
	for {
		select {
		case resp := <-w.result:
			return resp, nil

		case <-sent:
			if err := delivery.Err(); err != nil {
				if resp := c.retire(id); resp != nil {
					return resp, nil
				}
				return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
			}
			sent = nil

		case <-timer.C:
			if resp := c.retire(id); resp != nil {
				return resp, nil
			}
			c.logger.Debug("request timed out", "topic", topic, "req_id", id, "timeout", timeout)
			return nil, fmt.Errorf("%w: %s after %v", ErrTimeout, topic, timeout)

		case <-ctx.Done():
			delivery.Withdraw()
			if resp := c.retire(id); resp != nil {
				return resp, nil
			}
			return nil, ctx.Err()
		}
	}
}

// register inserts w, or satisfies it at once from a parked response.
func (c *Correlator) register(w *waiter) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.pruneLocked(now)

	id := w.req.ID
	if _, exists := c.pending[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, id)
	}
	c.pending[id] = w

	if p, ok := c.deferred[id]; ok {
		delete(c.deferred, id)
		c.matchLocked(id, w, p.resp, now)
	}
	return nil
}

// retire removes the waiter for id and remembers the id so later responses
// are dropped. A response that raced the removal is returned.
func (c *Correlator) retire(id string) *envelope.Response {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		c.retired[id] = time.Now().Add(c.opts.RetireWindow)
	}
	if w == nil {
		return nil
	}
	select {
	case resp := <-w.result:
		return resp
	default:
		return nil
	}
}

// Deliver hands a decoded response to its waiter. Unknown ids are parked
// for the longest remaining timeout of any pending waiter (at least
// DeferGrace); ids already answered or timed out are dropped.
func (c *Correlator) Deliver(resp *envelope.Response) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.pruneLocked(now)

	id := resp.ReqID
	if w, ok := c.pending[id]; ok {
		c.matchLocked(id, w, resp, now)
		return Matched
	}

	if _, ok := c.retired[id]; ok {
		c.logger.Debug("dropping late response", "req_id", id, "rc", resp.RC)
		return Dropped
	}

	if _, ok := c.deferred[id]; ok {
		c.logger.Debug("dropping duplicate unmatched response", "req_id", id)
		return Dropped
	}
	if len(c.deferred) >= c.opts.MaxDeferred {
		c.logger.Warn("dropping unmatched response, deferred set full", "req_id", id, "limit", c.opts.MaxDeferred)
		return Dropped
	}

	grace := c.opts.DeferGrace
	for _, w := range c.pending {
		if remaining := w.deadline.Sub(now); remaining > grace {
			grace = remaining
		}
	}
	c.deferred[id] = parked{resp: resp, expires: now.Add(grace)}
	c.logger.Debug("deferring unmatched response", "req_id", id, "grace", grace)
	return Deferred
}

// matchLocked completes w with resp and retires the id.
func (c *Correlator) matchLocked(id string, w *waiter, resp *envelope.Response, now time.Time) {
	delete(c.pending, id)
	c.retired[id] = now.Add(c.opts.RetireWindow)
	w.result <- resp
}

func (c *Correlator) pruneLocked(now time.Time) {
	for id, p := range c.deferred {
		if now.After(p.expires) {
			delete(c.deferred, id)
		}
	}
	for id, until := range c.retired {
		if now.After(until) {
			delete(c.retired, id)
		}
	}
}

// HandleResponse decodes payload and delivers it. It satisfies
// mqtt.MessageHandler.
func (c *Correlator) HandleResponse(_ string, payload []byte) error {
	resp, err := envelope.DecodeResponse(payload)
	if err != nil {
		return err
	}
	c.Deliver(resp)
	return nil
}

// ensureSubscribed subscribes the shared response topic once.
func (c *Correlator) ensureSubscribed() error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.subscribed {
		return nil
	}
	if err := c.subscriber.Subscribe(c.opts.ResponseTopic, responseQoS, c.opts.ResponseHandler); err != nil {
		return err
	}
	c.subscribed = true
	return nil
}

// Subscribed reports whether the shared response subscription is active.
func (c *Correlator) Subscribed() bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.subscribed
}

// Pending returns the number of registered waiters.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close tears down the response subscription and forgets parked responses.
// Waiters already blocked in SendAndWait finish by their own timeout.
func (c *Correlator) Close() error {
	c.mu.Lock()
	c.deferred = make(map[string]parked)
	c.mu.Unlock()

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if !c.subscribed {
		return nil
	}
	c.subscribed = false
	if err := c.subscriber.Unsubscribe(c.opts.ResponseTopic); err != nil {
		return fmt.Errorf("unsubscribing %s: %w", c.opts.ResponseTopic, err)
	}
	return nil
}
