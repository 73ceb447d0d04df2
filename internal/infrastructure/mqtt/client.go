package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/sync/semaphore"

	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/config"
)

// connState is the adapter's view of the broker session.
type connState int32

const (
	stateDisconnected connState = iota
	stateConnected
	stateClosing
)

// Client is the agent's transport: paho underneath, with the error classes
// the outbound publisher retries on.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Subscriptions are re-issued on every reconnect.
type Client struct {
	paho pahomqtt.Client
	cfg  config.MQTTConfig

	state atomic.Int32

	// inflight caps publishes paho still holds a token for; nil when
	// unlimited. A slot is freed when the token completes or the session
	// it was sent on ends.
	inflight *semaphore.Weighted
	ackWait  time.Duration

	// session is closed when the broker connection it stands for is lost.
	sessionMu sync.Mutex
	session   chan struct{}

	subs  subscriptionTable
	hooks hooks
}

// Logger is the logging surface of the adapter. *logging.Logger satisfies it.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// MessageHandler receives one inbound message.
//
// Handlers run on paho's delivery goroutine, one message at a time, so a
// slow handler delays every later message. Returned errors are logged only.
type MessageHandler func(topic string, payload []byte) error

// hooks holds the callbacks and logger set after construction.
type hooks struct {
	mu           sync.RWMutex
	onConnect    func()
	onDisconnect func(err error)
	logger       Logger
}

func (h *hooks) connectHook() func() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onConnect
}

func (h *hooks) disconnectHook() func(error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onDisconnect
}

func (h *hooks) log() Logger {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.logger
}

// Connect dials the broker and blocks until the first CONNACK or
// connectTimeout. Later connection losses are retried by paho with the
// configured backoff; the adapter restores subscriptions after each one.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	opts := buildClientOptions(cfg)
	c := newClient(cfg)

	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })

	c.paho = pahomqtt.NewClient(opts)
	token := c.paho.Connect()
	if !token.WaitTimeout(connectTimeout) {
		c.paho.Disconnect(0)
		return nil, fmt.Errorf("%w: no CONNACK from %s within %v", ErrConnectionFailed, brokerURL(cfg.Broker), connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect handler runs on its own goroutine and may lag behind.
	c.setState(stateConnected)
	return c, nil
}

func newClient(cfg config.MQTTConfig) *Client {
	c := &Client{cfg: cfg, ackWait: ackTimeout, session: make(chan struct{})}
	if cfg.MaxInFlight > 0 {
		c.inflight = semaphore.NewWeighted(int64(cfg.MaxInFlight))
	}
	return c
}

func (c *Client) loadState() connState { return connState(c.state.Load()) }
func (c *Client) setState(s connState) { c.state.Store(int32(s)) }
func (c *Client) swapState(from, to connState) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// currentSession returns the channel closed when the present broker
// session ends.
func (c *Client) currentSession() <-chan struct{} {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.session
}

func (c *Client) endSession() {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	select {
	case <-c.session:
	default:
		close(c.session)
	}
}

func (c *Client) renewSession() {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	select {
	case <-c.session:
		c.session = make(chan struct{})
	default:
	}
}

func (c *Client) handleConnect() {
	if c.loadState() == stateClosing {
		return
	}
	c.renewSession()
	c.setState(stateConnected)
	c.restoreSubscriptions()

	if hook := c.hooks.connectHook(); hook != nil {
		hook()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.swapState(stateConnected, stateDisconnected)
	c.endSession()

	if logger := c.hooks.log(); logger != nil {
		logger.Warn("MQTT connection lost", "error", err)
	}
	if hook := c.hooks.disconnectHook(); hook != nil {
		hook(err)
	}
}

// restoreSubscriptions re-issues every tracked filter. The session is
// clean, so the broker has forgotten them.
func (c *Client) restoreSubscriptions() {
	subs := c.subs.all()
	if len(subs) == 0 {
		return
	}

	tokens := make(map[string]pahomqtt.Token, len(subs))
	for _, sub := range subs {
		tokens[sub.filter] = c.paho.Subscribe(sub.filter, sub.qos, c.wrapHandler(sub.handler))
	}

	go func() {
		for filter, token := range tokens {
			if token.WaitTimeout(c.ackWait) && token.Error() == nil {
				continue
			}
			if logger := c.hooks.log(); logger != nil {
				logger.Warn("MQTT resubscribe failed", "topic", filter, "error", token.Error())
			}
		}
	}()
}

// Close disconnects, giving paho the quiesce period to flush. Publishes
// attempted meanwhile fail with ErrDisconnecting; afterwards with
// ErrNotConnected.
func (c *Client) Close() error {
	if c.paho == nil {
		return nil
	}

	c.setState(stateClosing)
	c.endSession()
	c.paho.Disconnect(disconnectQuiesceMillis)
	c.setState(stateDisconnected)
	return nil
}

// HealthCheck reports ErrNotConnected while the broker session is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether publishes can currently reach the broker.
func (c *Client) IsConnected() bool {
	return c.paho != nil && c.loadState() == stateConnected && c.paho.IsConnected()
}

// SetOnConnect sets a callback run after every (re)connect, once
// subscriptions have been re-issued.
func (c *Client) SetOnConnect(callback func()) {
	c.hooks.mu.Lock()
	c.hooks.onConnect = callback
	c.hooks.mu.Unlock()
}

// SetOnDisconnect sets a callback run when the connection drops.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.hooks.mu.Lock()
	c.hooks.onDisconnect = callback
	c.hooks.mu.Unlock()
}

// SetLogger sets the logger for connection events and handler failures.
func (c *Client) SetLogger(logger Logger) {
	c.hooks.mu.Lock()
	c.hooks.logger = logger
	c.hooks.mu.Unlock()
}

// wrapHandler adapts a MessageHandler to paho, containing panics.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if logger := c.hooks.log(); logger != nil {
					logger.Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			if logger := c.hooks.log(); logger != nil {
				logger.Warn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
			}
		}
	}
}
