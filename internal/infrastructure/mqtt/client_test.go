package mqtt

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/config"
)

// =============================================================================
// Test doubles
// =============================================================================

// fakeToken completes when done is closed.
type fakeToken struct {
	err  error
	done chan struct{}
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

// fakePaho implements the parts of pahomqtt.Client the adapter uses.
// Calling anything else panics through the nil embedded interface.
type fakePaho struct {
	pahomqtt.Client

	mu           sync.Mutex
	connected    bool
	publishErr   error
	subscribeErr error
	publishGate  chan struct{}
	published    []string
	subscribed   map[string]pahomqtt.MessageHandler
	unsubscribed []string
	disconnects  int
}

func newFakePaho() *fakePaho {
	return &fakePaho{connected: true, subscribed: make(map[string]pahomqtt.MessageHandler)}
}

func (f *fakePaho) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePaho) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func (f *fakePaho) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
}

func (f *fakePaho) Publish(topic string, _ byte, _ bool, _ interface{}) pahomqtt.Token {
	f.mu.Lock()
	f.published = append(f.published, topic)
	gate, err := f.publishGate, f.publishErr
	f.mu.Unlock()

	if gate != nil {
		return &fakeToken{err: err, done: gate}
	}
	return completedToken(err)
}

func (f *fakePaho) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr == nil {
		f.subscribed[topic] = cb
	}
	return completedToken(f.subscribeErr)
}

func (f *fakePaho) Unsubscribe(topics ...string) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, topics...)
	for _, t := range topics {
		delete(f.subscribed, t)
	}
	return completedToken(nil)
}

func (f *fakePaho) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// fakeMessage is a minimal pahomqtt.Message.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// captureLogger records log calls.
type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *captureLogger) Error(msg string, args ...any) { l.add("ERROR", msg, args) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.add("WARN", msg, args) }

func (l *captureLogger) add(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprint(level, " ", msg, " ", args))
}

func (l *captureLogger) joined() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.lines, "\n")
}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "d:org:type:test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// connectedClient returns a Client wired to a fake paho client.
func connectedClient(cfg config.MQTTConfig) (*Client, *fakePaho) {
	fake := newFakePaho()
	c := newClient(cfg)
	c.paho = fake
	c.setState(stateConnected)
	return c, fake
}

// =============================================================================
// Options Tests
// =============================================================================

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883
	cfg.Auth.Username = "use-token-auth"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://127.0.0.1:8883" {
		t.Errorf("Servers = %v, want [ssl://127.0.0.1:8883]", opts.Servers)
	}
	if opts.ClientID != "d:org:type:test" {
		t.Errorf("ClientID = %q, want %q", opts.ClientID, "d:org:type:test")
	}
	if opts.Username != "use-token-auth" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q, want use-token-auth/secret", opts.Username, opts.Password)
	}
	if !opts.Order {
		t.Error("Order = false, want ordered inbound delivery")
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Error("TLSConfig missing or below minimum version")
	}
}

func TestBrokerURL_Plain(t *testing.T) {
	if got := brokerURL(testConfig().Broker); got != "tcp://127.0.0.1:1883" {
		t.Errorf("brokerURL() = %q, want tcp://127.0.0.1:1883", got)
	}
}

// =============================================================================
// Publish Tests
// =============================================================================

func TestPublish(t *testing.T) {
	c, fake := connectedClient(testConfig())

	if err := c.Publish(Topics{}.Manage(), []byte(`{}`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if fake.publishCount() != 1 {
		t.Errorf("published = %d, want 1", fake.publishCount())
	}
}

func TestPublishValidation(t *testing.T) {
	c, _ := connectedClient(testConfig())

	tests := []struct {
		name    string
		topic   string
		qos     byte
		payload []byte
		want    error
	}{
		{"empty topic", "", 1, nil, ErrInvalidTopic},
		{"invalid qos", "a/b", 3, nil, ErrInvalidQoS},
		{"oversized payload", "a/b", 1, make([]byte, maxPayloadSize+1), ErrPublishFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPublishNotConnected(t *testing.T) {
	c, fake := connectedClient(testConfig())
	fake.connected = false

	err := c.Publish("a/b", nil, 1, false)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	if !IsTransient(err) {
		t.Error("IsTransient() = false for ErrNotConnected")
	}
}

func TestPublishDisconnecting(t *testing.T) {
	c, _ := connectedClient(testConfig())
	c.setState(stateClosing)

	err := c.Publish("a/b", nil, 1, false)
	if !errors.Is(err, ErrDisconnecting) {
		t.Errorf("Publish() error = %v, want ErrDisconnecting", err)
	}
}

func TestPublishTooManyInFlight(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInFlight = 2
	c, fake := connectedClient(cfg)
	c.ackWait = 20 * time.Millisecond

	// The broker never acknowledges; each timed-out publish keeps its slot.
	gate := make(chan struct{})
	fake.publishGate = gate

	for _, topic := range []string{"a/1", "a/2"} {
		if err := c.Publish(topic, nil, 1, false); !errors.Is(err, ErrPublishFailed) {
			t.Fatalf("Publish(%s) error = %v, want ErrPublishFailed", topic, err)
		}
	}

	for i := 0; i < 10; i++ {
		if err := c.Publish("a/3", nil, 1, false); !errors.Is(err, ErrTooManyInFlight) {
			t.Fatalf("publish %d over the window: error = %v, want ErrTooManyInFlight", i, err)
		}
	}
	if got := fake.publishCount(); got != 2 {
		t.Errorf("publishes handed to paho = %d, want 2", got)
	}

	// Acknowledging the outstanding tokens frees the window.
	close(gate)
	waitForPublish(t, c, "a/3")
}

func TestPublishConnectionLostIsRetryable(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInFlight = 1
	c, fake := connectedClient(cfg)

	fake.publishGate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- c.Publish("a/b", nil, 1, false)
	}()
	waitForCount(t, fake, 1)

	fake.setConnected(false)
	c.handleDisconnect(errors.New("eof"))

	select {
	case err := <-done:
		if !errors.Is(err, ErrNotConnected) || !IsTransient(err) {
			t.Errorf("Publish() error = %v, want transient ErrNotConnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Publish() still waiting after the connection dropped")
	}

	// The orphaned token never completes; its slot was freed when the
	// session ended.
	fake.mu.Lock()
	fake.publishGate = nil
	fake.mu.Unlock()
	fake.setConnected(true)
	c.handleConnect()
	waitForPublish(t, c, "a/b")
}

func TestPublishTimeoutWhileDisconnectedIsRetryable(t *testing.T) {
	c, fake := connectedClient(testConfig())
	c.ackWait = 50 * time.Millisecond
	fake.publishGate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- c.Publish("a/b", nil, 1, false)
	}()
	waitForCount(t, fake, 1)

	// paho is reconnecting; the connection-lost hook has not fired yet.
	fake.setConnected(false)

	if err := <-done; !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
}

func TestPublishDuringCloseIsDisconnecting(t *testing.T) {
	c, fake := connectedClient(testConfig())
	fake.publishGate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- c.Publish("a/b", nil, 1, false)
	}()
	waitForCount(t, fake, 1)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	err := <-done
	if !errors.Is(err, ErrNotConnected) && !errors.Is(err, ErrDisconnecting) {
		t.Errorf("Publish() error = %v, want ErrDisconnecting or ErrNotConnected", err)
	}
	if !IsTransient(err) {
		t.Errorf("IsTransient(%v) = false", err)
	}
}

func waitForCount(t *testing.T, fake *fakePaho, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for fake.publishCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("publishes reaching paho = %d, want %d", fake.publishCount(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

// waitForPublish retries while the window is still full; slots are
// released asynchronously.
func waitForPublish(t *testing.T, c *Client, topic string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := c.Publish(topic, nil, 1, false)
		if err == nil {
			return
		}
		if !errors.Is(err, ErrTooManyInFlight) || time.Now().After(deadline) {
			t.Fatalf("Publish(%s) error = %v", topic, err)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPublishClassifiesTransportErrors(t *testing.T) {
	c, fake := connectedClient(testConfig())

	fake.publishErr = pahomqtt.ErrNotConnected
	if err := c.Publish("a/b", nil, 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}

	fake.publishErr = errors.New("connection lost before Publish completed")
	if err := c.Publish("a/b", nil, 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected for a dropped in-flight message", err)
	}

	fake.publishErr = errors.New("packet rejected")
	err := c.Publish("a/b", nil, 1, false)
	if !errors.Is(err, ErrPublishFailed) {
		t.Errorf("Publish() error = %v, want ErrPublishFailed", err)
	}
	if IsTransient(err) {
		t.Error("IsTransient() = true for a rejected packet")
	}
}

// =============================================================================
// Subscribe Tests
// =============================================================================

func TestSubscribe(t *testing.T) {
	c, fake := connectedClient(testConfig())

	err := c.Subscribe(Topics{}.Response(), 1, func(string, []byte) error { return nil })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !c.HasSubscription(Topics{}.Response()) {
		t.Error("HasSubscription() = false, want true")
	}
	if _, ok := fake.subscribed[Topics{}.Response()]; !ok {
		t.Error("transport did not receive the subscription")
	}
}

func TestSubscribeValidation(t *testing.T) {
	c, _ := connectedClient(testConfig())
	noop := func(string, []byte) error { return nil }

	if err := c.Subscribe("", 1, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(\"\") error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Subscribe("a", 3, noop); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe(qos 3) error = %v, want ErrInvalidQoS", err)
	}
	if err := c.Subscribe("a", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe(nil) error = %v, want ErrSubscribeFailed", err)
	}
}

func TestSubscribeFailureIsNotTracked(t *testing.T) {
	c, fake := connectedClient(testConfig())
	fake.subscribeErr = errors.New("not authorised")

	err := c.Subscribe("a/b", 1, func(string, []byte) error { return nil })
	if !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe() error = %v, want ErrSubscribeFailed", err)
	}
	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", c.SubscriptionCount())
	}
}

func TestUnsubscribe(t *testing.T) {
	c, fake := connectedClient(testConfig())

	if err := c.Subscribe("a/b", 1, func(string, []byte) error { return nil }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := c.Unsubscribe("a/b"); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
	if c.HasSubscription("a/b") {
		t.Error("HasSubscription() = true after Unsubscribe()")
	}
	if len(fake.unsubscribed) != 1 {
		t.Errorf("transport unsubscribes = %d, want 1", len(fake.unsubscribed))
	}
}

func TestUnsubscribeDisconnectedStillForgets(t *testing.T) {
	c, fake := connectedClient(testConfig())

	if err := c.Subscribe("a/b", 1, func(string, []byte) error { return nil }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	fake.connected = false

	if err := c.Unsubscribe("a/b"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unsubscribe() error = %v, want ErrNotConnected", err)
	}
	if c.HasSubscription("a/b") {
		t.Error("subscription would be restored on reconnect")
	}
}

// =============================================================================
// Connection Lifecycle Tests
// =============================================================================

func TestHandleConnectRestoresSubscriptions(t *testing.T) {
	c, fake := connectedClient(testConfig())
	if err := c.Subscribe("a/b", 1, func(string, []byte) error { return nil }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// Simulate a broker-side session loss followed by reconnect.
	delete(fake.subscribed, "a/b")
	called := make(chan struct{}, 1)
	c.SetOnConnect(func() { called <- struct{}{} })

	c.handleConnect()

	if _, ok := fake.subscribed["a/b"]; !ok {
		t.Error("subscription not restored after reconnect")
	}
	select {
	case <-called:
	default:
		t.Error("OnConnect callback not invoked")
	}
}

func TestHandleDisconnect(t *testing.T) {
	c, _ := connectedClient(testConfig())
	var gotErr error
	c.SetOnDisconnect(func(err error) { gotErr = err })

	c.handleDisconnect(errors.New("eof"))

	if c.IsConnected() {
		t.Error("IsConnected() = true after connection loss")
	}
	if gotErr == nil || gotErr.Error() != "eof" {
		t.Errorf("OnDisconnect error = %v, want eof", gotErr)
	}
}

func TestHandleConnectWhileClosing(t *testing.T) {
	c, _ := connectedClient(testConfig())
	c.setState(stateClosing)

	c.handleConnect()
	if got := c.loadState(); got != stateClosing {
		t.Errorf("state = %d, want closing", got)
	}

	c.handleDisconnect(errors.New("eof"))
	if got := c.loadState(); got != stateClosing {
		t.Errorf("state = %d after connection loss, want closing", got)
	}
}

func TestClose(t *testing.T) {
	c, fake := connectedClient(testConfig())

	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if fake.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", fake.disconnects)
	}
	if err := c.Publish("a/b", nil, 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() after Close error = %v, want ErrNotConnected", err)
	}
}

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}
}

// =============================================================================
// Handler Wrapping Tests
// =============================================================================

func TestWrapHandlerRecoversPanic(t *testing.T) {
	c, _ := connectedClient(testConfig())
	logger := &captureLogger{}
	c.SetLogger(logger)

	h := c.wrapHandler(func(string, []byte) error { panic("boom") })
	h(nil, fakeMessage{topic: "iotdm-1/observe"})

	if !strings.Contains(logger.joined(), "panic recovered") {
		t.Errorf("expected panic log, got %q", logger.joined())
	}
}

func TestWrapHandlerLogsError(t *testing.T) {
	c, _ := connectedClient(testConfig())
	logger := &captureLogger{}
	c.SetLogger(logger)

	var gotPayload string
	h := c.wrapHandler(func(_ string, payload []byte) error {
		gotPayload = string(payload)
		return errors.New("bad payload")
	})
	h(nil, fakeMessage{topic: "iotdm-1/observe", payload: []byte("x")})

	if gotPayload != "x" {
		t.Errorf("payload = %q, want %q", gotPayload, "x")
	}
	if !strings.Contains(logger.joined(), "bad payload") {
		t.Errorf("expected handler error in log, got %q", logger.joined())
	}
}

// =============================================================================
// Topic Tests
// =============================================================================

func TestTopics(t *testing.T) {
	topics := Topics{}
	tests := []struct {
		got, want string
	}{
		{topics.Manage(), "iotdevice-1/mgmt/manage"},
		{topics.Unmanage(), "iotdevice-1/mgmt/unmanage"},
		{topics.UpdateLocation(), "iotdevice-1/device/update/location"},
		{topics.AddErrorCode(), "iotdevice-1/add/diag/errorCodes"},
		{topics.ClearLogs(), "iotdevice-1/clear/diag/log"},
		{topics.Response(), "iotdm-1/response"},
		{topics.FactoryReset(), "iotdm-1/mgmt/initiate/device/factory_reset"},
		{topics.CustomAction("bundle", "act"), "iotdm-1/mgmt/custom/bundle/act"},
		{topics.Event("status", "json"), "iot-2/evt/status/fmt/json"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}
