package devicemgmt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-agent/internal/correlation"
	"github.com/nerrad567/gray-logic-agent/internal/dispatch"
	"github.com/nerrad567/gray-logic-agent/internal/envelope"
	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-agent/internal/journal"
	"github.com/nerrad567/gray-logic-agent/internal/outbound"
)

// DefaultRequestTimeout is how long device requests wait for the platform.
const DefaultRequestTimeout = 2 * time.Minute

// commandQoS is used for command subscriptions and notifications.
const commandQoS = 1

// journalTimeout bounds one journal write.
const journalTimeout = 5 * time.Second

// Transport is the subscribe side of the MQTT client plus its lifecycle.
type Transport interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
	Close() error
}

// Publisher is the enqueue side of the outbound publisher.
type Publisher interface {
	Enqueue(msg outbound.Message) (*outbound.Delivery, error)
}

// Journal records management activity.
type Journal interface {
	Record(ctx context.Context, e *journal.Entry) error
}

// Logger is the logging surface the managed device needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a ManagedDevice.
type Options struct {
	RequestTimeout time.Duration
	WorkerLimit    int
	DeferGrace     time.Duration

	// Context is handed to command handlers and pool tasks. Defaults to
	// context.Background.
	Context context.Context

	Logger          Logger
	Journal         Journal
	RequestRecorder correlation.Recorder
}

// ManageOptions is the content of a manage request.
type ManageOptions struct {
	// Lifetime after which the platform marks the device dormant unless
	// manage is sent again. Zero means never.
	Lifetime        time.Duration
	DeviceActions   bool
	FirmwareActions bool
	Bundles         []string
}

// SessionState is a snapshot of the management session.
type SessionState struct {
	Managed                    bool       `json:"managed"`
	ResponseSubscriptionActive bool       `json:"responseSubscriptionActive"`
	ManagedSince               *time.Time `json:"managedSince,omitempty"`
	DormantAt                  *time.Time `json:"dormantAt,omitempty"`
	DeviceActions              bool       `json:"deviceActions"`
	FirmwareActions            bool       `json:"firmwareActions"`
	Bundles                    []string   `json:"bundles,omitempty"`
	Handlers                   []string   `json:"handlers"`
	Observed                   []string   `json:"observed"`
	PendingRequests            int        `json:"pendingRequests"`
}

// ManagedDevice runs the device side of the management protocol: the
// manage/unmanage handshake, device requests, and the platform's commands.
type ManagedDevice struct {
	transport Transport
	publisher Publisher
	data      *DeviceData
	opts      Options
	logger    Logger
	topics    mqtt.Topics

	correlator *correlation.Correlator
	router     *dispatch.Router
	responder  *dispatch.Responder
	dispatcher *dispatch.Dispatcher
	pool       *dispatch.Pool

	mu            sync.Mutex
	managed       bool
	manage        ManageOptions
	managedSince  time.Time
	dormantAt     time.Time
	subscribed    map[string]bool
	observed      map[string]func()
	fwHandler     FirmwareHandler
	actionHandler DeviceActionHandler
	customHandler CustomActionHandler
}

// New wires a ManagedDevice over transport and publisher.
func New(transport Transport, publisher Publisher, data *DeviceData, opts Options) *ManagedDevice {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	md := &ManagedDevice{
		transport:  transport,
		publisher:  publisher,
		data:       data,
		opts:       opts,
		logger:     logger,
		router:     dispatch.NewRouter(),
		responder:  dispatch.NewResponder(publisher),
		pool:       dispatch.NewPool(opts.WorkerLimit, logger),
		subscribed: make(map[string]bool),
		observed:   make(map[string]func()),
	}

	md.correlator = correlation.New(publisher, transport, correlation.Options{
		ResponseHandler: md.handleInbound,
		DeferGrace:      opts.DeferGrace,
		Logger:          logger,
		Recorder:        opts.RequestRecorder,
	})
	md.dispatcher = dispatch.NewDispatcher(md.router, md.correlator, md.responder, dispatch.Options{
		Context: opts.Context,
		Logger:  logger,
	})
	md.responder.OnRespond(md.recordResponse)

	return md
}

// handleInbound is the single transport handler for responses and commands.
func (md *ManagedDevice) handleInbound(topic string, payload []byte) error {
	return md.dispatcher.HandleMessage(topic, payload)
}

// Data returns the device model.
func (md *ManagedDevice) Data() *DeviceData { return md.data }

// BeginSession sends the manage request and, on rc 200, installs the
// command handlers and subscribes their topics.
//
// Parameters:
//   - ctx: Bounds the wait for the manage response
//   - mo: Lifetime and the capabilities announced to the platform
//
// Returns:
//   - bool: true when the platform answered rc 200
//   - error: mqtt.ErrNotConnected, a correlation error, or a subscribe
//     failure (the session is torn down again)
//
// Calling it again during a session re-sends manage; the platform treats
// that as a lifetime renewal.
//
// Example:
//
//	ok, err := device.BeginSession(ctx, devicemgmt.ManageOptions{
//		Lifetime:        time.Hour,
//		FirmwareActions: true,
//	})
func (md *ManagedDevice) BeginSession(ctx context.Context, mo ManageOptions) (bool, error) {
	if !md.transport.IsConnected() {
		return false, mqtt.ErrNotConnected
	}

	body, err := envelope.NewRequestBody(md.manageData(mo))
	if err != nil {
		return false, err
	}

	topic := md.topics.Manage()
	resp, err := md.correlator.SendAndWait(ctx, topic, body, md.opts.RequestTimeout)
	md.recordRequest(journal.ActionManage, topic, resp, err)
	if err != nil {
		md.logger.Warn("manage request failed", "error", err)
		return false, err
	}
	if resp.RC != envelope.RCSuccess {
		md.logger.Warn("manage request rejected", "rc", resp.RC, "message", resp.Message)
		return false, nil
	}

	// Install handlers, then mark managed, then subscribe
	md.registerBuiltins()

	now := time.Now().UTC()
	md.mu.Lock()
	md.managed = true
	md.manage = mo
	md.managedSince = now
	md.dormantAt = time.Time{}
	if mo.Lifetime > 0 {
		md.dormantAt = now.Add(mo.Lifetime)
	}
	md.mu.Unlock()

	if err := md.subscribeCommands(); err != nil {
		md.teardown()
		return false, err
	}

	md.logger.Info("device managed",
		"device_actions", mo.DeviceActions,
		"firmware_actions", mo.FirmwareActions,
		"bundles", mo.Bundles,
		"lifetime", mo.Lifetime,
	)
	return true, nil
}

func (md *ManagedDevice) manageData(mo ManageOptions) map[string]any {
	supports := map[string]any{
		"deviceActions":   mo.DeviceActions,
		"firmwareActions": mo.FirmwareActions,
	}
	for _, bundle := range mo.Bundles {
		supports[bundle] = true
	}

	d := map[string]any{
		"supports":   supports,
		"deviceInfo": md.data.Info.Value(),
		"metadata":   md.data.Metadata.Value(),
	}
	if mo.Lifetime > 0 {
		d["lifetime"] = int64(mo.Lifetime / time.Second)
	}
	return d
}

// EndSession sends the unmanage request and tears the session down whatever
// the answer: handlers are cleared, command and response subscriptions are
// released, observations are dropped. It reports whether the platform
// answered rc 200. Work already handed to the pool keeps running.
//
// Without an active session nothing is sent and ErrNotManaged is returned.
func (md *ManagedDevice) EndSession(ctx context.Context) (bool, error) {
	if !md.IsManaged() {
		return false, ErrNotManaged
	}

	topic := md.topics.Unmanage()
	resp, err := md.correlator.SendAndWait(ctx, topic, nil, md.opts.RequestTimeout)
	md.recordRequest(journal.ActionUnmanage, topic, resp, err)

	md.teardown()

	if err != nil {
		md.logger.Warn("unmanage request failed", "error", err)
		return false, err
	}
	if resp.RC != envelope.RCSuccess {
		md.logger.Warn("unmanage request rejected", "rc", resp.RC, "message", resp.Message)
		return false, nil
	}
	md.logger.Info("device unmanaged")
	return true, nil
}

func (md *ManagedDevice) teardown() {
	md.router.Clear()

	md.mu.Lock()
	filters := make([]string, 0, len(md.subscribed))
	for f := range md.subscribed {
		filters = append(filters, f)
	}
	md.subscribed = make(map[string]bool)
	for _, remove := range md.observed {
		remove()
	}
	md.observed = make(map[string]func())
	md.fwHandler = nil
	md.actionHandler = nil
	md.customHandler = nil
	md.managed = false
	md.mu.Unlock()

	for _, f := range filters {
		if err := md.transport.Unsubscribe(f); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
			md.logger.Warn("unsubscribing command topic", "topic", f, "error", err)
		}
	}
	if err := md.correlator.Close(); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
		md.logger.Warn("releasing response subscription", "error", err)
	}
}

// Disconnect ends the session if one is active, then closes the transport.
func (md *ManagedDevice) Disconnect(ctx context.Context) error {
	if md.IsManaged() {
		if _, err := md.EndSession(ctx); err != nil {
			md.logger.Warn("ending session during disconnect", "error", err)
		}
	}
	if err := md.transport.Close(); err != nil {
		return fmt.Errorf("closing transport: %w", err)
	}
	return nil
}

// IsManaged reports whether a session is active.
func (md *ManagedDevice) IsManaged() bool {
	md.mu.Lock()
	defer md.mu.Unlock()
	return md.managed
}

// SessionState returns a snapshot of the session.
func (md *ManagedDevice) SessionState() SessionState {
	md.mu.Lock()
	st := SessionState{
		Managed:         md.managed,
		DeviceActions:   md.manage.DeviceActions,
		FirmwareActions: md.manage.FirmwareActions,
		Bundles:         append([]string(nil), md.manage.Bundles...),
		Observed:        make([]string, 0, len(md.observed)),
	}
	if md.managed {
		since := md.managedSince
		st.ManagedSince = &since
		if !md.dormantAt.IsZero() {
			dormant := md.dormantAt
			st.DormantAt = &dormant
		}
	}
	for name := range md.observed {
		st.Observed = append(st.Observed, name)
	}
	md.mu.Unlock()

	sort.Strings(st.Observed)
	st.ResponseSubscriptionActive = md.correlator.Subscribed()
	st.PendingRequests = md.correlator.Pending()
	st.Handlers = make([]string, 0, md.router.Len())
	for _, t := range md.router.Templates() {
		st.Handlers = append(st.Handlers, t.String())
	}
	return st
}

// RegisterHandler adds a command handler for a topic template. During an
// active session its topic is subscribed immediately; otherwise at the next
// BeginSession. Handlers are cleared when the session ends.
func (md *ManagedDevice) RegisterHandler(template string, h dispatch.Handler) error {
	tmpl, err := md.router.Register(template, h)
	if err != nil {
		return err
	}
	if md.IsManaged() {
		if err := md.subscribeFilter(tmpl.Filter()); err != nil {
			md.router.Unregister(template)
			return err
		}
	}
	return nil
}

func (md *ManagedDevice) subscribeCommands() error {
	for _, t := range md.router.Templates() {
		if err := md.subscribeFilter(t.Filter()); err != nil {
			return err
		}
	}
	return nil
}

func (md *ManagedDevice) subscribeFilter(filter string) error {
	md.mu.Lock()
	done := md.subscribed[filter]
	md.mu.Unlock()
	if done {
		return nil
	}

	if err := md.transport.Subscribe(filter, commandQoS, md.handleInbound); err != nil {
		return fmt.Errorf("subscribing %s: %w", filter, err)
	}

	md.mu.Lock()
	md.subscribed[filter] = true
	md.mu.Unlock()
	return nil
}

// PublishEvent queues an application message behind everything already
// queued.
func (md *ManagedDevice) PublishEvent(topic string, payload []byte, qos byte) (*outbound.Delivery, error) {
	return md.publisher.Enqueue(outbound.Message{Topic: topic, Payload: payload, QoS: qos})
}

// SetFirmwareHandler installs the firmware handler for this session.
func (md *ManagedDevice) SetFirmwareHandler(h FirmwareHandler) error {
	if h == nil {
		return ErrNilHandler
	}
	md.mu.Lock()
	defer md.mu.Unlock()
	if md.fwHandler != nil {
		return fmt.Errorf("%w: firmware", ErrHandlerAlreadySet)
	}
	md.fwHandler = h
	return nil
}

// SetDeviceActionHandler installs the reboot/factory reset handler.
func (md *ManagedDevice) SetDeviceActionHandler(h DeviceActionHandler) error {
	if h == nil {
		return ErrNilHandler
	}
	md.mu.Lock()
	defer md.mu.Unlock()
	if md.actionHandler != nil {
		return fmt.Errorf("%w: device action", ErrHandlerAlreadySet)
	}
	md.actionHandler = h
	return nil
}

// SetCustomActionHandler installs the custom action handler.
func (md *ManagedDevice) SetCustomActionHandler(h CustomActionHandler) error {
	if h == nil {
		return ErrNilHandler
	}
	md.mu.Lock()
	defer md.mu.Unlock()
	if md.customHandler != nil {
		return fmt.Errorf("%w: custom action", ErrHandlerAlreadySet)
	}
	md.customHandler = h
	return nil
}

// WaitForTasks blocks until handler work on the pool has finished or ctx
// ends.
func (md *ManagedDevice) WaitForTasks(ctx context.Context) error {
	return md.pool.Wait(ctx)
}

func (md *ManagedDevice) recordRequest(action, topic string, resp *envelope.Response, err error) {
	if md.opts.Journal == nil {
		return
	}
	e := &journal.Entry{Action: action, Topic: topic, Source: journal.SourceDevice}
	if resp != nil {
		e.ReqID = resp.ReqID
		e.RC = resp.RC
		if resp.Message != "" {
			e.Details = map[string]any{"message": resp.Message}
		}
	}
	if err != nil {
		e.Details = map[string]any{"error": err.Error()}
	}
	md.record(e)
}

func (md *ManagedDevice) recordResponse(reqID string, rc int) {
	if md.opts.Journal == nil {
		return
	}
	md.record(&journal.Entry{
		Action: journal.ActionCommand,
		Topic:  md.topics.DeviceResponse(),
		ReqID:  reqID,
		RC:     rc,
		Source: journal.SourcePlatform,
	})
}

// record journals e. Entries written during shutdown must survive a
// cancelled Options.Context, so the write gets its own deadline.
func (md *ManagedDevice) record(e *journal.Entry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(md.opts.Context), journalTimeout)
	defer cancel()

	if err := md.opts.Journal.Record(ctx, e); err != nil {
		md.logger.Warn("journal write failed", "action", e.Action, "error", err)
	}
}
