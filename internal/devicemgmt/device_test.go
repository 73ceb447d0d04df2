package devicemgmt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-agent/internal/correlation"
	"github.com/nerrad567/gray-logic-agent/internal/dispatch"
	"github.com/nerrad567/gray-logic-agent/internal/envelope"
	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-agent/internal/journal"
	"github.com/nerrad567/gray-logic-agent/internal/outbound"
	"github.com/nerrad567/gray-logic-agent/internal/resource"
)

var topics = mqtt.Topics{}

// platform fakes the broker and the management server. Device requests are
// answered on the response topic with the rc configured for their topic
// (200 by default, noAnswer for silence).
type platform struct {
	mu           sync.Mutex
	connected    bool
	handlers     map[string]mqtt.MessageHandler
	unsubscribed []string
	published    []outbound.Message
	rc           map[string]int
	closed       bool
}

const noAnswer = -1

func newPlatform() *platform {
	return &platform{
		connected: true,
		handlers:  make(map[string]mqtt.MessageHandler),
		rc:        make(map[string]int),
	}
}

func (p *platform) Subscribe(topic string, _ byte, h mqtt.MessageHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[topic] = h
	return nil
}

func (p *platform) Unsubscribe(topic string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, topic)
	p.unsubscribed = append(p.unsubscribed, topic)
	return nil
}

func (p *platform) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *platform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.connected = false
	return nil
}

func (p *platform) Publish(topic string, payload []byte, qos byte, retained bool) error {
	p.mu.Lock()
	p.published = append(p.published, outbound.Message{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	rc, set := p.rc[topic]
	respond := p.handlers[topics.Response()]
	p.mu.Unlock()

	if !isDeviceRequest(topic) {
		return nil
	}
	if !set {
		rc = envelope.RCSuccess
	}
	if rc == noAnswer || respond == nil {
		return nil
	}
	req, err := envelope.DecodeRequest(payload)
	if err != nil {
		return err
	}
	return respond(topics.Response(), fmt.Appendf(nil, `{"reqId":%q,"rc":%d}`, req.ReqID, rc))
}

func isDeviceRequest(topic string) bool {
	return strings.HasPrefix(topic, mqtt.TopicPrefixDevice+"/") &&
		topic != topics.Notify() && topic != topics.DeviceResponse()
}

func (p *platform) setRC(topic string, rc int) {
	p.mu.Lock()
	p.rc[topic] = rc
	p.mu.Unlock()
}

// command delivers a platform command to whichever subscription matches.
func (p *platform) command(t *testing.T, topic, payload string) {
	t.Helper()
	p.mu.Lock()
	var h mqtt.MessageHandler
	for filter, fh := range p.handlers {
		if filterMatches(filter, topic) {
			h = fh
			break
		}
	}
	p.mu.Unlock()
	require.NotNil(t, h, "no subscription matches %s", topic)
	require.NoError(t, h(topic, []byte(payload)))
}

func filterMatches(filter, topic string) bool {
	fs, ts := strings.Split(filter, "/"), strings.Split(topic, "/")
	if len(fs) != len(ts) {
		return false
	}
	for i := range fs {
		if fs[i] != "+" && fs[i] != ts[i] {
			return false
		}
	}
	return true
}

func (p *platform) subscriptions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.handlers))
	for f := range p.handlers {
		out = append(out, f)
	}
	return out
}

func (p *platform) messages(topic string) []outbound.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []outbound.Message
	for _, m := range p.published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// response waits for the device's answer to reqID.
func (p *platform) response(t *testing.T, reqID string) *envelope.Response {
	t.Helper()
	var found *envelope.Response
	require.Eventually(t, func() bool {
		for _, m := range p.messages(topics.DeviceResponse()) {
			resp, err := envelope.DecodeResponse(m.Payload)
			if err == nil && resp.ReqID == reqID {
				found = resp
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	return found
}

// requestData returns the "d" object of the last request sent on topic.
func (p *platform) requestData(t *testing.T, topic string) map[string]any {
	t.Helper()
	msgs := p.messages(topic)
	require.NotEmpty(t, msgs, "nothing published on %s", topic)
	var body struct {
		D map[string]any `json:"d"`
	}
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1].Payload, &body))
	return body.D
}

// memJournal refuses writes on a cancelled context, as database/sql does.
type memJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (j *memJournal) Record(ctx context.Context, e *journal.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, *e)
	return nil
}

func (j *memJournal) actions() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.entries))
	for _, e := range j.entries {
		out = append(out, e.Action)
	}
	return out
}

type harness struct {
	md       *ManagedDevice
	platform *platform
	journal  *memJournal
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	p := newPlatform()

	pub := outbound.New(p, outbound.Options{
		QueueSize:           64,
		NotConnectedBackoff: 5 * time.Millisecond,
		InFlightBackoff:     time.Millisecond,
	})
	notifier := resource.NewNotifier(nil)
	notifier.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = notifier.Stop(ctx)
		_ = pub.Stop(ctx)
	})

	data := NewDeviceData(notifier, DeviceInfo{SerialNumber: "SN-0042", Model: "gl-edge"}, map[string]any{"site": "lab"})
	j := &memJournal{}
	if opts.Journal == nil {
		opts.Journal = j
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = time.Second
	}
	return &harness{md: New(p, pub, data, opts), platform: p, journal: j}
}

func (h *harness) begin(t *testing.T, mo ManageOptions) {
	t.Helper()
	ok, err := h.md.BeginSession(context.Background(), mo)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBeginSession(t *testing.T) {
	h := newHarness(t, Options{})

	h.begin(t, ManageOptions{
		Lifetime:      time.Hour,
		DeviceActions: true,
		Bundles:       []string{"example-dme"},
	})

	d := h.platform.requestData(t, topics.Manage())
	assert.Equal(t, float64(3600), d["lifetime"])
	supports, ok := d["supports"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, supports["deviceActions"])
	assert.Equal(t, false, supports["firmwareActions"])
	assert.Equal(t, true, supports["example-dme"])
	info, ok := d["deviceInfo"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "SN-0042", info["serialNumber"])
	assert.Equal(t, map[string]any{"site": "lab"}, d["metadata"])

	assert.ElementsMatch(t, []string{
		topics.Response(),
		topics.DeviceUpdate(),
		topics.Observe(),
		topics.Cancel(),
		topics.Reboot(),
		topics.FactoryReset(),
		topics.FirmwareDownload(),
		topics.FirmwareUpdate(),
		mqtt.TopicPrefixServer + "/mgmt/custom/+/+",
	}, h.platform.subscriptions())

	st := h.md.SessionState()
	assert.True(t, st.Managed)
	assert.True(t, st.ResponseSubscriptionActive)
	require.NotNil(t, st.ManagedSince)
	require.NotNil(t, st.DormantAt)
	assert.Equal(t, time.Hour, st.DormantAt.Sub(*st.ManagedSince))
	assert.Len(t, st.Handlers, 8)
	assert.Equal(t, []string{journal.ActionManage}, h.journal.actions())
}

func TestBeginSessionWithoutLifetimeOmitsIt(t *testing.T) {
	h := newHarness(t, Options{})
	h.begin(t, ManageOptions{})

	_, ok := h.platform.requestData(t, topics.Manage())["lifetime"]
	assert.False(t, ok)
	assert.Nil(t, h.md.SessionState().DormantAt)
}

func TestBeginSessionRejected(t *testing.T) {
	h := newHarness(t, Options{})
	h.platform.setRC(topics.Manage(), envelope.RCBadRequest)

	ok, err := h.md.BeginSession(context.Background(), ManageOptions{})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, h.md.IsManaged())
	assert.Equal(t, []string{topics.Response()}, h.platform.subscriptions())
	assert.Empty(t, h.md.SessionState().Handlers)
}

func TestBeginSessionNotConnected(t *testing.T) {
	h := newHarness(t, Options{})
	_ = h.platform.Close()

	ok, err := h.md.BeginSession(context.Background(), ManageOptions{})
	require.ErrorIs(t, err, mqtt.ErrNotConnected)
	assert.False(t, ok)
	assert.Empty(t, h.platform.messages(topics.Manage()))
}

func TestBeginSessionTimeout(t *testing.T) {
	h := newHarness(t, Options{RequestTimeout: 30 * time.Millisecond})
	h.platform.setRC(topics.Manage(), noAnswer)

	ok, err := h.md.BeginSession(context.Background(), ManageOptions{})
	require.ErrorIs(t, err, correlation.ErrTimeout)
	assert.False(t, ok)
}

func TestDeviceUpdatePartialFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.begin(t, ManageOptions{})

	var mu sync.Mutex
	var events []resource.Event
	h.md.Data().Location.AddListener(func(ev resource.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	h.platform.command(t, topics.DeviceUpdate(), `{"reqId":"u-1","d":{"fields":[
		{"field":"location","value":{"latitude":51.5,"longitude":-0.12}},
		{"field":"bogus","value":1}
	]}}`)

	resp := h.platform.response(t, "u-1")
	assert.Equal(t, envelope.RCNotFound, resp.RC)
	assert.JSONEq(t, `{"fields":["bogus"]}`, string(resp.Data))

	assert.Equal(t, 51.5, h.md.Data().Location.Value().Latitude)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, events, 1, "one notification per updated resource")
	assert.Equal(t, ResourceLocation, events[0].Resource)
}

func TestDeviceUpdateAllApplied(t *testing.T) {
	h := newHarness(t, Options{})
	h.begin(t, ManageOptions{})

	h.platform.command(t, topics.DeviceUpdate(),
		`{"reqId":"u-2","d":{"fields":[{"field":"metadata","value":{"rack":"B4"}}]}}`)

	resp := h.platform.response(t, "u-2")
	assert.Equal(t, envelope.RCChanged, resp.RC)
	assert.Equal(t, "B4", h.md.Data().Metadata.Value()["rack"])
}

func TestDeviceUpdateInvalidValue(t *testing.T) {
	h := newHarness(t, Options{})
	h.begin(t, ManageOptions{})

	h.platform.command(t, topics.DeviceUpdate(),
		`{"reqId":"u-3","d":{"fields":[{"field":"location","value":{"latitude":123,"longitude":0}}]}}`)

	resp := h.platform.response(t, "u-3")
	assert.Equal(t, envelope.RCNotFound, resp.RC)
	assert.Contains(t, resp.Message, "latitude")
	assert.Zero(t, h.md.Data().Location.Value().Latitude)
}

func TestObserveAndCancel(t *testing.T) {
	h := newHarness(t, Options{})
	h.begin(t, ManageOptions{})

	h.platform.command(t, topics.Observe(), `{"reqId":"o-1","d":{"fields":[{"field":"location"}]}}`)
	resp := h.platform.response(t, "o-1")
	require.Equal(t, envelope.RCSuccess, resp.RC)
	assert.Contains(t, string(resp.Data), `"field":"location"`)
	assert.Equal(t, []string{ResourceLocation}, h.md.SessionState().Observed)

	require.NoError(t, h.md.Data().Location.Update(Location{Latitude: 10, Longitude: 20}, true))
	require.Eventually(t, func() bool {
		return len(h.platform.messages(topics.Notify())) == 1
	}, time.Second, 5*time.Millisecond)

	var note struct {
		D struct {
			Field string   `json:"field"`
			Value Location `json:"value"`
		} `json:"d"`
	}
	require.NoError(t, json.Unmarshal(h.platform.messages(topics.Notify())[0].Payload, &note))
	assert.Equal(t, ResourceLocation, note.D.Field)
	assert.Equal(t, 20.0, note.D.Value.Longitude)

	h.platform.command(t, topics.Cancel(), `{"reqId":"c-1","d":{"fields":[{"field":"location"}]}}`)
	assert.Equal(t, envelope.RCSuccess, h.platform.response(t, "c-1").RC)
	assert.Empty(t, h.md.SessionState().Observed)

	require.NoError(t, h.md.Data().Location.Update(Location{Latitude: 11, Longitude: 21}, true))
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, h.platform.messages(topics.Notify()), 1)
}

func TestObserveUnknownField(t *testing.T) {
	h := newHarness(t, Options{})
	h.begin(t, ManageOptions{})

	h.platform.command(t, topics.Observe(), `{"reqId":"o-2","d":{"fields":[{"field":"nope"}]}}`)
	resp := h.platform.response(t, "o-2")
	assert.Equal(t, envelope.RCNotFound, resp.RC)
	assert.JSONEq(t, `{"fields":["nope"]}`, string(resp.Data))
}

type actionRecorder struct {
	mu    sync.Mutex
	kinds []ActionKind
}

func (a *actionRecorder) HandleReboot(_ context.Context, action *DeviceAction) {
	a.mu.Lock()
	a.kinds = append(a.kinds, action.Kind)
	a.mu.Unlock()
	_ = action.Complete(ActionAccepted, "")
}

func (a *actionRecorder) HandleFactoryReset(_ context.Context, action *DeviceAction) {
	a.mu.Lock()
	a.kinds = append(a.kinds, action.Kind)
	a.mu.Unlock()
	_ = action.Complete(ActionFailed, "reset locked")
}

func TestDeviceActionsNotSupported(t *testing.T) {
	h := newHarness(t, Options{})
	h.begin(t, ManageOptions{DeviceActions: false})
	require.NoError(t, h.md.SetDeviceActionHandler(&actionRecorder{}))

	h.platform.command(t, topics.Reboot(), `{"reqId":"r-1"}`)
	assert.Equal(t, envelope.RCNotImplemented, h.platform.response(t, "r-1").RC)
}

func TestDeviceActionsWithoutHandler(t *testing.T) {
	h := newHarness(t, Options{})
	h.begin(t, ManageOptions{DeviceActions: true})

	h.platform.command(t, topics.FactoryReset(), `{"reqId":"f-0"}`)
	assert.Equal(t, envelope.RCNotImplemented, h.platform.response(t, "f-0").RC)
}

func TestDeviceActionsRunHandler(t *testing.T) {
	h := newHarness(t, Options{})
	h.begin(t, ManageOptions{DeviceActions: true})
	rec := &actionRecorder{}
	require.NoError(t, h.md.SetDeviceActionHandler(rec))

	h.platform.command(t, topics.Reboot(), `{"reqId":"r-2"}`)
	h.platform.command(t, topics.FactoryReset(), `{"reqId":"f-1"}`)

	assert.Equal(t, envelope.RCAccepted, h.platform.response(t, "r-2").RC)
	resp := h.platform.response(t, "f-1")
	assert.Equal(t, envelope.RCInternalError, resp.RC)
	assert.Equal(t, "reset locked", resp.Message)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.md.WaitForTasks(ctx))
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.ElementsMatch(t, []ActionKind{ActionReboot, ActionFactoryReset}, rec.kinds)
}

type firmwareRecorder struct {
	downloads chan struct{}
	updates   chan struct{}
}

func newFirmwareRecorder() *firmwareRecorder {
	return &firmwareRecorder{downloads: make(chan struct{}, 4), updates: make(chan struct{}, 4)}
}

func (f *firmwareRecorder) DownloadFirmware(_ context.Context, fw *resource.Resource[Firmware]) {
	_ = fw.Mutate(func(v *Firmware) { v.State = FirmwareDownloaded }, true)
	f.downloads <- struct{}{}
}

func (f *firmwareRecorder) UpdateFirmware(_ context.Context, fw *resource.Resource[Firmware]) {
	_ = fw.Mutate(func(v *Firmware) {
		v.State = FirmwareIdle
		v.UpdateStatus = UpdateSuccess
	}, true)
	f.updates <- struct{}{}
}

func TestFirmwareActionsNotSupported(t *testing.T) {
	h := newHarness(t, Options{})
	h.begin(t, ManageOptions{})
	require.NoError(t, h.md.SetFirmwareHandler(newFirmwareRecorder()))

	h.platform.command(t, topics.FirmwareDownload(), `{"reqId":"d-0"}`)
	assert.Equal(t, envelope.RCNotImplemented, h.platform.response(t, "d-0").RC)
}

func TestFirmwareDownloadAndUpdate(t *testing.T) {
	h := newHarness(t, Options{})
	h.begin(t, ManageOptions{FirmwareActions: true})
	fw := newFirmwareRecorder()
	require.NoError(t, h.md.SetFirmwareHandler(fw))

	// No uri yet.
	h.platform.command(t, topics.FirmwareDownload(), `{"reqId":"d-1"}`)
	assert.Equal(t, envelope.RCBadRequest, h.platform.response(t, "d-1").RC)

	// Nothing downloaded yet.
	h.platform.command(t, topics.FirmwareUpdate(), `{"reqId":"up-1"}`)
	assert.Equal(t, envelope.RCBadRequest, h.platform.response(t, "up-1").RC)

	h.platform.command(t, topics.DeviceUpdate(),
		`{"reqId":"u-1","d":{"fields":[{"field":"mgmt.firmware","value":{"version":"2.1.0","uri":"https://fw.example/2.1.0.bin"}}]}}`)
	require.Equal(t, envelope.RCChanged, h.platform.response(t, "u-1").RC)

	h.platform.command(t, topics.FirmwareDownload(), `{"reqId":"d-2"}`)
	assert.Equal(t, envelope.RCAccepted, h.platform.response(t, "d-2").RC)
	select {
	case <-fw.downloads:
	case <-time.After(time.Second):
		t.Fatal("download handler not called")
	}
	assert.Equal(t, FirmwareDownloaded, h.md.Data().Firmware.Value().State)

	// Downloaded, so another download is refused.
	h.platform.command(t, topics.FirmwareDownload(), `{"reqId":"d-3"}`)
	assert.Equal(t, envelope.RCBadRequest, h.platform.response(t, "d-3").RC)

	h.platform.command(t, topics.FirmwareUpdate(), `{"reqId":"up-2"}`)
	assert.Equal(t, envelope.RCAccepted, h.platform.response(t, "up-2").RC)
	select {
	case <-fw.updates:
	case <-time.After(time.Second):
		t.Fatal("update handler not called")
	}
	assert.Equal(t, FirmwareIdle, h.md.Data().Firmware.Value().State)
}

// blockingFirmware parks downloads and updates until release is closed.
type blockingFirmware struct {
	started chan string
	release chan struct{}
}

func (f *blockingFirmware) DownloadFirmware(_ context.Context, fw *resource.Resource[Firmware]) {
	f.started <- "download"
	<-f.release
	_ = fw.Mutate(func(v *Firmware) { v.State = FirmwareDownloaded }, true)
}

func (f *blockingFirmware) UpdateFirmware(_ context.Context, fw *resource.Resource[Firmware]) {
	f.started <- "update"
	<-f.release
	_ = fw.Mutate(func(v *Firmware) {
		v.State = FirmwareIdle
		v.UpdateStatus = UpdateSuccess
	}, true)
}

func TestFirmwareRequestsBackToBack(t *testing.T) {
	h := newHarness(t, Options{WorkerLimit: 4})
	h.begin(t, ManageOptions{FirmwareActions: true})
	fw := &blockingFirmware{started: make(chan string, 4), release: make(chan struct{})}
	require.NoError(t, h.md.SetFirmwareHandler(fw))
	require.NoError(t, h.md.Data().Firmware.Update(Firmware{URL: "https://fw.example/2.1.0.bin"}, false))

	h.platform.command(t, topics.FirmwareDownload(), `{"reqId":"d-1"}`)
	h.platform.command(t, topics.FirmwareDownload(), `{"reqId":"d-2"}`)
	assert.Equal(t, envelope.RCAccepted, h.platform.response(t, "d-1").RC)
	assert.Equal(t, envelope.RCBadRequest, h.platform.response(t, "d-2").RC)
	assert.Equal(t, FirmwareDownloading, h.md.Data().Firmware.Value().State)

	close(fw.release)
	require.Eventually(t, func() bool {
		return h.md.Data().Firmware.Value().State == FirmwareDownloaded
	}, time.Second, 5*time.Millisecond)

	fw.release = make(chan struct{})
	h.platform.command(t, topics.FirmwareUpdate(), `{"reqId":"up-1"}`)
	h.platform.command(t, topics.FirmwareUpdate(), `{"reqId":"up-2"}`)
	assert.Equal(t, envelope.RCAccepted, h.platform.response(t, "up-1").RC)
	assert.Equal(t, envelope.RCBadRequest, h.platform.response(t, "up-2").RC)
	assert.Equal(t, UpdateInProgress, h.md.Data().Firmware.Value().UpdateStatus)
	close(fw.release)

	for _, want := range []string{"download", "update"} {
		select {
		case got := <-fw.started:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("%s handler not called", want)
		}
	}
	assert.Empty(t, fw.started, "refused requests never reached the handler")
}

type customRecorder struct {
	actions chan *CustomAction
}

func (c *customRecorder) HandleCustomAction(_ context.Context, a *CustomAction) {
	_ = a.Complete(envelope.RCSuccess, "")
	c.actions <- a
}

func TestCustomAction(t *testing.T) {
	h := newHarness(t, Options{})
	h.begin(t, ManageOptions{Bundles: []string{"example-dme"}})

	topic := topics.CustomAction("example-dme", "flash")
	h.platform.command(t, topic, `{"reqId":"x-1","d":{"rate":2}}`)
	assert.Equal(t, envelope.RCNotImplemented, h.platform.response(t, "x-1").RC)

	rec := &customRecorder{actions: make(chan *CustomAction, 1)}
	require.NoError(t, h.md.SetCustomActionHandler(rec))
	h.platform.command(t, topic, `{"reqId":"x-2","d":{"rate":2}}`)
	assert.Equal(t, envelope.RCSuccess, h.platform.response(t, "x-2").RC)

	select {
	case a := <-rec.actions:
		assert.Equal(t, "example-dme", a.BundleID)
		assert.Equal(t, "flash", a.ActionID)
		assert.Equal(t, "x-2", a.ReqID())
		assert.JSONEq(t, `{"rate":2}`, string(a.Payload))
	case <-time.After(time.Second):
		t.Fatal("custom action handler not called")
	}
}

func TestRegisterHandlerDuringSession(t *testing.T) {
	h := newHarness(t, Options{})
	h.begin(t, ManageOptions{})

	err := h.md.RegisterHandler(mqtt.TopicPrefixServer+"/app/{name}", dispatch.HandlerFunc(
		func(_ context.Context, cmd *dispatch.Command) error {
			return cmd.Respond(envelope.RCSuccess, cmd.Params.Get("name"), nil)
		}))
	require.NoError(t, err)
	assert.Contains(t, h.platform.subscriptions(), mqtt.TopicPrefixServer+"/app/+")

	h.platform.command(t, mqtt.TopicPrefixServer+"/app/blink", `{"reqId":"a-1"}`)
	resp := h.platform.response(t, "a-1")
	assert.Equal(t, envelope.RCSuccess, resp.RC)
	assert.Equal(t, "blink", resp.Message)

	require.Eventually(t, func() bool {
		for _, a := range h.journal.actions() {
			if a == journal.ActionCommand {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestEndSessionTearsDown(t *testing.T) {
	h := newHarness(t, Options{})
	h.begin(t, ManageOptions{FirmwareActions: true})
	require.NoError(t, h.md.SetFirmwareHandler(newFirmwareRecorder()))
	h.platform.command(t, topics.Observe(), `{"reqId":"o-1","d":{"fields":[{"field":"metadata"}]}}`)
	h.platform.response(t, "o-1")

	ok, err := h.md.EndSession(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, h.platform.messages(topics.Unmanage()))

	st := h.md.SessionState()
	assert.False(t, st.Managed)
	assert.False(t, st.ResponseSubscriptionActive)
	assert.Empty(t, st.Handlers)
	assert.Empty(t, st.Observed)
	assert.Empty(t, h.platform.subscriptions())
	assert.Contains(t, h.platform.unsubscribed, topics.Response())

	// Handlers were cleared with the session.
	require.NoError(t, h.md.SetFirmwareHandler(newFirmwareRecorder()))
	assert.Equal(t, []string{journal.ActionManage, journal.ActionCommand, journal.ActionUnmanage}, h.journal.actions())
}

func TestEndSessionJournalsAfterShutdownCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, Options{Context: ctx})
	h.begin(t, ManageOptions{})

	// The agent's signal context is already gone when shutdown unmanages.
	cancel()

	ok, err := h.md.EndSession(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{journal.ActionManage, journal.ActionUnmanage}, h.journal.actions())
}

func TestEndSessionNotManaged(t *testing.T) {
	h := newHarness(t, Options{})

	ok, err := h.md.EndSession(context.Background())
	require.ErrorIs(t, err, ErrNotManaged)
	assert.False(t, ok)
	assert.Empty(t, h.platform.messages(topics.Unmanage()))
	assert.Empty(t, h.journal.actions())

	h.begin(t, ManageOptions{})
	_, err = h.md.EndSession(context.Background())
	require.NoError(t, err)

	_, err = h.md.EndSession(context.Background())
	require.ErrorIs(t, err, ErrNotManaged)
	assert.Len(t, h.platform.messages(topics.Unmanage()), 1)
}

func TestEndSessionRejectedStillTearsDown(t *testing.T) {
	h := newHarness(t, Options{})
	h.begin(t, ManageOptions{})
	h.platform.setRC(topics.Unmanage(), envelope.RCInternalError)

	ok, err := h.md.EndSession(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, h.md.IsManaged())
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t, Options{})
	h.begin(t, ManageOptions{})

	require.NoError(t, h.md.Disconnect(context.Background()))
	assert.False(t, h.md.IsManaged())
	h.platform.mu.Lock()
	defer h.platform.mu.Unlock()
	assert.True(t, h.platform.closed)
}

func TestHandlerSetters(t *testing.T) {
	h := newHarness(t, Options{})

	require.ErrorIs(t, h.md.SetFirmwareHandler(nil), ErrNilHandler)
	require.ErrorIs(t, h.md.SetDeviceActionHandler(nil), ErrNilHandler)
	require.ErrorIs(t, h.md.SetCustomActionHandler(nil), ErrNilHandler)

	require.NoError(t, h.md.SetFirmwareHandler(newFirmwareRecorder()))
	require.ErrorIs(t, h.md.SetFirmwareHandler(newFirmwareRecorder()), ErrHandlerAlreadySet)
	require.NoError(t, h.md.SetDeviceActionHandler(&actionRecorder{}))
	require.ErrorIs(t, h.md.SetDeviceActionHandler(&actionRecorder{}), ErrHandlerAlreadySet)
	require.NoError(t, h.md.SetCustomActionHandler(&customRecorder{}))
	require.ErrorIs(t, h.md.SetCustomActionHandler(&customRecorder{}), ErrHandlerAlreadySet)
}

func TestDiagnostics(t *testing.T) {
	h := newHarness(t, Options{RequestTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	rc, err := h.md.AddErrorCode(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, envelope.RCSuccess, rc)
	assert.Equal(t, float64(12), h.platform.requestData(t, topics.AddErrorCode())["errorCode"])

	h.platform.setRC(topics.ClearErrorCodes(), envelope.RCBadRequest)
	rc, err = h.md.ClearErrorCodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, envelope.RCBadRequest, rc)

	rc, err = h.md.AddLog(ctx, LogEntry{
		Message:   "fan stalled",
		Severity:  SeverityWarning,
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Data:      "rpm=0",
	})
	require.NoError(t, err)
	assert.Equal(t, envelope.RCSuccess, rc)
	d := h.platform.requestData(t, topics.AddLog())
	assert.Equal(t, "fan stalled", d["message"])
	assert.Equal(t, float64(1), d["severity"])
	assert.Equal(t, "2026-03-01T09:00:00Z", d["timestamp"])
	assert.Equal(t, "cnBtPTA=", d["data"])

	_, err = h.md.AddLog(ctx, LogEntry{Message: "x", Severity: 7})
	require.ErrorIs(t, err, ErrInvalidSeverity)

	h.platform.setRC(topics.ClearLogs(), noAnswer)
	rc, err = h.md.ClearLogs(ctx)
	require.ErrorIs(t, err, correlation.ErrTimeout)
	assert.Zero(t, rc)
}

func TestUpdateLocation(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	elev := 35.0
	rc, err := h.md.UpdateLocation(ctx, Location{Latitude: 51.5, Longitude: -0.12, Elevation: &elev})
	require.NoError(t, err)
	assert.Equal(t, envelope.RCSuccess, rc)

	loc := h.md.Data().Location.Value()
	assert.Equal(t, 51.5, loc.Latitude)
	assert.NotEmpty(t, loc.MeasuredDateTime)
	assert.Equal(t, loc.MeasuredDateTime, h.platform.requestData(t, topics.UpdateLocation())["measuredDateTime"])

	h.platform.setRC(topics.UpdateLocation(), envelope.RCBadRequest)
	rc, err = h.md.UpdateLocation(ctx, Location{Latitude: 1, Longitude: 1})
	require.NoError(t, err)
	assert.Equal(t, envelope.RCBadRequest, rc)
	assert.Equal(t, 51.5, h.md.Data().Location.Value().Latitude, "rejected update is not applied")

	sent := len(h.platform.messages(topics.UpdateLocation()))
	_, err = h.md.UpdateLocation(ctx, Location{Latitude: 95})
	require.Error(t, err)
	assert.Len(t, h.platform.messages(topics.UpdateLocation()), sent)
}
