package devicemgmt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-agent/internal/dispatch"
	"github.com/nerrad567/gray-logic-agent/internal/envelope"
	"github.com/nerrad567/gray-logic-agent/internal/outbound"
	"github.com/nerrad567/gray-logic-agent/internal/resource"
)

// registerBuiltins installs the handlers for the platform's standard
// commands. A template the application registered itself keeps its handler.
func (md *ManagedDevice) registerBuiltins() {
	builtins := []struct {
		template string
		handler  dispatch.HandlerFunc
	}{
		{md.topics.DeviceUpdate(), md.handleDeviceUpdate},
		{md.topics.Observe(), md.handleObserve},
		{md.topics.Cancel(), md.handleCancel},
		{md.topics.Reboot(), md.deviceActionHandler(ActionReboot)},
		{md.topics.FactoryReset(), md.deviceActionHandler(ActionFactoryReset)},
		{md.topics.FirmwareDownload(), md.handleFirmwareDownload},
		{md.topics.FirmwareUpdate(), md.handleFirmwareUpdate},
		{md.topics.CustomActionTemplate(), md.handleCustomAction},
	}

	for _, b := range builtins {
		if _, err := md.router.Register(b.template, b.handler); err != nil && !errors.Is(err, dispatch.ErrHandlerExists) {
			md.logger.Error("registering command handler", "template", b.template, "error", err)
		}
	}
}

type fieldUpdate struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

type fieldsRequest struct {
	Fields []fieldUpdate `json:"fields"`
}

func decodeFields(data json.RawMessage) (fieldsRequest, error) {
	var req fieldsRequest
	if len(data) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("decoding fields: %w", err)
	}
	return req, nil
}

// handleDeviceUpdate applies the requested field values without firing, answers
// 204 (or 404 listing the fields that failed), then notifies each updated
// resource once.
func (md *ManagedDevice) handleDeviceUpdate(_ context.Context, cmd *dispatch.Command) error {
	req, err := decodeFields(cmd.Data)
	if err != nil {
		return cmd.Respond(envelope.RCBadRequest, err.Error(), nil)
	}

	var failed []string
	var updated []resource.Node
	message := ""
	for _, f := range req.Fields {
		if f.Field == "" {
			continue
		}
		node, err := md.data.Resource(f.Field)
		if err != nil {
			failed = append(failed, f.Field)
			continue
		}
		if err := node.UpdateJSON(f.Value, false); err != nil {
			md.logger.Warn("device update field failed", "field", f.Field, "error", err)
			failed = append(failed, f.Field)
			message = err.Error()
			continue
		}
		updated = append(updated, node)
	}

	rc := envelope.RCChanged
	var data any
	if len(failed) > 0 {
		rc = envelope.RCNotFound
		data = map[string]any{"fields": failed}
	}
	respErr := cmd.Respond(rc, message, data)

	// Listeners run on the notifier goroutine, after the response is queued.
	for _, n := range updated {
		n.NotifyExternalListeners()
	}
	return respErr
}

type fieldValue struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// handleObserve starts publishing changes of the named resources on the
// notify topic and answers with their current values.
func (md *ManagedDevice) handleObserve(_ context.Context, cmd *dispatch.Command) error {
	req, err := decodeFields(cmd.Data)
	if err != nil {
		return cmd.Respond(envelope.RCBadRequest, err.Error(), nil)
	}

	var failed []string
	values := make([]fieldValue, 0, len(req.Fields))
	for _, f := range req.Fields {
		node, err := md.data.Resource(f.Field)
		if err != nil {
			failed = append(failed, f.Field)
			continue
		}
		md.observe(node)
		values = append(values, fieldValue{Field: f.Field, Value: node.Snapshot()})
	}

	if len(failed) > 0 {
		return cmd.Respond(envelope.RCNotFound, "", map[string]any{"fields": failed})
	}
	return cmd.Respond(envelope.RCSuccess, "", map[string]any{"fields": values})
}

// handleCancel stops observing the named resources.
func (md *ManagedDevice) handleCancel(_ context.Context, cmd *dispatch.Command) error {
	req, err := decodeFields(cmd.Data)
	if err != nil {
		return cmd.Respond(envelope.RCBadRequest, err.Error(), nil)
	}

	md.mu.Lock()
	for _, f := range req.Fields {
		if remove, ok := md.observed[f.Field]; ok {
			remove()
			delete(md.observed, f.Field)
		}
	}
	md.mu.Unlock()

	return cmd.Respond(envelope.RCSuccess, "", nil)
}

func (md *ManagedDevice) observe(node resource.Node) {
	md.mu.Lock()
	defer md.mu.Unlock()
	if _, ok := md.observed[node.Name()]; ok {
		return
	}
	md.observed[node.Name()] = node.AddListener(md.notify)
}

// notify publishes one observed change as {"d":{"field":..., "value":...}}.
func (md *ManagedDevice) notify(ev resource.Event) {
	payload, err := json.Marshal(map[string]any{
		"d": fieldValue{Field: ev.Resource, Value: ev.Value},
	})
	if err != nil {
		md.logger.Error("encoding notification", "resource", ev.Resource, "error", err)
		return
	}
	if _, err := md.publisher.Enqueue(outbound.Message{
		Topic:   md.topics.Notify(),
		Payload: payload,
		QoS:     commandQoS,
	}); err != nil {
		md.logger.Warn("queueing notification", "resource", ev.Resource, "error", err)
	}
}

// deviceActionHandler answers 501 unless device actions were announced and a
// handler is set; otherwise the handler runs on the pool and answers itself.
func (md *ManagedDevice) deviceActionHandler(kind ActionKind) dispatch.HandlerFunc {
	return func(ctx context.Context, cmd *dispatch.Command) error {
		md.mu.Lock()
		h := md.actionHandler
		supported := md.manage.DeviceActions
		md.mu.Unlock()

		if !supported || h == nil {
			return cmd.Respond(envelope.RCNotImplemented, "device actions not supported", nil)
		}

		action := &DeviceAction{Kind: kind, cmd: cmd}
		md.pool.Go(ctx, "device action "+string(kind), func(ctx context.Context) {
			switch kind {
			case ActionReboot:
				h.HandleReboot(ctx, action)
			case ActionFactoryReset:
				h.HandleFactoryReset(ctx, action)
			}
		})
		return nil
	}
}

func (md *ManagedDevice) firmwareHandler() FirmwareHandler {
	md.mu.Lock()
	defer md.mu.Unlock()
	if !md.manage.FirmwareActions {
		return nil
	}
	return md.fwHandler
}

func (md *ManagedDevice) handleFirmwareDownload(ctx context.Context, cmd *dispatch.Command) error {
	h := md.firmwareHandler()
	if h == nil {
		return cmd.Respond(envelope.RCNotImplemented, "firmware actions not supported", nil)
	}

	// Claim the download before answering so a second request sees it.
	var refusal string
	claimed, err := md.data.Firmware.MutateIf(func(fw *Firmware) bool {
		switch {
		case fw.State != FirmwareIdle:
			refusal = "cannot download firmware: device is not idle"
		case fw.URL == "":
			refusal = "cannot download firmware: no uri set"
		default:
			fw.State = FirmwareDownloading
			return true
		}
		return false
	}, true)
	if err != nil {
		return cmd.Respond(envelope.RCInternalError, err.Error(), nil)
	}
	if !claimed {
		return cmd.Respond(envelope.RCBadRequest, refusal, nil)
	}

	if err := cmd.Respond(envelope.RCAccepted, "", nil); err != nil {
		return err
	}
	md.pool.Go(ctx, "firmware download", func(ctx context.Context) {
		h.DownloadFirmware(ctx, md.data.Firmware)
	})
	return nil
}

func (md *ManagedDevice) handleFirmwareUpdate(ctx context.Context, cmd *dispatch.Command) error {
	h := md.firmwareHandler()
	if h == nil {
		return cmd.Respond(envelope.RCNotImplemented, "firmware actions not supported", nil)
	}

	var refusal string
	claimed, err := md.data.Firmware.MutateIf(func(fw *Firmware) bool {
		switch {
		case fw.State != FirmwareDownloaded:
			refusal = "cannot update firmware: image not downloaded"
		case fw.UpdateStatus == UpdateInProgress:
			refusal = "cannot update firmware: update already in progress"
		default:
			fw.UpdateStatus = UpdateInProgress
			return true
		}
		return false
	}, true)
	if err != nil {
		return cmd.Respond(envelope.RCInternalError, err.Error(), nil)
	}
	if !claimed {
		return cmd.Respond(envelope.RCBadRequest, refusal, nil)
	}

	if err := cmd.Respond(envelope.RCAccepted, "", nil); err != nil {
		return err
	}
	md.pool.Go(ctx, "firmware update", func(ctx context.Context) {
		h.UpdateFirmware(ctx, md.data.Firmware)
	})
	return nil
}

func (md *ManagedDevice) handleCustomAction(ctx context.Context, cmd *dispatch.Command) error {
	md.mu.Lock()
	h := md.customHandler
	md.mu.Unlock()

	if h == nil {
		return cmd.Respond(envelope.RCNotImplemented, "custom action not supported", nil)
	}

	action := &CustomAction{
		BundleID: cmd.Params.Get("bundleId"),
		ActionID: cmd.Params.Get("actionId"),
		Payload:  cmd.Data,
		cmd:      cmd,
	}
	md.pool.Go(ctx, "custom action "+action.BundleID+"/"+action.ActionID, func(ctx context.Context) {
		h.HandleCustomAction(ctx, action)
	})
	return nil
}
