package devicemgmt

import (
	"context"
	"encoding/json"

	"github.com/nerrad567/gray-logic-agent/internal/dispatch"
	"github.com/nerrad567/gray-logic-agent/internal/envelope"
	"github.com/nerrad567/gray-logic-agent/internal/resource"
)

// ActionKind identifies a device action.
type ActionKind string

// Device actions the platform can initiate.
const (
	ActionReboot       ActionKind = "reboot"
	ActionFactoryReset ActionKind = "factory_reset"
)

// ActionStatus is the outcome a device action handler reports.
type ActionStatus int

// Action statuses and the response codes they map to.
const (
	ActionAccepted     ActionStatus = envelope.RCAccepted
	ActionFailed       ActionStatus = envelope.RCInternalError
	ActionNotSupported ActionStatus = envelope.RCNotImplemented
)

// DeviceAction is a reboot or factory reset request in progress.
type DeviceAction struct {
	Kind ActionKind

	cmd *dispatch.Command
}

// ReqID returns the id of the request that initiated the action.
func (a *DeviceAction) ReqID() string { return a.cmd.ReqID }

// Complete answers the platform. Only the first call has an effect.
func (a *DeviceAction) Complete(status ActionStatus, message string) error {
	return a.cmd.Respond(int(status), message, nil)
}

// DeviceActionHandler performs device actions. Methods run on the worker
// pool and must call Complete.
type DeviceActionHandler interface {
	HandleReboot(ctx context.Context, action *DeviceAction)
	HandleFactoryReset(ctx context.Context, action *DeviceAction)
}

// FirmwareHandler downloads and applies firmware. Methods run on the worker
// pool after the platform has been answered with 202; progress is reported
// by mutating fw (state, update status), which observers see via notify.
type FirmwareHandler interface {
	DownloadFirmware(ctx context.Context, fw *resource.Resource[Firmware])
	UpdateFirmware(ctx context.Context, fw *resource.Resource[Firmware])
}

// CustomAction is a custom extension action in progress.
type CustomAction struct {
	BundleID string
	ActionID string
	Payload  json.RawMessage

	cmd *dispatch.Command
}

// ReqID returns the id of the request that initiated the action.
func (a *CustomAction) ReqID() string { return a.cmd.ReqID }

// Complete answers the platform with rc. Only the first call has an effect.
func (a *CustomAction) Complete(rc int, message string) error {
	return a.cmd.Respond(rc, message, nil)
}

// CustomActionHandler performs custom actions. It runs on the worker pool
// and must call Complete.
type CustomActionHandler interface {
	HandleCustomAction(ctx context.Context, action *CustomAction)
}
