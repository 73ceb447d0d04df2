package mqtt

import "fmt"

// Topic prefixes of the device-management protocol.
const (
	// TopicPrefixDevice is the base for topics the device publishes to.
	TopicPrefixDevice = "iotdevice-1"

	// TopicPrefixServer is the base for topics the platform publishes to.
	TopicPrefixServer = "iotdm-1"

	// TopicPrefixEvent is the base for application event topics.
	TopicPrefixEvent = "iot-2/evt"
)

// Topics provides builders for device-management MQTT topics.
// Using these helpers keeps topic strings in one place.
//
//	topics := mqtt.Topics{}
//	topics.Manage()   // "iotdevice-1/mgmt/manage"
//	topics.Response() // "iotdm-1/response"
type Topics struct{}

// =============================================================================
// Device Requests (device -> platform)
// =============================================================================

// Manage returns the topic for the manage request that opens a session.
func (Topics) Manage() string {
	return TopicPrefixDevice + "/mgmt/manage"
}

// Unmanage returns the topic for the unmanage request that ends a session.
func (Topics) Unmanage() string {
	return TopicPrefixDevice + "/mgmt/unmanage"
}

// UpdateLocation returns the topic for device location updates.
func (Topics) UpdateLocation() string {
	return TopicPrefixDevice + "/device/update/location"
}

// AddErrorCode returns the topic for appending a diagnostic error code.
func (Topics) AddErrorCode() string {
	return TopicPrefixDevice + "/add/diag/errorCodes"
}

// ClearErrorCodes returns the topic for clearing diagnostic error codes.
func (Topics) ClearErrorCodes() string {
	return TopicPrefixDevice + "/clear/diag/errorCodes"
}

// AddLog returns the topic for appending a diagnostic log entry.
func (Topics) AddLog() string {
	return TopicPrefixDevice + "/add/diag/log"
}

// ClearLogs returns the topic for clearing diagnostic log entries.
func (Topics) ClearLogs() string {
	return TopicPrefixDevice + "/clear/diag/log"
}

// Notify returns the topic for observed-attribute change notifications.
func (Topics) Notify() string {
	return TopicPrefixDevice + "/notify"
}

// DeviceResponse returns the topic the device answers server commands on.
func (Topics) DeviceResponse() string {
	return TopicPrefixDevice + "/response"
}

// =============================================================================
// Server Commands (platform -> device)
// =============================================================================

// Response returns the shared topic carrying responses to device requests.
func (Topics) Response() string {
	return TopicPrefixServer + "/response"
}

// DeviceUpdate returns the topic for attribute update commands.
func (Topics) DeviceUpdate() string {
	return TopicPrefixServer + "/device/update"
}

// Observe returns the topic for observe commands.
func (Topics) Observe() string {
	return TopicPrefixServer + "/observe"
}

// Cancel returns the topic for cancel-observation commands.
func (Topics) Cancel() string {
	return TopicPrefixServer + "/cancel"
}

// Reboot returns the topic for reboot device actions.
func (Topics) Reboot() string {
	return TopicPrefixServer + "/mgmt/initiate/device/reboot"
}

// FactoryReset returns the topic for factory reset device actions.
func (Topics) FactoryReset() string {
	return TopicPrefixServer + "/mgmt/initiate/device/factory_reset"
}

// FirmwareDownload returns the topic for firmware download actions.
func (Topics) FirmwareDownload() string {
	return TopicPrefixServer + "/mgmt/initiate/firmware/download"
}

// FirmwareUpdate returns the topic for firmware update actions.
func (Topics) FirmwareUpdate() string {
	return TopicPrefixServer + "/mgmt/initiate/firmware/update"
}

// CustomAction returns the topic for a custom action of an extension bundle.
//
// Example: iotdm-1/mgmt/custom/example-dme-actions-v1/installPlugin
func (Topics) CustomAction(bundleID, actionID string) string {
	return fmt.Sprintf("%s/mgmt/custom/%s/%s", TopicPrefixServer, bundleID, actionID)
}

// CustomActionTemplate returns the routing template matching any custom action.
func (Topics) CustomActionTemplate() string {
	return TopicPrefixServer + "/mgmt/custom/{bundleId}/{actionId}"
}

// =============================================================================
// Events
// =============================================================================

// Event returns the topic for an application event.
//
// Example: iot-2/evt/status/fmt/json
func (Topics) Event(eventID, format string) string {
	return fmt.Sprintf("%s/%s/fmt/%s", TopicPrefixEvent, eventID, format)
}
