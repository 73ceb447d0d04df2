package devicemgmt

import (
	"fmt"

	"github.com/nerrad567/gray-logic-agent/internal/resource"
)

// Resource names as the platform addresses them in update and observe
// requests.
const (
	ResourceDeviceInfo = "deviceInfo"
	ResourceMetadata   = "metadata"
	ResourceLocation   = "location"
	ResourceFirmware   = "mgmt.firmware"
)

// DeviceInfo describes the hardware.
type DeviceInfo struct {
	SerialNumber        string `json:"serialNumber,omitempty"`
	Manufacturer        string `json:"manufacturer,omitempty"`
	Model               string `json:"model,omitempty"`
	DeviceClass         string `json:"deviceClass,omitempty"`
	Description         string `json:"description,omitempty"`
	FWVersion           string `json:"fwVersion,omitempty"`
	HWVersion           string `json:"hwVersion,omitempty"`
	DescriptiveLocation string `json:"descriptiveLocation,omitempty"`
}

// Location is the device's last known position.
type Location struct {
	Latitude         float64  `json:"latitude"`
	Longitude        float64  `json:"longitude"`
	Elevation        *float64 `json:"elevation,omitempty"`
	Accuracy         *float64 `json:"accuracy,omitempty"`
	MeasuredDateTime string   `json:"measuredDateTime,omitempty"`
}

func validateLocation(l Location) error {
	if l.Latitude < -90 || l.Latitude > 90 {
		return fmt.Errorf("latitude %v out of range", l.Latitude)
	}
	if l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("longitude %v out of range", l.Longitude)
	}
	return nil
}

// FirmwareState is the download state of the firmware resource.
type FirmwareState int

// Firmware download states.
const (
	FirmwareIdle FirmwareState = iota
	FirmwareDownloading
	FirmwareDownloaded
)

// FirmwareUpdateStatus is the result of the last firmware update.
type FirmwareUpdateStatus int

// Firmware update statuses.
const (
	UpdateSuccess FirmwareUpdateStatus = iota
	UpdateInProgress
	UpdateOutOfMemory
	UpdateConnectionLost
	UpdateVerificationFailed
	UpdateUnsupportedImage
	UpdateInvalidURI
)

// Firmware is the mgmt.firmware resource.
type Firmware struct {
	Version      string               `json:"version,omitempty"`
	Name         string               `json:"name,omitempty"`
	URL          string               `json:"uri,omitempty"`
	Verifier     string               `json:"verifier,omitempty"`
	State        FirmwareState        `json:"state"`
	UpdateStatus FirmwareUpdateStatus `json:"updateStatus"`
	UpdatedAt    string               `json:"updatedDateTime,omitempty"`
}

// DeviceData is the device model shared by the session and its handlers.
type DeviceData struct {
	Info     *resource.Resource[DeviceInfo]
	Metadata *resource.Resource[map[string]any]
	Location *resource.Resource[Location]
	Firmware *resource.Resource[Firmware]

	registry *resource.Registry
	notifier *resource.Notifier
}

// NewDeviceData creates the standard resources and registers them by name.
func NewDeviceData(notifier *resource.Notifier, info DeviceInfo, metadata map[string]any) *DeviceData {
	if metadata == nil {
		metadata = map[string]any{}
	}
	d := &DeviceData{
		Info:     resource.New(ResourceDeviceInfo, info, notifier),
		Metadata: resource.New(ResourceMetadata, metadata, notifier),
		Location: resource.New(ResourceLocation, Location{}, notifier, resource.WithValidator(validateLocation)),
		Firmware: resource.New(ResourceFirmware, Firmware{}, notifier),
		registry: resource.NewRegistry(),
		notifier: notifier,
	}

	for _, n := range []resource.Node{d.Info, d.Metadata, d.Location, d.Firmware} {
		// Names are distinct constants; Register cannot fail here.
		_ = d.registry.Register(n) //nolint:errcheck // see above
	}
	return d
}

// Registry returns the name lookup for the device resources.
func (d *DeviceData) Registry() *resource.Registry { return d.registry }

// Notifier returns the notifier the resources deliver events through.
func (d *DeviceData) Notifier() *resource.Notifier { return d.notifier }

// Resource looks a resource up by its platform name.
func (d *DeviceData) Resource(name string) (resource.Node, error) {
	return d.registry.Get(name)
}
