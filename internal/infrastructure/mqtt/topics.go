package mqtt

import "fmt"

// Topic prefixes for the beamline MQTT bus.
//
// Device topics use the flat scheme: biocon/{category}/{device}. Remote
// clients (scripted acquisition, status displays) subscribe to status and
// result topics and publish to command topics.
const (
	// TopicPrefix is the base for all beamline topics.
	TopicPrefix = "biocon"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "biocon/system"

	// TopicPrefixScan is the base for scan progress topics.
	TopicPrefixScan = "biocon/scan"
)

// Topics provides builders for beamline MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	statusTopic := topics.DeviceStatus("pump1")
//	// Returns: "biocon/status/pump1"
type Topics struct{}

// DeviceStatus returns the topic for periodic device telemetry.
//
// Example: biocon/status/pump1
func (Topics) DeviceStatus(device string) string {
	return fmt.Sprintf("%s/status/%s", TopicPrefix, device)
}

// DeviceResult returns the topic for command outcomes from a device.
//
// Example: biocon/result/pump1
func (Topics) DeviceResult(device string) string {
	return fmt.Sprintf("%s/result/%s", TopicPrefix, device)
}

// DeviceCommand returns the topic remote clients publish commands to.
//
// Example: biocon/command/pump1
func (Topics) DeviceCommand(device string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, device)
}

// DeviceState returns the topic for device connection state changes.
//
// Example: biocon/state/pump1
func (Topics) DeviceState(device string) string {
	return fmt.Sprintf("%s/state/%s", TopicPrefix, device)
}

// ScanRequest returns the topic remote clients publish scan requests to.
//
// Example: biocon/scan/request
func (Topics) ScanRequest() string {
	return fmt.Sprintf("%s/request", TopicPrefixScan)
}

// ScanStatus returns the topic for scan run lifecycle updates.
//
// Example: biocon/scan/run-abc123/status
func (Topics) ScanStatus(runID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixScan, runID)
}

// ScanPoint returns the topic for per-point scan progress.
//
// Example: biocon/scan/run-abc123/point
func (Topics) ScanPoint(runID string) string {
	return fmt.Sprintf("%s/%s/point", TopicPrefixScan, runID)
}

// SystemStatus returns the system status topic carrying online/offline
// payloads, including the Last Will message.
//
// Example: biocon/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllDeviceCommands returns a pattern matching commands for every device.
//
// Pattern: biocon/command/+
func (Topics) AllDeviceCommands() string {
	return fmt.Sprintf("%s/command/+", TopicPrefix)
}

// AllDeviceStatus returns a pattern matching telemetry for every device.
//
// Pattern: biocon/status/+
func (Topics) AllDeviceStatus() string {
	return fmt.Sprintf("%s/status/+", TopicPrefix)
}

// AllScanStatus returns a pattern matching every scan's lifecycle updates.
//
// Pattern: biocon/scan/+/status
func (Topics) AllScanStatus() string {
	return fmt.Sprintf("%s/+/status", TopicPrefixScan)
}

// AllTopics returns a pattern matching all beamline topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: biocon/#
func (Topics) AllTopics() string {
	return "biocon/#"
}

// CommandDevice extracts the device name from a command topic. Returns ""
// when the topic is not a command topic.
func CommandDevice(topic string) string {
	prefix := TopicPrefix + "/command/"
	if len(topic) <= len(prefix) || topic[:len(prefix)] != prefix {
		return ""
	}
	device := topic[len(prefix):]
	for i := 0; i < len(device); i++ {
		if device[i] == '/' {
			return ""
		}
	}
	return device
}
