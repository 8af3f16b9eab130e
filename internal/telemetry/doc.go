// Package telemetry connects the device control core to the outside world.
//
// The Bridge subscribes to the control event sink and forwards what it sees:
// status polls go to MQTT (retained, so late subscribers get the current
// reading) and to InfluxDB for history; command results go to MQTT so remote
// observers learn outcomes without holding a reply channel.
//
// The Intake is the reverse path: it subscribes to the per-device MQTT
// command topics and feeds well-formed messages into the device queues, so
// scripted acquisition clients on other machines can drive instruments
// without linking against this process.
//
//	control sink ──► Bridge ──► MQTT / InfluxDB
//	MQTT command topics ──► Intake ──► device queues
//
// Both are optional at runtime; the control core runs fine with neither
// attached.
package telemetry
