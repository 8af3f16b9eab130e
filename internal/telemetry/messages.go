package telemetry

import "time"

// StatusMessage is the JSON shape published to biocon/status/<device>.
type StatusMessage struct {
	Device    string         `json:"device"`
	State     string         `json:"state"`
	Timestamp time.Time      `json:"timestamp"`
	Telemetry map[string]any `json:"telemetry,omitempty"`
}

// ResultMessage is the JSON shape published to biocon/result/<device>.
type ResultMessage struct {
	Device      string    `json:"device"`
	CommandID   string    `json:"command_id"`
	Kind        string    `json:"kind"`
	Ok          bool      `json:"ok"`
	Error       string    `json:"error,omitempty"`
	Payload     any       `json:"payload,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMS  float64   `json:"duration_ms"`
}

// CommandMessage is the JSON shape remote clients publish to
// biocon/command/<device>.
type CommandMessage struct {
	Kind string `json:"kind"`
	Args []any  `json:"args,omitempty"`
}

// ScanRequestMessage is the JSON shape remote clients publish to
// biocon/scan/request. Y fields are ignored when motor_y is empty.
type ScanRequestMessage struct {
	Name     string  `json:"name,omitempty"`
	MotorX   string  `json:"motor_x"`
	MotorY   string  `json:"motor_y,omitempty"`
	Detector string  `json:"detector"`
	StartX   float64 `json:"start_x"`
	StopX    float64 `json:"stop_x"`
	StepX    float64 `json:"step_x"`
	StartY   float64 `json:"start_y,omitempty"`
	StopY    float64 `json:"stop_y,omitempty"`
	StepY    float64 `json:"step_y,omitempty"`
	DwellMS  float64 `json:"dwell_ms"`
}

// ScanStatusMessage is the JSON shape published to biocon/scan/<run>/status.
type ScanStatusMessage struct {
	RunID      string     `json:"run_id"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ScanPointMessage is the JSON shape published to biocon/scan/<run>/point.
type ScanPointMessage struct {
	RunID      string    `json:"run_id"`
	Index      int       `json:"index"`
	X          float64   `json:"x"`
	Y          *float64  `json:"y,omitempty"`
	Counts     []uint32  `json:"counts"`
	MeasuredAt time.Time `json:"measured_at"`
}
