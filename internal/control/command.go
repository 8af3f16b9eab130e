package control

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the operation a Command performs.
type Kind string

// Known command kinds. Drivers interpret Move and SetParam according to the
// instrument family (a pump "moves" by dispensing, a stage by translating).
const (
	KindConnect     Kind = "connect"
	KindDisconnect  Kind = "disconnect"
	KindMove        Kind = "move"
	KindStop        Kind = "stop"
	KindSetParam    Kind = "set_param"
	KindQueryStatus Kind = "query_status"
	KindCustom      Kind = "custom"
)

// Command is a caller-issued instruction destined for one device.
// It is immutable once submitted.
type Command struct {
	// ID uniquely identifies the command. Assigned at submission.
	ID string

	// DeviceName is the target device.
	DeviceName string

	// Kind is the operation to perform.
	Kind Kind

	// Args are the ordered operation arguments, interpreted by the driver.
	Args []any

	// WantResult indicates a CommandResult must be produced for this command.
	WantResult bool

	// SubmittedAt is set by the queue when the command is accepted.
	SubmittedAt time.Time
}

// NewCommand builds a command with a fresh ID.
func NewCommand(device string, kind Kind, args ...any) Command {
	return Command{
		ID:         uuid.NewString(),
		DeviceName: device,
		Kind:       kind,
		Args:       args,
		WantResult: true,
	}
}

// CommandResult is the outcome of one executed Command.
// Produced exactly once per command that requested a result.
type CommandResult struct {
	// CommandID matches the ID of the originating Command.
	CommandID string

	// DeviceName is the device that executed the command.
	DeviceName string

	// Kind is the kind of the originating Command.
	Kind Kind

	// Ok is true if the command completed successfully.
	Ok bool

	// Payload is the device-specific return value, if any.
	Payload any

	// Err describes the failure when Ok is false.
	Err error

	// CompletedAt is when the worker finished the command.
	CompletedAt time.Time

	// Duration is the time from submission to completion, queue wait
	// included.
	Duration time.Duration
}

// DeviceState is the connection state of an open device.
type DeviceState string

const (
	StateDisconnected DeviceState = "disconnected"
	StateConnecting   DeviceState = "connecting"
	StateConnected    DeviceState = "connected"
	StateError        DeviceState = "error"
)

// StatusUpdate is an unsolicited, periodic telemetry snapshot from a device.
// It is produced by the control worker's idle poll, independent of commands.
type StatusUpdate struct {
	// DeviceName is the device the telemetry belongs to.
	DeviceName string

	// Timestamp is when the poll completed.
	Timestamp time.Time

	// State is the device connection state at poll time.
	State DeviceState

	// Telemetry holds the structured readings (position, flow rate, counts...).
	Telemetry map[string]any
}

// Event is the union delivered to sink subscribers. Exactly one of Result or
// Status is non-nil.
type Event struct {
	Result *CommandResult
	Status *StatusUpdate
}
