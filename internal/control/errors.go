package control

import "errors"

// Domain errors for the control package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, control.ErrUnknownDevice) {
//	    // handle unknown device case
//	}
var (
	// ErrUnknownDevice is returned when a device name is not open in the registry.
	ErrUnknownDevice = errors.New("control: unknown device")

	// ErrDuplicateDevice is returned when opening a device name that is already open.
	ErrDuplicateDevice = errors.New("control: device already open")

	// ErrConnection is returned when a driver fails to establish its connection
	// (port not found, handshake failure).
	ErrConnection = errors.New("control: connection failed")

	// ErrProtocol is returned when a driver receives a malformed or unexpected
	// response from the instrument.
	ErrProtocol = errors.New("control: protocol error")

	// ErrDeviceTimeout is returned when a device I/O operation exceeds its
	// per-command timeout.
	ErrDeviceTimeout = errors.New("control: device timeout")

	// ErrQueueFull is returned by Submit when the command queue is at capacity
	// and the queue is not configured to block.
	ErrQueueFull = errors.New("control: command queue full")

	// ErrCancelled is returned as the result of a command that was cancelled
	// before it started executing.
	ErrCancelled = errors.New("control: command cancelled")

	// ErrDeviceFaulted is returned when a device has entered the error state
	// after repeated consecutive failures. Commands are rejected until the
	// caller explicitly reconnects.
	ErrDeviceFaulted = errors.New("control: device faulted")

	// ErrWorkerStopped is returned when submitting to a device whose control
	// worker has stopped.
	ErrWorkerStopped = errors.New("control: worker stopped")
)
