package control

import "context"

// Driver encapsulates one physical device's command vocabulary and wire
// encoding/decoding. Concrete drivers exist per instrument family (pump,
// flow meter, motor, scaler).
//
// A Driver is safe to call only from its owning control worker; exclusivity
// is enforced above it, so implementations need no internal locking. Every
// method must honour the context deadline — the worker relies on this to
// guarantee it never blocks indefinitely on device I/O.
type Driver interface {
	// Connect opens the transport and performs any instrument handshake.
	Connect(ctx context.Context) error

	// Disconnect releases the transport. Called during graceful close and
	// must be safe to call after a failed Connect.
	Disconnect(ctx context.Context) error

	// Exec performs one command against the instrument and returns the
	// device-specific payload, if any.
	Exec(ctx context.Context, cmd Command) (any, error)

	// ReadStatus performs a read-only status query used for idle polling.
	ReadStatus(ctx context.Context) (map[string]any, error)
}

// Logger defines the logging interface used by the control package.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
