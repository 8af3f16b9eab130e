package control

import (
	"context"
	"fmt"
)

// DriverFactory builds a driver for an instrument kind from its settings.
// The concrete factory lives with the drivers so the control core stays
// protocol-agnostic.
type DriverFactory func(kind string, settings map[string]any) (Driver, error)

// Facade is the caller-facing API over the queue/sink primitives. It serves
// both scripted (blocking) and GUI (asynchronous) use from one
// implementation: the synchronous variant blocks on the same reply channel
// the asynchronous path creates.
//
// All methods are safe for concurrent use by any number of callers.
type Facade struct {
	registry  *Registry
	newDriver DriverFactory
	logger    Logger
}

// NewFacade creates a facade over a registry. factory may be nil when all
// devices are opened via ConnectDriver.
func NewFacade(registry *Registry, factory DriverFactory) *Facade {
	return &Facade{
		registry:  registry,
		newDriver: factory,
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the facade.
func (f *Facade) SetLogger(logger Logger) {
	f.logger = logger
}

// Connect builds a driver for the given instrument kind and opens it under
// the device name. A device left in the error state by repeated failures is
// closed and reopened — this is the explicit reconnect path.
func (f *Facade) Connect(ctx context.Context, name, kind string, settings map[string]any) error {
	if f.newDriver == nil {
		return fmt.Errorf("%w: no driver factory configured", ErrConnection)
	}

	driver, err := f.newDriver(kind, settings)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnection, name, err)
	}
	return f.ConnectDriver(ctx, name, driver)
}

// ConnectDriver opens an already-constructed driver under the device name.
func (f *Facade) ConnectDriver(ctx context.Context, name string, driver Driver) error {
	if state, err := f.registry.State(name); err == nil && state == StateError {
		f.logger.Info("reconnecting faulted device", "device", name)
		if closeErr := f.registry.Close(ctx, name); closeErr != nil {
			return closeErr
		}
	}
	return f.registry.Open(ctx, name, driver)
}

// Disconnect closes a device. Idempotent.
func (f *Facade) Disconnect(ctx context.Context, name string) error {
	return f.registry.Close(ctx, name)
}

// Send submits a command asynchronously and returns its ID. The outcome is
// observable through Subscribe.
func (f *Facade) Send(name string, kind Kind, args ...any) (string, error) {
	queue, err := f.registry.Route(name)
	if err != nil {
		return "", err
	}
	return queue.Submit(NewCommand(name, kind, args...))
}

// SendWait submits a command and blocks until its result arrives or ctx
// expires. The command itself is not aborted by ctx — an in-flight command
// cannot be cancelled mid-transport, only timed out by the worker.
func (f *Facade) SendWait(ctx context.Context, name string, kind Kind, args ...any) (*CommandResult, error) {
	queue, err := f.registry.Route(name)
	if err != nil {
		return nil, err
	}

	cmd := NewCommand(name, kind, args...)
	reply, err := queue.SubmitWait(cmd)
	if err != nil {
		return nil, err
	}

	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		// Best effort: if the command has not started, withdraw it.
		queue.Cancel(cmd.ID)
		return nil, fmt.Errorf("awaiting %s on %s: %w", kind, name, ctx.Err())
	}
}

// Cancel withdraws a not-yet-started command. Returns false when the command
// is unknown or already executing.
func (f *Facade) Cancel(name, commandID string) (bool, error) {
	queue, err := f.registry.Route(name)
	if err != nil {
		return false, err
	}
	return queue.Cancel(commandID), nil
}

// Subscribe returns a stream of CommandResults and StatusUpdates for one
// device, or for all devices when name is empty.
func (f *Facade) Subscribe(name string) *Subscription {
	return f.registry.Sink().Subscribe(name)
}

// State reports the connection state of an open device.
func (f *Facade) State(name string) (DeviceState, error) {
	return f.registry.State(name)
}

// Devices lists the currently open device names.
func (f *Facade) Devices() []string {
	return f.registry.Names()
}

// Shutdown closes all open devices, draining each worker.
func (f *Facade) Shutdown(ctx context.Context) error {
	return f.registry.CloseAll(ctx)
}
