package control

import (
	"context"
	"fmt"
	"sync"
)

// DeviceHandle describes one open device. Handles are owned by the Registry
// and never shared with callers; callers interact only by name through the
// facade.
type DeviceHandle struct {
	Name   string
	driver Driver
	queue  *Queue
	worker *Worker
}

// State returns the device's connection state.
func (h *DeviceHandle) State() DeviceState {
	return h.worker.DeviceState()
}

// RegistryOptions configures a device registry.
type RegistryOptions struct {
	// Worker is the default worker configuration applied to opened devices.
	Worker WorkerConfig

	// Queue is the default queue configuration applied to opened devices.
	Queue QueueConfig

	// Logger is optional; defaults to a no-op logger.
	Logger Logger
}

// Registry is the lifecycle and name-routing authority for open device
// connections. It guarantees that at most one control worker ever holds the
// connection for a given device name.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	devices map[string]*DeviceHandle

	sink   *Sink
	opts   RegistryOptions
	logger Logger
}

// NewRegistry creates a registry publishing through the given sink.
func NewRegistry(sink *Sink, opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Registry{
		devices: make(map[string]*DeviceHandle),
		sink:    sink,
		opts:    opts,
		logger:  logger,
	}
}

// Sink returns the registry's event sink.
func (r *Registry) Sink() *Sink {
	return r.sink
}

// Open connects a device under a unique name and starts its control worker.
// The connect handshake runs on the worker goroutine — the worker owns the
// driver from the moment it exists. Fails with ErrDuplicateDevice if the
// name is already open, or ErrConnection if the handshake fails.
func (r *Registry) Open(ctx context.Context, name string, driver Driver) error {
	r.mu.Lock()
	if _, exists := r.devices[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, name)
	}

	queue := NewQueue(r.opts.Queue)
	worker := NewWorker(name, driver, queue, r.sink, r.opts.Worker)
	worker.SetLogger(r.logger)

	handle := &DeviceHandle{
		Name:   name,
		driver: driver,
		queue:  queue,
		worker: worker,
	}
	r.devices[name] = handle
	r.mu.Unlock()

	go worker.Run()

	// Drive the handshake through the queue so it is serialized like any
	// other command.
	reply, err := queue.SubmitWait(NewCommand(name, KindConnect))
	if err != nil {
		r.remove(ctx, name, handle)
		return fmt.Errorf("%w: %s: %v", ErrConnection, name, err)
	}

	select {
	case res := <-reply:
		if !res.Ok {
			r.remove(ctx, name, handle)
			if res.Err != nil {
				return fmt.Errorf("%w: %s: %v", ErrConnection, name, res.Err)
			}
			return fmt.Errorf("%w: %s", ErrConnection, name)
		}
	case <-ctx.Done():
		r.remove(ctx, name, handle)
		return fmt.Errorf("%w: %s: %v", ErrConnection, name, ctx.Err())
	}

	r.logger.Info("device opened", "device", name)
	return nil
}

// Close stops a device's worker, drains in-flight work, cancels queued
// commands, and releases the connection. Closing a device that is not open
// is a no-op.
func (r *Registry) Close(ctx context.Context, name string) error {
	r.mu.Lock()
	handle, ok := r.devices[name]
	if ok {
		delete(r.devices, name)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}

	if err := handle.worker.Stop(ctx); err != nil {
		return fmt.Errorf("closing %s: %w", name, err)
	}
	r.logger.Info("device closed", "device", name)
	return nil
}

// CloseAll closes every open device. Used at shutdown so no connection is
// abandoned mid-command.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	names := make([]string, 0, len(r.devices))
	for name := range r.devices {
		names = append(names, name)
	}
	r.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if err := r.Close(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Route returns the command queue for an open device.
// Fails with ErrUnknownDevice otherwise.
func (r *Registry) Route(name string) (*Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handle, ok := r.devices[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, name)
	}
	return handle.queue, nil
}

// State returns the connection state of an open device.
func (r *Registry) State(name string) (DeviceState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handle, ok := r.devices[name]
	if !ok {
		return StateDisconnected, fmt.Errorf("%w: %s", ErrUnknownDevice, name)
	}
	return handle.State(), nil
}

// Names returns the names of all open devices.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.devices))
	for name := range r.devices {
		names = append(names, name)
	}
	return names
}

// IsOpen reports whether a device name is currently open.
func (r *Registry) IsOpen(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.devices[name]
	return ok
}

// remove tears down a handle after a failed open.
func (r *Registry) remove(ctx context.Context, name string, handle *DeviceHandle) {
	r.mu.Lock()
	if r.devices[name] == handle {
		delete(r.devices, name)
	}
	r.mu.Unlock()

	if err := handle.worker.Stop(ctx); err != nil {
		r.logger.Warn("worker stop after failed open", "device", name, "error", err)
	}
}
