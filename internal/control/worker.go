package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Worker defaults, used when WorkerConfig fields are zero.
const (
	defaultPollInterval   = 1 * time.Second
	defaultCommandTimeout = 5 * time.Second
	defaultRetryCount     = 2
	defaultFaultThreshold = 3
	defaultStopTimeout    = 10 * time.Second
)

// WorkerState is the lifecycle state of a control worker.
type WorkerState int32

const (
	WorkerIdle WorkerState = iota
	WorkerExecuting
	WorkerPolling
	WorkerStopping
	WorkerStopped
)

// String returns the state name for logging.
func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerExecuting:
		return "executing"
	case WorkerPolling:
		return "polling"
	case WorkerStopping:
		return "stopping"
	case WorkerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// WorkerConfig configures a device control worker.
type WorkerConfig struct {
	// PollInterval is how often the worker issues an idle status poll.
	PollInterval time.Duration

	// CommandTimeout bounds each device I/O operation.
	CommandTimeout time.Duration

	// RetryCount is how many times a timed-out command is retried before it
	// is reported as failed.
	RetryCount int

	// FaultThreshold is the number of consecutive command failures after
	// which the device enters the error state and rejects further commands
	// until an explicit reconnect.
	FaultThreshold int
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = defaultCommandTimeout
	}
	if c.RetryCount < 0 {
		c.RetryCount = defaultRetryCount
	}
	if c.FaultThreshold <= 0 {
		c.FaultThreshold = defaultFaultThreshold
	}
	return c
}

// Worker is the single goroutine with exclusive ownership of one device's
// connection. It drains the device's command queue in FIFO order, executes
// commands against the driver with a per-command timeout, and issues
// read-only status polls when idle.
//
// A single bad command never stalls the queue: on failure the worker reports
// the outcome through the sink and moves on. Repeated consecutive failures
// beyond the configured threshold transition the device to the error state,
// which fails all further commands fast until the device is reopened.
type Worker struct {
	name   string
	driver Driver
	queue  *Queue
	sink   *Sink
	cfg    WorkerConfig
	logger Logger

	state    atomic.Int32
	devState atomic.Value // DeviceState

	failures int // consecutive command failures, worker goroutine only

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a worker for one device. Call Run to start it.
func NewWorker(name string, driver Driver, queue *Queue, sink *Sink, cfg WorkerConfig) *Worker {
	w := &Worker{
		name:   name,
		driver: driver,
		queue:  queue,
		sink:   sink,
		cfg:    cfg.withDefaults(),
		logger: noopLogger{},
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	w.devState.Store(StateConnecting)
	return w
}

// SetLogger sets the logger for the worker. Call before Run.
func (w *Worker) SetLogger(logger Logger) {
	w.logger = logger
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// DeviceState returns the device's current connection state.
func (w *Worker) DeviceState() DeviceState {
	return w.devState.Load().(DeviceState)
}

// Run executes the worker loop until Stop is called. It owns the driver for
// its entire lifetime; no other goroutine may touch it.
func (w *Worker) Run() {
	defer close(w.doneCh)
	defer w.state.Store(int32(WorkerStopped))

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Info("control worker started", "device", w.name)

	for {
		// Stop requests are honoured ahead of pending polls, but only after
		// the in-flight command has completed or timed out.
		select {
		case <-w.stopCh:
			w.shutdown()
			return
		default:
		}

		select {
		case <-w.stopCh:
			w.shutdown()
			return

		case p := <-w.queue.ch:
			w.execute(p)
			ticker.Reset(w.cfg.PollInterval)

		case <-ticker.C:
			// A queued command always wins over a poll.
			select {
			case <-w.stopCh:
				w.shutdown()
				return
			case p := <-w.queue.ch:
				w.execute(p)
				ticker.Reset(w.cfg.PollInterval)
			default:
				w.poll()
			}
		}
	}
}

// Stop requests a graceful stop: the in-flight command finishes, queued
// commands are cancelled, and the driver is disconnected. It returns once
// the worker has fully drained, or when ctx expires.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		w.state.Store(int32(WorkerStopping))
		close(w.stopCh)
	})

	select {
	case <-w.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stopping worker %s: %w", w.name, ctx.Err())
	}
}

// Done returns a channel closed when the worker has fully stopped.
func (w *Worker) Done() <-chan struct{} {
	return w.doneCh
}

// shutdown cancels queued commands, disconnects the driver, and reports the
// final state.
func (w *Worker) shutdown() {
	w.state.Store(int32(WorkerStopping))

	for _, p := range w.queue.close() {
		w.finish(p, nil, ErrCancelled)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.CommandTimeout)
	defer cancel()
	if err := w.driver.Disconnect(ctx); err != nil {
		w.logger.Warn("driver disconnect failed", "device", w.name, "error", err)
	}

	w.devState.Store(StateDisconnected)
	w.logger.Info("control worker stopped", "device", w.name)
}

// execute runs a single dequeued command.
func (w *Worker) execute(p *pending) {
	w.queue.forget(p.cmd.ID)

	if p.cancelled.Load() {
		w.finish(p, nil, ErrCancelled)
		return
	}

	if w.DeviceState() == StateError {
		w.finish(p, nil, fmt.Errorf("%w: reconnect required", ErrDeviceFaulted))
		return
	}

	w.state.Store(int32(WorkerExecuting))
	defer w.state.Store(int32(WorkerIdle))

	w.logger.Debug("executing command",
		"device", w.name,
		"command_id", p.cmd.ID,
		"kind", p.cmd.Kind,
	)

	payload, err := w.executeWithRetry(p.cmd)
	if err != nil {
		w.commandFailed(p, err)
		return
	}

	w.failures = 0
	w.finish(p, payload, nil)
}

// executeWithRetry runs the command once plus up to RetryCount retries for
// transient timeouts. Protocol and connection errors are not retried.
func (w *Worker) executeWithRetry(cmd Command) (any, error) {
	var err error
	for attempt := 0; attempt <= w.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			w.logger.Warn("retrying command after timeout",
				"device", w.name,
				"command_id", cmd.ID,
				"attempt", attempt,
			)
		}

		var payload any
		payload, err = w.callDriver(cmd)
		if err == nil {
			return payload, nil
		}
		if !errors.Is(err, ErrDeviceTimeout) {
			return nil, err
		}
	}
	return nil, err
}

// callDriver performs one bounded driver operation, dispatching the
// lifecycle kinds to their dedicated driver methods.
func (w *Worker) callDriver(cmd Command) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.CommandTimeout)
	defer cancel()

	var payload any
	var err error

	switch cmd.Kind {
	case KindConnect:
		if err = w.driver.Connect(ctx); err == nil {
			w.devState.Store(StateConnected)
		}
	case KindDisconnect:
		if err = w.driver.Disconnect(ctx); err == nil {
			w.devState.Store(StateDisconnected)
		}
	case KindQueryStatus:
		payload, err = w.driver.ReadStatus(ctx)
	default:
		payload, err = w.driver.Exec(ctx, cmd)
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s %s", ErrDeviceTimeout, w.name, cmd.Kind)
		}
		return nil, err
	}
	return payload, nil
}

// commandFailed reports a failed command and tracks the consecutive failure
// count, faulting the device when the threshold is crossed.
func (w *Worker) commandFailed(p *pending, err error) {
	w.failures++
	w.logger.Error("command failed",
		"device", w.name,
		"command_id", p.cmd.ID,
		"kind", p.cmd.Kind,
		"consecutive_failures", w.failures,
		"error", err,
	)

	if w.failures >= w.cfg.FaultThreshold {
		w.devState.Store(StateError)
		w.logger.Error("device faulted, rejecting commands until reconnect",
			"device", w.name,
			"failures", w.failures,
		)
		w.sink.PublishStatus(&StatusUpdate{
			DeviceName: w.name,
			Timestamp:  time.Now().UTC(),
			State:      StateError,
			Telemetry:  map[string]any{"fault": err.Error()},
		})
	}

	w.finish(p, nil, err)
}

// finish emits the command's result to the reply channel and the sink.
func (w *Worker) finish(p *pending, payload any, err error) {
	completed := time.Now().UTC()
	res := &CommandResult{
		CommandID:   p.cmd.ID,
		DeviceName:  w.name,
		Kind:        p.cmd.Kind,
		Ok:          err == nil,
		Payload:     payload,
		Err:         err,
		CompletedAt: completed,
		Duration:    completed.Sub(p.cmd.SubmittedAt),
	}

	if p.reply != nil {
		p.reply <- res // capacity 1, never blocks
	}
	if p.cmd.WantResult {
		w.sink.PublishResult(res)
	}
}

// poll issues a read-only status query and publishes the snapshot.
// Polling only happens while the device is connected.
func (w *Worker) poll() {
	if w.DeviceState() != StateConnected {
		return
	}

	w.state.Store(int32(WorkerPolling))
	defer w.state.Store(int32(WorkerIdle))

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.CommandTimeout)
	defer cancel()

	telemetry, err := w.driver.ReadStatus(ctx)
	if err != nil {
		// Poll failures are logged but do not count against the command
		// failure threshold; the next queued command will surface a real
		// fault if the device is gone.
		w.logger.Warn("status poll failed", "device", w.name, "error", err)
		return
	}

	w.sink.PublishStatus(&StatusUpdate{
		DeviceName: w.name,
		Timestamp:  time.Now().UTC(),
		State:      w.DeviceState(),
		Telemetry:  telemetry,
	})
}
