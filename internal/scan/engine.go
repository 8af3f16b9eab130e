package scan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/biocatiit/beamline-control-user/internal/control"
)

// Commander is the slice of the control facade the engine needs. Every
// device interaction goes through SendWait so scan commands serialize with
// any other caller on the same device queues.
type Commander interface {
	SendWait(ctx context.Context, name string, kind control.Kind, args ...any) (*control.CommandResult, error)
}

// Logger abstracts logging for the scan package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// EngineOptions configures scan execution timing.
type EngineOptions struct {
	// SettlePoll is the interval between motor status polls after a move.
	// Zero means the default of 100ms.
	SettlePoll time.Duration

	// SettleTimeout bounds how long the engine waits for a motor to report
	// idle after a move completes. Zero means the default of 30s.
	SettleTimeout time.Duration

	// Logger is optional; defaults to a no-op logger.
	Logger Logger
}

const (
	defaultSettlePoll    = 100 * time.Millisecond
	defaultSettleTimeout = 30 * time.Second
)

// Engine executes scan runs. One engine executes at most one run at a time;
// a second Run call while one is active fails with ErrBusy.
type Engine struct {
	cmd    Commander
	repo   Repository
	logger Logger

	settlePoll    time.Duration
	settleTimeout time.Duration

	// onPoint, when set, is called after each point is persisted.
	onPoint func(run *Run, pt *Point)

	mu     sync.Mutex
	active string // ID of the run in progress, or ""
}

// NewEngine creates a scan engine driving devices through cmd and
// persisting runs through repo.
func NewEngine(cmd Commander, repo Repository, opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	settlePoll := opts.SettlePoll
	if settlePoll <= 0 {
		settlePoll = defaultSettlePoll
	}
	settleTimeout := opts.SettleTimeout
	if settleTimeout <= 0 {
		settleTimeout = defaultSettleTimeout
	}
	return &Engine{
		cmd:           cmd,
		repo:          repo,
		logger:        logger,
		settlePoll:    settlePoll,
		settleTimeout: settleTimeout,
	}
}

// SetOnPoint registers a callback invoked after each point is persisted,
// for progress reporting. Call before the first Run.
func (e *Engine) SetOnPoint(fn func(run *Run, pt *Point)) {
	e.onPoint = fn
}

// Active returns the ID of the run in progress, or "" when idle.
func (e *Engine) Active() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Run executes a scan to completion and returns its final record. Cancel
// the context to abort; the run is then marked aborted and ErrAborted is
// returned. Device failures mark the run failed and surface the cause.
func (e *Engine) Run(ctx context.Context, req Request) (*Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	run := newRun(req)

	e.mu.Lock()
	if e.active != "" {
		e.mu.Unlock()
		return nil, ErrBusy
	}
	e.active = run.ID
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.active = ""
		e.mu.Unlock()
	}()

	if err := e.repo.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	run.Status = StatusRunning
	run.StartedAt = &now
	if err := e.repo.UpdateRun(ctx, run); err != nil {
		return nil, err
	}

	e.logger.Info("scan started",
		"run", run.ID,
		"motor_x", run.MotorX,
		"motor_y", run.MotorY,
		"detector", run.Detector,
	)

	err := e.execute(ctx, run, req)
	finished := time.Now().UTC()
	run.FinishedAt = &finished

	switch {
	case err == nil:
		run.Status = StatusCompleted
	case ctx.Err() != nil:
		run.Status = StatusAborted
		err = fmt.Errorf("%w: %s", ErrAborted, run.ID)
	default:
		run.Status = StatusFailed
		run.Error = err.Error()
	}

	// Persist the outcome even when the scan context is already cancelled.
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if saveErr := e.repo.UpdateRun(saveCtx, run); saveErr != nil {
		e.logger.Error("recording scan outcome", "run", run.ID, "error", saveErr)
		if err == nil {
			err = saveErr
		}
	}

	e.logger.Info("scan finished", "run", run.ID, "status", run.Status)
	if err != nil {
		return run, err
	}
	return run, nil
}

// execute walks the grid in raster order: the fast axis restarts from its
// first position on every row rather than snaking, matching how operators
// expect exported data to be ordered.
func (e *Engine) execute(ctx context.Context, run *Run, req Request) error {
	xs := axisPositions(req.StartX, req.StopX, req.StepX)

	ys := []*float64{nil}
	if req.Is2D() {
		positions := axisPositions(req.StartY, req.StopY, req.StepY)
		ys = make([]*float64, len(positions))
		for i := range positions {
			ys[i] = &positions[i]
		}
	}

	index := 0
	for _, y := range ys {
		if y != nil {
			if err := e.moveAndSettle(ctx, req.MotorY, *y); err != nil {
				return fmt.Errorf("moving %s to %g: %w", req.MotorY, *y, err)
			}
		}
		for _, x := range xs {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := e.moveAndSettle(ctx, req.MotorX, x); err != nil {
				return fmt.Errorf("moving %s to %g: %w", req.MotorX, x, err)
			}

			counts, err := e.measure(ctx, req.Detector, req.Dwell)
			if err != nil {
				return fmt.Errorf("counting at point %d: %w", index, err)
			}

			point := &Point{
				RunID:      run.ID,
				Index:      index,
				X:          x,
				Y:          y,
				Counts:     counts,
				MeasuredAt: time.Now().UTC(),
			}
			if err := e.repo.InsertPoint(ctx, point); err != nil {
				return err
			}
			if e.onPoint != nil {
				e.onPoint(run, point)
			}
			e.logger.Debug("point measured", "run", run.ID, "index", index, "x", x)
			index++
		}
	}
	return nil
}

// moveAndSettle commands an absolute move and then polls device status
// until the motor reports idle. Drivers block their move commands until
// motion completes, so the settle loop usually passes on the first poll; it
// exists for controllers that acknowledge before the axis stops.
func (e *Engine) moveAndSettle(ctx context.Context, motor string, target float64) error {
	res, err := e.cmd.SendWait(ctx, motor, control.KindMove, target)
	if err != nil {
		return err
	}
	if !res.Ok {
		return res.Err
	}

	deadline := time.Now().Add(e.settleTimeout)
	for {
		status, err := e.cmd.SendWait(ctx, motor, control.KindQueryStatus)
		if err != nil {
			return err
		}
		if !status.Ok {
			return status.Err
		}
		if !motorMoving(status.Payload) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("motor %s still moving after %s", motor, e.settleTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.settlePoll):
		}
	}
}

// measure gates the detector for the dwell time and returns channel counts.
func (e *Engine) measure(ctx context.Context, detector string, dwell time.Duration) ([]uint32, error) {
	res, err := e.cmd.SendWait(ctx, detector, control.KindCustom, "count", dwell.Seconds())
	if err != nil {
		return nil, err
	}
	if !res.Ok {
		return nil, res.Err
	}
	counts, ok := extractCounts(res.Payload)
	if !ok {
		return nil, fmt.Errorf("detector %s returned no counts", detector)
	}
	return counts, nil
}

// motorMoving reads the moving flag out of a status payload. A payload
// without the flag is treated as idle.
func motorMoving(payload any) bool {
	status, ok := payload.(map[string]any)
	if !ok {
		return false
	}
	moving, _ := status["moving"].(bool)
	return moving
}

// extractCounts pulls the channel counts out of a count command payload.
func extractCounts(payload any) ([]uint32, bool) {
	result, ok := payload.(map[string]any)
	if !ok {
		return nil, false
	}
	counts, ok := result["counts"].([]uint32)
	return counts, ok
}

// newRun builds the persistent record for a request.
func newRun(req Request) *Run {
	name := req.Name
	if name == "" {
		name = "scan"
	}
	run := &Run{
		ID:        uuid.NewString(),
		Name:      name,
		MotorX:    req.MotorX,
		MotorY:    req.MotorY,
		Detector:  req.Detector,
		StartX:    req.StartX,
		StopX:     req.StopX,
		StepX:     req.StepX,
		Dwell:     req.Dwell,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if req.Is2D() {
		startY, stopY, stepY := req.StartY, req.StopY, req.StepY
		run.StartY = &startY
		run.StopY = &stopY
		run.StepY = &stepY
	}
	return run
}
