package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/biocatiit/beamline-control-user/internal/control"
	"github.com/biocatiit/beamline-control-user/internal/drivers"
	"github.com/biocatiit/beamline-control-user/internal/instrument"
)

// commandCall records one SendWait issued by the engine.
type commandCall struct {
	device string
	kind   control.Kind
	args   []any
}

// fakeCommander answers engine commands without real devices. Moves and
// status queries succeed immediately; counts return fixed channel values.
type fakeCommander struct {
	mu    sync.Mutex
	calls []commandCall

	// failAt makes the nth count command fail (1-based). Zero disables.
	failAt int
	counts int

	// block, when set, makes count commands wait for ctx cancellation.
	block bool
}

func (f *fakeCommander) SendWait(ctx context.Context, name string, kind control.Kind, args ...any) (*control.CommandResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, commandCall{device: name, kind: kind, args: args})
	f.mu.Unlock()

	result := &control.CommandResult{DeviceName: name, Ok: true, CompletedAt: time.Now()}

	switch kind {
	case control.KindMove:
		result.Payload = args[0]
	case control.KindQueryStatus:
		result.Payload = map[string]any{"moving": false}
	case control.KindCustom:
		if f.block {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		f.mu.Lock()
		f.counts++
		n := f.counts
		f.mu.Unlock()
		if f.failAt > 0 && n == f.failAt {
			return nil, fmt.Errorf("%w: scaler", control.ErrDeviceTimeout)
		}
		result.Payload = map[string]any{"counts": []uint32{100, 200}}
	}
	return result, nil
}

func (f *fakeCommander) callsTo(device string, kind control.Kind) []commandCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []commandCall
	for _, c := range f.calls {
		if c.device == device && c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func testEngine(t *testing.T, cmd Commander) (*Engine, Repository) {
	t.Helper()
	repo := NewSQLiteRepository(setupTestDB(t))
	engine := NewEngine(cmd, repo, EngineOptions{SettlePoll: time.Millisecond})
	return engine, repo
}

func TestEngine_Run1D(t *testing.T) {
	cmd := &fakeCommander{}
	engine, repo := testEngine(t, cmd)

	run, err := engine.Run(context.Background(), Request{
		Name:     "line",
		MotorX:   "stage_x",
		Detector: "scaler",
		StartX:   0,
		StopX:    0.4,
		StepX:    0.1,
		Dwell:    10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.Status != StatusCompleted {
		t.Fatalf("Status = %q, want %q", run.Status, StatusCompleted)
	}
	if run.StartedAt == nil || run.FinishedAt == nil {
		t.Error("completed run should have started_at and finished_at")
	}

	moves := cmd.callsTo("stage_x", control.KindMove)
	if len(moves) != 5 {
		t.Fatalf("issued %d moves, want 5", len(moves))
	}
	if moves[2].args[0] != 0.2 {
		t.Errorf("third move target = %v, want 0.2", moves[2].args[0])
	}

	points, err := repo.ListPoints(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("ListPoints() error = %v", err)
	}
	if len(points) != 5 {
		t.Fatalf("persisted %d points, want 5", len(points))
	}
	if points[4].X != 0.4 {
		t.Errorf("last point X = %g, want 0.4", points[4].X)
	}
	if points[0].Y != nil {
		t.Errorf("1D point Y = %v, want nil", points[0].Y)
	}
	if len(points[0].Counts) != 2 || points[0].Counts[1] != 200 {
		t.Errorf("point counts = %v, want [100 200]", points[0].Counts)
	}
}

func TestEngine_Run2DRasterOrder(t *testing.T) {
	cmd := &fakeCommander{}
	engine, repo := testEngine(t, cmd)

	run, err := engine.Run(context.Background(), Request{
		MotorX:   "stage_x",
		MotorY:   "stage_y",
		Detector: "scaler",
		StartX:   0, StopX: 1, StepX: 0.5,
		StartY: 0, StopY: 1, StepY: 1,
		Dwell: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	yMoves := cmd.callsTo("stage_y", control.KindMove)
	if len(yMoves) != 2 {
		t.Fatalf("issued %d slow-axis moves, want 2", len(yMoves))
	}
	if yMoves[1].args[0] != 1.0 {
		t.Errorf("second slow-axis target = %v, want 1", yMoves[1].args[0])
	}

	points, err := repo.ListPoints(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("ListPoints() error = %v", err)
	}
	if len(points) != 6 {
		t.Fatalf("persisted %d points, want 6", len(points))
	}
	// The fast axis restarts each row.
	if points[3].X != 0 {
		t.Errorf("point 3 X = %g, want 0", points[3].X)
	}
	if points[3].Y == nil || *points[3].Y != 1 {
		t.Errorf("point 3 Y = %v, want 1", points[3].Y)
	}
	if points[2].Y == nil || *points[2].Y != 0 {
		t.Errorf("point 2 Y = %v, want 0", points[2].Y)
	}
}

func TestEngine_RejectsInvalidRequest(t *testing.T) {
	engine, _ := testEngine(t, &fakeCommander{})

	valid := Request{
		MotorX: "stage_x", Detector: "scaler",
		StartX: 0, StopX: 1, StepX: 0.1,
		Dwell: time.Millisecond,
	}

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing motor", func(r *Request) { r.MotorX = "" }},
		{"missing detector", func(r *Request) { r.Detector = "" }},
		{"zero step", func(r *Request) { r.StepX = 0 }},
		{"step against travel", func(r *Request) { r.StepX = -0.1 }},
		{"zero dwell", func(r *Request) { r.Dwell = 0 }},
		{"bad slow axis", func(r *Request) { r.MotorY = "stage_y"; r.StepY = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := engine.Run(context.Background(), req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("Run() error = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestEngine_RejectsConcurrentRun(t *testing.T) {
	cmd := &fakeCommander{block: true}
	engine, _ := testEngine(t, cmd)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = engine.Run(ctx, Request{
			MotorX: "stage_x", Detector: "scaler",
			StartX: 0, StopX: 1, StepX: 1,
			Dwell: time.Millisecond,
		})
	}()

	// Wait until the first run is counting, then try a second.
	deadline := time.After(2 * time.Second)
	for engine.Active() == "" {
		select {
		case <-deadline:
			t.Fatal("first run never became active")
		case <-time.After(time.Millisecond):
		}
	}

	_, err := engine.Run(context.Background(), Request{
		MotorX: "stage_x", Detector: "scaler",
		StartX: 0, StopX: 1, StepX: 1,
		Dwell: time.Millisecond,
	})
	if !errors.Is(err, ErrBusy) {
		t.Errorf("second Run() error = %v, want ErrBusy", err)
	}

	cancel()
	<-done

	if engine.Active() != "" {
		t.Error("engine still reports an active run after completion")
	}
}

func TestEngine_AbortMarksRunAborted(t *testing.T) {
	cmd := &fakeCommander{block: true}
	engine, repo := testEngine(t, cmd)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	run, err := engine.Run(ctx, Request{
		MotorX: "stage_x", Detector: "scaler",
		StartX: 0, StopX: 10, StepX: 1,
		Dwell: time.Millisecond,
	})
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("Run() error = %v, want ErrAborted", err)
	}
	if run.Status != StatusAborted {
		t.Errorf("Status = %q, want %q", run.Status, StatusAborted)
	}

	stored, err := repo.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if stored.Status != StatusAborted {
		t.Errorf("stored Status = %q, want %q", stored.Status, StatusAborted)
	}
	if stored.FinishedAt == nil {
		t.Error("aborted run should have finished_at")
	}
}

func TestEngine_DeviceFailureMarksRunFailed(t *testing.T) {
	cmd := &fakeCommander{failAt: 3}
	engine, repo := testEngine(t, cmd)

	run, err := engine.Run(context.Background(), Request{
		MotorX: "stage_x", Detector: "scaler",
		StartX: 0, StopX: 1, StepX: 0.25,
		Dwell: time.Millisecond,
	})
	if err == nil {
		t.Fatal("Run() error = nil, want failure")
	}
	if errors.Is(err, ErrAborted) {
		t.Fatalf("Run() error = %v, should not be ErrAborted", err)
	}
	if run.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", run.Status, StatusFailed)
	}
	if run.Error == "" {
		t.Error("failed run should record an error description")
	}

	points, err := repo.ListPoints(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("ListPoints() error = %v", err)
	}
	if len(points) != 2 {
		t.Errorf("persisted %d points before the failure, want 2", len(points))
	}
}

func TestAxisPositions(t *testing.T) {
	tests := []struct {
		name              string
		start, stop, step float64
		want              []float64
	}{
		{"forward", 0, 1, 0.25, []float64{0, 0.25, 0.5, 0.75, 1}},
		{"reverse", 5, 1, -1, []float64{5, 4, 3, 2, 1}},
		{"single point", 2, 2, 0.5, []float64{2}},
		{"stop beyond half step", 0, 1, 0.3, []float64{0, 0.3, 0.6, 0.9}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := axisPositions(tt.start, tt.stop, tt.step)
			if len(got) != len(tt.want) {
				t.Fatalf("axisPositions() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if diff := got[i] - tt.want[i]; diff > 1e-9 || diff < -1e-9 {
					t.Errorf("position %d = %g, want %g", i, got[i], tt.want[i])
				}
			}
		})
	}
}

// TestEngine_RunWithSimulatedDevices drives a scan through the real control
// stack with simulated drivers.
func TestEngine_RunWithSimulatedDevices(t *testing.T) {
	ctx := context.Background()

	registry := control.NewRegistry(control.NewSink(), control.RegistryOptions{})
	facade := control.NewFacade(registry, drivers.New)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = facade.Shutdown(shutdownCtx)
	})

	if err := facade.Connect(ctx, "stage_x", string(instrument.KindSimMotor),
		map[string]any{"speed": 10000.0}); err != nil {
		t.Fatalf("connecting motor: %v", err)
	}
	if err := facade.Connect(ctx, "scaler", string(instrument.KindSimScaler),
		map[string]any{"channels": 2, "count_rate": 100000.0}); err != nil {
		t.Fatalf("connecting scaler: %v", err)
	}

	engine, repo := testEngine(t, facade)

	run, err := engine.Run(ctx, Request{
		Name:     "sim line",
		MotorX:   "stage_x",
		Detector: "scaler",
		StartX:   0,
		StopX:    2,
		StepX:    1,
		Dwell:    10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.Status != StatusCompleted {
		t.Fatalf("Status = %q, want %q", run.Status, StatusCompleted)
	}

	points, err := repo.ListPoints(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListPoints() error = %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("persisted %d points, want 3", len(points))
	}
	for _, p := range points {
		if len(p.Counts) != 2 {
			t.Fatalf("point %d has %d channels, want 2", p.Index, len(p.Counts))
		}
		if p.Counts[0] == 0 {
			t.Errorf("point %d counted zero", p.Index)
		}
	}
}

func TestEngine_OnPointCallback(t *testing.T) {
	cmd := &fakeCommander{}
	engine, _ := testEngine(t, cmd)

	var got []Point
	engine.SetOnPoint(func(run *Run, pt *Point) {
		got = append(got, *pt)
	})

	run, err := engine.Run(context.Background(), Request{
		MotorX:   "stage_x",
		Detector: "scaler",
		StartX:   0,
		StopX:    0.2,
		StepX:    0.1,
		Dwell:    10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("callback fired %d times, want 3", len(got))
	}
	for i, pt := range got {
		if pt.RunID != run.ID {
			t.Errorf("point %d run = %q, want %q", i, pt.RunID, run.ID)
		}
		if pt.Index != i {
			t.Errorf("point %d index = %d", i, pt.Index)
		}
	}
}
