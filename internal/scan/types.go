package scan

import (
	"fmt"
	"math"
	"time"
)

// Status is the lifecycle state of a scan run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
	StatusFailed    Status = "failed"
)

// Request describes a scan to execute. MotorY empty means a one-dimensional
// scan; the Y axis fields are ignored in that case.
//
// Axis positions run from Start to Stop inclusive in increments of Step, so
// the step sign must match the travel direction. Stop is included when it
// lands within half a step of the final position.
type Request struct {
	// Name labels the run for later retrieval. Optional.
	Name string

	// MotorX is the device name of the fast axis motor.
	MotorX string

	// MotorY is the device name of the slow axis motor. Empty for 1D scans.
	MotorY string

	// Detector is the device name of the counting scaler.
	Detector string

	StartX float64
	StopX  float64
	StepX  float64

	StartY float64
	StopY  float64
	StepY  float64

	// Dwell is the counting time at each point.
	Dwell time.Duration
}

// Is2D reports whether the request scans a second axis.
func (r *Request) Is2D() bool {
	return r.MotorY != ""
}

// Validate checks the request for structural errors.
func (r *Request) Validate() error {
	if r.MotorX == "" {
		return fmt.Errorf("%w: motor_x is required", ErrInvalidRequest)
	}
	if r.Detector == "" {
		return fmt.Errorf("%w: detector is required", ErrInvalidRequest)
	}
	if r.Dwell <= 0 {
		return fmt.Errorf("%w: dwell time must be positive", ErrInvalidRequest)
	}
	if err := validateAxis("x", r.StartX, r.StopX, r.StepX); err != nil {
		return err
	}
	if r.Is2D() {
		if err := validateAxis("y", r.StartY, r.StopY, r.StepY); err != nil {
			return err
		}
	}
	return nil
}

func validateAxis(axis string, start, stop, step float64) error {
	if step == 0 {
		return fmt.Errorf("%w: %s step must be non-zero", ErrInvalidRequest, axis)
	}
	if (stop-start)*step < 0 {
		return fmt.Errorf("%w: %s step sign does not match travel direction", ErrInvalidRequest, axis)
	}
	return nil
}

// axisPositions expands an axis definition into the positions to visit.
// Start and stop are both included; intermediate positions are computed from
// start so rounding error does not accumulate across steps.
func axisPositions(start, stop, step float64) []float64 {
	n := int(math.Floor((stop-start)/step + 0.5))
	if n < 0 {
		n = 0
	}
	positions := make([]float64, 0, n+1)
	for i := 0; i <= n; i++ {
		positions = append(positions, start+float64(i)*step)
	}
	return positions
}

// Run is a scan execution record. MotorY and the Y axis fields are nil for
// one-dimensional runs.
type Run struct {
	ID       string
	Name     string
	MotorX   string
	MotorY   string
	Detector string

	StartX float64
	StopX  float64
	StepX  float64

	StartY *float64
	StopY  *float64
	StepY  *float64

	Dwell  time.Duration
	Status Status

	// Error holds the failure description when Status is StatusFailed.
	Error string

	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
}

// Point is one measured grid position. Y is nil for one-dimensional runs.
type Point struct {
	RunID      string
	Index      int
	X          float64
	Y          *float64
	Counts     []uint32
	MeasuredAt time.Time
}
