package drivers

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/biocatiit/beamline-control-user/internal/control"
)

// Simulated drivers for development and testing without hardware.
// They accept the same command vocabulary as their hardware
// counterparts and model rough time behaviour (moves take time,
// counts gate for the dwell).

// SimPump models an M50 pump. Dispenses take vol/rate time to finish.
type SimPump struct {
	connected  bool
	targetRate float64
	flowing    bool
	dispEnd    time.Time
}

// NewSimPump builds a simulated pump.
func NewSimPump(settings map[string]any) *SimPump {
	return &SimPump{}
}

func (p *SimPump) Connect(ctx context.Context) error {
	p.connected = true
	return nil
}

func (p *SimPump) Disconnect(ctx context.Context) error {
	p.connected = false
	p.flowing = false
	return nil
}

func (p *SimPump) Exec(ctx context.Context, cmd control.Command) (any, error) {
	if !p.connected {
		return nil, control.ErrConnection
	}

	switch cmd.Kind {
	case control.KindSetParam:
		name, err := argString(cmd.Args, 0)
		if err != nil {
			return nil, err
		}
		if name != "flow_rate" {
			return nil, fmt.Errorf("%w: unknown parameter %q", ErrBadCommand, name)
		}
		rate, err := argFloat(cmd.Args, 1)
		if err != nil {
			return nil, err
		}
		p.targetRate = clampFlowRate(rate)
		return p.targetRate, nil

	case control.KindMove:
		vol, err := argFloat(cmd.Args, 0)
		if err != nil {
			return nil, err
		}
		if vol < 0 {
			vol = -vol
		}
		rate := p.targetRate
		if rate < 0 {
			rate = -rate
		}
		if rate < minFlowRate {
			rate = minFlowRate
		}
		p.dispEnd = time.Now().Add(time.Duration(vol / rate * float64(time.Minute)))
		return nil, nil

	case control.KindStop:
		p.flowing = false
		p.dispEnd = time.Time{}
		return nil, nil

	case control.KindCustom:
		op, err := argString(cmd.Args, 0)
		if err != nil {
			return nil, err
		}
		switch op {
		case "start_flow":
			p.flowing = true
			return nil, nil
		case "aspirate":
			if _, err := argFloat(cmd.Args, 1); err != nil {
				return nil, err
			}
			return nil, nil
		default:
			return nil, fmt.Errorf("%w: unknown operation %q", ErrBadCommand, op)
		}

	default:
		return nil, fmt.Errorf("%w: %s", ErrBadCommand, cmd.Kind)
	}
}

func (p *SimPump) ReadStatus(ctx context.Context) (map[string]any, error) {
	if !p.connected {
		return nil, control.ErrConnection
	}
	dispensing := !p.dispEnd.IsZero() && time.Now().Before(p.dispEnd)
	return map[string]any{
		"moving":     p.flowing || dispensing,
		"flowing":    p.flowing,
		"dispensing": dispensing,
		"flow_rate":  p.targetRate,
	}, nil
}

// SimFlowMeter models a BFS sensor with jittered readings.
type SimFlowMeter struct {
	connected bool
	baseFlow  float64
	filter    float64
}

// NewSimFlowMeter builds a simulated flow meter.
// The base_flow setting (uL/min) centres the jittered readings.
func NewSimFlowMeter(settings map[string]any) *SimFlowMeter {
	return &SimFlowMeter{
		baseFlow: floatSettingDefault(settings, "base_flow", 500),
		filter:   1,
	}
}

func (f *SimFlowMeter) Connect(ctx context.Context) error {
	f.connected = true
	return nil
}

func (f *SimFlowMeter) Disconnect(ctx context.Context) error {
	f.connected = false
	return nil
}

func (f *SimFlowMeter) Exec(ctx context.Context, cmd control.Command) (any, error) {
	if !f.connected {
		return nil, control.ErrConnection
	}

	switch cmd.Kind {
	case control.KindSetParam:
		name, err := argString(cmd.Args, 0)
		if err != nil {
			return nil, err
		}
		switch name {
		case "filter":
			v, err := argFloat(cmd.Args, 1)
			if err != nil {
				return nil, err
			}
			f.filter = v
			return nil, nil
		case "units":
			_, err := argString(cmd.Args, 1)
			return nil, err
		default:
			return nil, fmt.Errorf("%w: unknown parameter %q", ErrBadCommand, name)
		}

	case control.KindCustom:
		op, err := argString(cmd.Args, 0)
		if err != nil {
			return nil, err
		}
		if op != "read_all" {
			return nil, fmt.Errorf("%w: unknown operation %q", ErrBadCommand, op)
		}
		return f.ReadStatus(ctx)

	default:
		return nil, fmt.Errorf("%w: %s", ErrBadCommand, cmd.Kind)
	}
}

func (f *SimFlowMeter) ReadStatus(ctx context.Context) (map[string]any, error) {
	if !f.connected {
		return nil, control.ErrConnection
	}
	// More filtering, less jitter.
	jitter := f.baseFlow * 0.01 * f.filter
	return map[string]any{
		"flow_rate":   f.baseFlow + (rand.Float64()-0.5)*jitter, //nolint:gosec // simulation noise
		"density":     0.998 + (rand.Float64()-0.5)*0.001,       //nolint:gosec // simulation noise
		"temperature": 22.0 + (rand.Float64()-0.5)*0.2,          //nolint:gosec // simulation noise
		"units":       "uL/min",
	}, nil
}

// SimMotor models a stage moving at a fixed speed. Moves block, like
// the XPS, until the simulated motion completes.
type SimMotor struct {
	connected bool
	position  float64
	speed     float64
}

// NewSimMotor builds a simulated motor.
// The speed setting is in position units per second.
func NewSimMotor(settings map[string]any) *SimMotor {
	return &SimMotor{
		speed: floatSettingDefault(settings, "speed", 100),
	}
}

func (m *SimMotor) Connect(ctx context.Context) error {
	m.connected = true
	return nil
}

func (m *SimMotor) Disconnect(ctx context.Context) error {
	m.connected = false
	return nil
}

func (m *SimMotor) Exec(ctx context.Context, cmd control.Command) (any, error) {
	if !m.connected {
		return nil, control.ErrConnection
	}

	switch cmd.Kind {
	case control.KindMove:
		target, err := argFloat(cmd.Args, 0)
		if err != nil {
			return nil, err
		}

		dist := target - m.position
		if dist < 0 {
			dist = -dist
		}
		wait := time.Duration(dist / m.speed * float64(time.Second))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}

		m.position = target
		return m.position, nil

	case control.KindStop:
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrBadCommand, cmd.Kind)
	}
}

func (m *SimMotor) ReadStatus(ctx context.Context) (map[string]any, error) {
	if !m.connected {
		return nil, control.ErrConnection
	}
	return map[string]any{
		"position": m.position,
		"moving":   false,
	}, nil
}

// SimValve models a multi-position switching valve. Switches are
// instantaneous.
type SimValve struct {
	connected bool
	position  int
	positions int
}

// NewSimValve builds a simulated valve.
// The positions setting is the port count.
func NewSimValve(settings map[string]any) *SimValve {
	return &SimValve{
		position:  1,
		positions: intSettingDefault(settings, "positions", defaultValvePositions),
	}
}

func (v *SimValve) Connect(ctx context.Context) error {
	v.connected = true
	return nil
}

func (v *SimValve) Disconnect(ctx context.Context) error {
	v.connected = false
	return nil
}

func (v *SimValve) Exec(ctx context.Context, cmd control.Command) (any, error) {
	if !v.connected {
		return nil, control.ErrConnection
	}

	switch cmd.Kind {
	case control.KindMove:
		pos, err := argFloat(cmd.Args, 0)
		if err != nil {
			return nil, err
		}
		if int(pos) < 1 || int(pos) > v.positions {
			return nil, fmt.Errorf("%w: position %d outside 1-%d", ErrBadCommand, int(pos), v.positions)
		}
		v.position = int(pos)
		return nil, nil

	case control.KindStop:
		return nil, nil

	case control.KindCustom:
		op, err := argString(cmd.Args, 0)
		if err != nil {
			return nil, err
		}
		if op != "home" {
			return nil, fmt.Errorf("%w: unknown operation %q", ErrBadCommand, op)
		}
		v.position = 1
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrBadCommand, cmd.Kind)
	}
}

func (v *SimValve) ReadStatus(ctx context.Context) (map[string]any, error) {
	if !v.connected {
		return nil, control.ErrConnection
	}
	return map[string]any{
		"position":  v.position,
		"positions": v.positions,
	}, nil
}

// SimScaler models a counting scaler. Counts gate for the requested
// dwell and return jittered channel counts.
type SimScaler struct {
	connected bool
	channels  int
	countRate float64
}

// NewSimScaler builds a simulated scaler.
// The count_rate setting is mean counts per second per channel.
func NewSimScaler(settings map[string]any) *SimScaler {
	return &SimScaler{
		channels:  intSettingDefault(settings, "channels", defaultScalerChannels),
		countRate: floatSettingDefault(settings, "count_rate", 10000),
	}
}

func (s *SimScaler) Connect(ctx context.Context) error {
	s.connected = true
	return nil
}

func (s *SimScaler) Disconnect(ctx context.Context) error {
	s.connected = false
	return nil
}

func (s *SimScaler) Exec(ctx context.Context, cmd control.Command) (any, error) {
	if !s.connected {
		return nil, control.ErrConnection
	}

	switch cmd.Kind {
	case control.KindCustom:
		op, err := argString(cmd.Args, 0)
		if err != nil {
			return nil, err
		}
		if op != "count" {
			return nil, fmt.Errorf("%w: unknown operation %q", ErrBadCommand, op)
		}
		dwell, err := argFloat(cmd.Args, 1)
		if err != nil {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(dwell * float64(time.Second))):
		}

		counts := make([]uint32, s.channels)
		for i := range counts {
			mean := s.countRate * dwell
			counts[i] = uint32(mean + (rand.Float64()-0.5)*mean*0.05) //nolint:gosec // simulation noise
		}
		return map[string]any{
			"counts":     counts,
			"dwell_time": dwell,
		}, nil

	case control.KindStop:
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrBadCommand, cmd.Kind)
	}
}

func (s *SimScaler) ReadStatus(ctx context.Context) (map[string]any, error) {
	if !s.connected {
		return nil, control.ErrConnection
	}
	return map[string]any{
		"counting": false,
		"channels": s.channels,
	}, nil
}
