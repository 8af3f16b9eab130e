package drivers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/biocatiit/beamline-control-user/internal/control"
)

// MForce command constants.
const (
	// escCommand is the MForce escape byte; it halts motion immediately.
	escCommand = "\x1b"

	// stepsPerRev is the microstep count per revolution at MS=256.
	stepsPerRev = 51200

	// defaultFlowCal is the pump-specific flow calibration in uL/rev.
	defaultFlowCal = 628.0

	// maxFlowRate is the maximum continuous flow rate in uL/min.
	maxFlowRate = 25000.0

	// minFlowRate is the minimum usable flow rate magnitude in uL/min.
	minFlowRate = 1.0
)

// M50Pump drives a VICI M50 continuous-flow pump through an MForce
// stepper controller speaking ASCII over RS-232.
//
// Flow rates are expressed in uL/min at the driver boundary and converted
// to microsteps per second using the pump's flow calibration.
type M50Pump struct {
	settings map[string]any
	conn     lineConn

	// cal converts uL to microsteps.
	cal float64

	// targetRate is the requested flow rate in uL/min, signed.
	targetRate float64

	flowing    bool
	dispensing bool
}

// NewM50Pump builds a pump driver from catalogue settings.
// Recognised keys beyond the serial ones: flow_cal (uL/rev).
func NewM50Pump(settings map[string]any) *M50Pump {
	flowCal := floatSettingDefault(settings, "flow_cal", defaultFlowCal)
	return &M50Pump{
		settings: settings,
		cal:      stepsPerRev / flowCal,
	}
}

// Connect opens the serial port and programs the MForce controller with
// the motion parameters the M50 expects. Values per VICI: run current
// 50%, remaining parameters at MForce defaults.
func (p *M50Pump) Connect(ctx context.Context) error {
	conn, err := openSerialLine(p.settings, "\r\n", 9600)
	if err != nil {
		return fmt.Errorf("%w: %v", control.ErrConnection, err)
	}
	p.conn = conn

	initCmds := []string{
		"MS=256",    // microstepping
		"VI=1000",   // initial velocity
		"A=1000000", // acceleration
		"D=1000000", // deceleration
		"HC=5",      // hold current %
		"RC=50",     // run current %
	}
	for _, cmd := range initCmds {
		if err := p.conn.Send(ctx, cmd); err != nil {
			p.conn.Close()
			p.conn = nil
			return fmt.Errorf("%w: programming controller: %v", control.ErrConnection, err)
		}
	}

	return nil
}

// Disconnect stops the pump and closes the serial port.
func (p *M50Pump) Disconnect(ctx context.Context) error {
	if p.conn == nil {
		return nil
	}
	// Best effort halt before dropping the line.
	_ = p.conn.Send(ctx, "SL 0")
	_ = p.conn.Send(ctx, escCommand)

	err := p.conn.Close()
	p.conn = nil
	p.flowing = false
	p.dispensing = false
	return err
}

// Exec dispatches pump commands.
//
//	KindSetParam: ("flow_rate", rate uL/min)
//	KindMove:     (volume uL) dispense; negative volume aspirates
//	KindStop:     halt all flow
//	KindCustom:   ("start_flow") continuous flow at the set rate
func (p *M50Pump) Exec(ctx context.Context, cmd control.Command) (any, error) {
	if p.conn == nil {
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
		return p.setFlowRate(ctx, rate)

	case control.KindMove:
		vol, err := argFloat(cmd.Args, 0)
		if err != nil {
			return nil, err
		}
		return nil, p.dispense(ctx, vol)

	case control.KindStop:
		return nil, p.stop(ctx)

	case control.KindCustom:
		op, err := argString(cmd.Args, 0)
		if err != nil {
			return nil, err
		}
		switch op {
		case "start_flow":
			return nil, p.startFlow(ctx)
		case "aspirate":
			vol, err := argFloat(cmd.Args, 1)
			if err != nil {
				return nil, err
			}
			return nil, p.dispense(ctx, -vol)
		default:
			return nil, fmt.Errorf("%w: unknown operation %q", ErrBadCommand, op)
		}

	default:
		return nil, fmt.Errorf("%w: %s", ErrBadCommand, cmd.Kind)
	}
}

// ReadStatus reports motion state and the current flow target.
func (p *M50Pump) ReadStatus(ctx context.Context) (map[string]any, error) {
	if p.conn == nil {
		return nil, control.ErrConnection
	}

	reply, err := p.conn.Exchange(ctx, "PR MV")
	if err != nil {
		return nil, err
	}
	moving, err := parseMForceBool(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", control.ErrProtocol, err)
	}

	// A dispense is finished once the controller reports no motion.
	if !moving {
		p.dispensing = false
	}

	return map[string]any{
		"moving":     moving,
		"flowing":    p.flowing,
		"dispensing": p.dispensing,
		"flow_rate":  p.targetRate,
	}, nil
}

// setFlowRate clamps and stores the target rate, updating the controller
// immediately if flow is in progress. Returns the clamped rate.
func (p *M50Pump) setFlowRate(ctx context.Context, rate float64) (float64, error) {
	rate = clampFlowRate(rate)
	p.targetRate = rate

	if p.flowing {
		if err := p.conn.Send(ctx, fmt.Sprintf("SL %d", p.stepsPerSecond())); err != nil {
			return 0, err
		}
	}
	return rate, nil
}

// startFlow begins continuous flow at the stored target rate.
func (p *M50Pump) startFlow(ctx context.Context) error {
	if err := p.conn.Send(ctx, fmt.Sprintf("SL %d", p.stepsPerSecond())); err != nil {
		return err
	}
	p.flowing = true
	return nil
}

// dispense moves a fixed volume in uL at the stored target rate.
// Negative volumes aspirate.
func (p *M50Pump) dispense(ctx context.Context, vol float64) error {
	steps := int64(vol * p.cal)
	speed := p.stepsPerSecond()
	if speed < 0 {
		speed = -speed
	}
	// A zero speed would start a move that never completes.
	if speed == 0 {
		return fmt.Errorf("%w: flow rate not set", ErrBadCommand)
	}

	if err := p.conn.Send(ctx, fmt.Sprintf("V %d", speed)); err != nil {
		return err
	}
	if err := p.conn.Send(ctx, fmt.Sprintf("MR %d", steps)); err != nil {
		return err
	}
	p.dispensing = true
	return nil
}

// stop halts all pump motion.
func (p *M50Pump) stop(ctx context.Context) error {
	if err := p.conn.Send(ctx, "SL 0"); err != nil {
		return err
	}
	if err := p.conn.Send(ctx, escCommand); err != nil {
		return err
	}
	p.flowing = false
	p.dispensing = false
	return nil
}

// stepsPerSecond converts the target uL/min rate to microsteps/s.
func (p *M50Pump) stepsPerSecond() int64 {
	return int64(p.targetRate / 60.0 * p.cal)
}

// clampFlowRate bounds a requested rate to the M50's envelope:
// at most 25 mL/min continuous, at least 1 uL/min magnitude.
func clampFlowRate(rate float64) float64 {
	switch {
	case rate > maxFlowRate:
		return maxFlowRate
	case rate < -maxFlowRate:
		return -maxFlowRate
	case rate > 0 && rate < minFlowRate:
		return minFlowRate
	case rate < 0 && rate > -minFlowRate:
		return -minFlowRate
	}
	return rate
}

// parseMForceBool parses a 0/1 reply, tolerating echoed command text.
func parseMForceBool(reply string) (bool, error) {
	fields := strings.Fields(reply)
	if len(fields) == 0 {
		return false, fmt.Errorf("empty reply")
	}
	n, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return false, fmt.Errorf("unexpected reply %q", reply)
	}
	return n != 0, nil
}
