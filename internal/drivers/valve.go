package drivers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/biocatiit/beamline-control-user/internal/control"
)

// defaultValvePositions is the port count assumed when the catalogue
// does not specify one.
const defaultValvePositions = 6

// rheodyneFaults maps the status codes a Rheodyne controller returns in
// place of a position.
var rheodyneFaults = map[int]string{
	99: "valve failure",
	88: "non-volatile memory error",
	77: "valve configuration or command mode error",
	66: "valve positioning error",
	55: "data integrity error",
	44: "data CRC error",
}

// RheodyneValve drives a Rheodyne multi-position switching valve
// speaking the TitanHP ASCII protocol over RS-232. Commands and replies
// are terminated by a bare carriage return.
type RheodyneValve struct {
	settings  map[string]any
	conn      lineConn
	positions int
}

// NewRheodyneValve builds a valve driver from catalogue settings.
// Recognised keys beyond the serial ones: positions (port count).
func NewRheodyneValve(settings map[string]any) *RheodyneValve {
	return &RheodyneValve{
		settings:  settings,
		positions: intSettingDefault(settings, "positions", defaultValvePositions),
	}
}

// Connect opens the serial port and homes the valve. The home command
// produces no reply.
func (v *RheodyneValve) Connect(ctx context.Context) error {
	conn, err := openSerialLine(v.settings, "\r", 19200)
	if err != nil {
		return fmt.Errorf("%w: %v", control.ErrConnection, err)
	}
	v.conn = conn

	if err := v.conn.Send(ctx, "M"); err != nil {
		v.conn.Close()
		v.conn = nil
		return fmt.Errorf("%w: homing valve: %v", control.ErrConnection, err)
	}
	return nil
}

// Disconnect closes the serial port.
func (v *RheodyneValve) Disconnect(ctx context.Context) error {
	if v.conn == nil {
		return nil
	}
	err := v.conn.Close()
	v.conn = nil
	return err
}

// Exec dispatches valve commands.
//
//	KindMove:   (position 1..N) switch to the given port
//	KindStop:   no-op; a switch cannot be interrupted
//	KindCustom: ("home") re-home the valve
func (v *RheodyneValve) Exec(ctx context.Context, cmd control.Command) (any, error) {
	if v.conn == nil {
		return nil, control.ErrConnection
	}

	switch cmd.Kind {
	case control.KindMove:
		pos, err := argFloat(cmd.Args, 0)
		if err != nil {
			return nil, err
		}
		return nil, v.setPosition(ctx, int(pos))

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
		return nil, v.conn.Send(ctx, "M")

	default:
		return nil, fmt.Errorf("%w: %s", ErrBadCommand, cmd.Kind)
	}
}

// ReadStatus queries the current port.
func (v *RheodyneValve) ReadStatus(ctx context.Context) (map[string]any, error) {
	if v.conn == nil {
		return nil, control.ErrConnection
	}

	pos, err := v.position(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"position":  pos,
		"positions": v.positions,
	}, nil
}

// setPosition switches the valve to a port. The controller takes the
// target as a hex digit pair and answers with an asterisk on failure.
func (v *RheodyneValve) setPosition(ctx context.Context, pos int) error {
	if pos < 1 || pos > v.positions {
		return fmt.Errorf("%w: position %d outside 1-%d", ErrBadCommand, pos, v.positions)
	}

	reply, err := v.conn.Exchange(ctx, fmt.Sprintf("P%02X", pos))
	if err != nil {
		return err
	}
	if strings.Contains(reply, "*") {
		return fmt.Errorf("%w: valve rejected position %d", control.ErrProtocol, pos)
	}
	return nil
}

// position reads the status register. The reply is a hex number: a
// value within the port range is the current position, anything else is
// a fault code.
func (v *RheodyneValve) position(ctx context.Context) (int, error) {
	reply, err := v.conn.Exchange(ctx, "S")
	if err != nil {
		return 0, err
	}

	val, err := strconv.ParseInt(strings.TrimSpace(reply), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: unexpected status %q", control.ErrProtocol, reply)
	}
	if int(val) > v.positions {
		fault, ok := rheodyneFaults[int(val)]
		if !ok {
			fault = fmt.Sprintf("unknown status %d", val)
		}
		return 0, fmt.Errorf("%w: %s", control.ErrDeviceFaulted, fault)
	}
	return int(val), nil
}

// CheminertValve drives a VICI Cheminert multi-position switching valve
// over RS-232. Commands and replies are terminated by a bare carriage
// return.
type CheminertValve struct {
	settings  map[string]any
	conn      lineConn
	positions int
}

// NewCheminertValve builds a valve driver from catalogue settings.
// Recognised keys beyond the serial ones: positions (port count).
func NewCheminertValve(settings map[string]any) *CheminertValve {
	return &CheminertValve{
		settings:  settings,
		positions: intSettingDefault(settings, "positions", defaultValvePositions),
	}
}

// Connect opens the serial port.
func (v *CheminertValve) Connect(ctx context.Context) error {
	conn, err := openSerialLine(v.settings, "\r", 9600)
	if err != nil {
		return fmt.Errorf("%w: %v", control.ErrConnection, err)
	}
	v.conn = conn
	return nil
}

// Disconnect closes the serial port.
func (v *CheminertValve) Disconnect(ctx context.Context) error {
	if v.conn == nil {
		return nil
	}
	err := v.conn.Close()
	v.conn = nil
	return err
}

// Exec dispatches valve commands.
//
//	KindMove: (position 1..N) switch to the given port
//	KindStop: no-op; a switch cannot be interrupted
func (v *CheminertValve) Exec(ctx context.Context, cmd control.Command) (any, error) {
	if v.conn == nil {
		return nil, control.ErrConnection
	}

	switch cmd.Kind {
	case control.KindMove:
		pos, err := argFloat(cmd.Args, 0)
		if err != nil {
			return nil, err
		}
		return nil, v.setPosition(ctx, int(pos))

	case control.KindStop:
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrBadCommand, cmd.Kind)
	}
}

// ReadStatus queries the current port.
func (v *CheminertValve) ReadStatus(ctx context.Context) (map[string]any, error) {
	if v.conn == nil {
		return nil, control.ErrConnection
	}

	reply, err := v.conn.Exchange(ctx, "CP")
	if err != nil {
		return nil, err
	}
	// The actuator echoes the command, e.g. "CP01".
	pos, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(reply), "CP"))
	if err != nil {
		return nil, fmt.Errorf("%w: unexpected position %q", control.ErrProtocol, reply)
	}
	return map[string]any{
		"position":  pos,
		"positions": v.positions,
	}, nil
}

func (v *CheminertValve) setPosition(ctx context.Context, pos int) error {
	if pos < 1 || pos > v.positions {
		return fmt.Errorf("%w: position %d outside 1-%d", ErrBadCommand, pos, v.positions)
	}
	return v.conn.Send(ctx, fmt.Sprintf("GO%d", pos))
}
