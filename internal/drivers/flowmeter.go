package drivers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/biocatiit/beamline-control-user/internal/control"
)

// Flow unit multipliers relative to the sensor's native uL/min.
var flowUnitMult = map[string]float64{
	"uL/min": 1,
	"mL/min": 0.001,
	"nL/min": 1000,
}

// BFSFlowMeter reads a Bronkhorst BFS coriolis flow sensor over RS-232.
//
// The sensor answers single-line ASCII queries: FLOW?, DENS? and TEMP?
// return floats; FILT=<v> sets the measurement smoothing factor
// (1 = minimum filtering, 0.00001 = maximum).
type BFSFlowMeter struct {
	settings map[string]any
	conn     lineConn

	// filter is the smoothing factor currently programmed on the sensor.
	filter float64

	// units is the reporting unit for flow rate, uL/min by default.
	units string
}

// NewBFSFlowMeter builds a flow meter driver from catalogue settings.
// Recognised keys beyond the serial ones: filter, units.
func NewBFSFlowMeter(settings map[string]any) *BFSFlowMeter {
	units := stringSettingDefault(settings, "units", "uL/min")
	if _, ok := flowUnitMult[units]; !ok {
		units = "uL/min"
	}
	return &BFSFlowMeter{
		settings: settings,
		filter:   floatSettingDefault(settings, "filter", 1),
		units:    units,
	}
}

// Connect opens the serial port and programs the configured filter.
func (f *BFSFlowMeter) Connect(ctx context.Context) error {
	conn, err := openSerialLine(f.settings, "\r\n", 9600)
	if err != nil {
		return fmt.Errorf("%w: %v", control.ErrConnection, err)
	}
	f.conn = conn

	if err := f.setFilter(ctx, f.filter); err != nil {
		f.conn.Close()
		f.conn = nil
		return fmt.Errorf("%w: programming filter: %v", control.ErrConnection, err)
	}
	return nil
}

// Disconnect closes the serial port.
func (f *BFSFlowMeter) Disconnect(ctx context.Context) error {
	if f.conn == nil {
		return nil
	}
	err := f.conn.Close()
	f.conn = nil
	return err
}

// Exec dispatches flow meter commands.
//
//	KindSetParam: ("filter", v) or ("units", "uL/min"|"mL/min"|"nL/min")
//	KindCustom:   ("read_all") flow, density and temperature in one shot
func (f *BFSFlowMeter) Exec(ctx context.Context, cmd control.Command) (any, error) {
	if f.conn == nil {
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
			return nil, f.setFilter(ctx, v)
		case "units":
			units, err := argString(cmd.Args, 1)
			if err != nil {
				return nil, err
			}
			if _, ok := flowUnitMult[units]; !ok {
				return nil, fmt.Errorf("%w: unknown units %q", ErrBadCommand, units)
			}
			f.units = units
			return nil, nil
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
		return f.readAll(ctx)

	default:
		return nil, fmt.Errorf("%w: %s", ErrBadCommand, cmd.Kind)
	}
}

// ReadStatus returns the current flow rate, density and temperature.
func (f *BFSFlowMeter) ReadStatus(ctx context.Context) (map[string]any, error) {
	if f.conn == nil {
		return nil, control.ErrConnection
	}
	return f.readAll(ctx)
}

// readAll queries flow, density and temperature in sequence.
func (f *BFSFlowMeter) readAll(ctx context.Context) (map[string]any, error) {
	flow, err := f.query(ctx, "FLOW?")
	if err != nil {
		return nil, err
	}
	density, err := f.query(ctx, "DENS?")
	if err != nil {
		return nil, err
	}
	temperature, err := f.query(ctx, "TEMP?")
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"flow_rate":   flow * flowUnitMult[f.units],
		"density":     density,
		"temperature": temperature,
		"units":       f.units,
	}, nil
}

// query sends a question and parses the float reply.
func (f *BFSFlowMeter) query(ctx context.Context, q string) (float64, error) {
	reply, err := f.conn.Exchange(ctx, q)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(reply), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: unexpected reply %q to %s", control.ErrProtocol, reply, q)
	}
	return v, nil
}

// setFilter programs the smoothing factor on the sensor.
func (f *BFSFlowMeter) setFilter(ctx context.Context, v float64) error {
	if err := f.conn.Send(ctx, fmt.Sprintf("FILT=%g", v)); err != nil {
		return err
	}
	f.filter = v
	return nil
}
