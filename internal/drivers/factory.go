package drivers

import (
	"fmt"

	"github.com/biocatiit/beamline-control-user/internal/control"
	"github.com/biocatiit/beamline-control-user/internal/instrument"
)

// New builds a driver for the given catalogue kind. It satisfies
// control.DriverFactory.
func New(kind string, settings map[string]any) (control.Driver, error) {
	switch instrument.Kind(kind) {
	case instrument.KindPumpM50:
		return NewM50Pump(settings), nil
	case instrument.KindFlowMeterBFS:
		return NewBFSFlowMeter(settings), nil
	case instrument.KindScalerModbus:
		return NewModbusScaler(settings), nil
	case instrument.KindMotorXPS:
		return NewXPSMotor(settings), nil
	case instrument.KindValveRheodyne:
		return NewRheodyneValve(settings), nil
	case instrument.KindValveCheminert:
		return NewCheminertValve(settings), nil
	case instrument.KindSimPump:
		return NewSimPump(settings), nil
	case instrument.KindSimFlowMeter:
		return NewSimFlowMeter(settings), nil
	case instrument.KindSimScaler:
		return NewSimScaler(settings), nil
	case instrument.KindSimMotor:
		return NewSimMotor(settings), nil
	case instrument.KindSimValve:
		return NewSimValve(settings), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
