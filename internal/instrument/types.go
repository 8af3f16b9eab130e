package instrument

import "time"

// Instrument represents a single controllable beamline instrument.
// This matches the instruments table created by the initial schema migration.
type Instrument struct {
	// Identity
	ID   string `json:"id"`
	Name string `json:"name"`

	// Kind selects the driver used to talk to the hardware.
	Kind Kind `json:"kind"`

	// Settings holds driver-specific connection parameters as a JSON map.
	//
	// Examples:
	//
	//	VICI M50 pump: {"port": "/dev/ttyUSB0", "baud_rate": 9600, "flow_cal": 628.0}
	//	BFS flow meter: {"port": "/dev/ttyUSB1", "baud_rate": 38400}
	//	Modbus scaler: {"port": "/dev/ttyUSB2", "slave_id": 1, "channels": 8}
	//	XPS motor: {"host": "164.54.204.74", "port": 5001, "group": "GROUP1.POSITIONER"}
	Settings Settings `json:"settings"`

	// Enabled controls whether the instrument is opened at startup.
	Enabled bool `json:"enabled"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Settings holds driver-specific connection parameters as a JSON map.
type Settings map[string]any

// DeepCopy creates a complete independent copy of the Instrument.
// The settings map is cloned so modifications to the copy do not affect
// the original. This is essential for cache isolation.
func (i *Instrument) DeepCopy() *Instrument {
	if i == nil {
		return nil
	}

	cpy := *i
	cpy.Settings = deepCopyMap(i.Settings)
	return &cpy
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		// Primitives (string, bool, int, float64, etc.) are safe to copy by value
		return v
	}
}

// Kind identifies the driver used for an instrument.
type Kind string

// Hardware driver kinds.
const (
	// KindPumpM50 is a VICI M50 continuous-flow syringe pump driven by an
	// MForce controller over RS-232.
	KindPumpM50 Kind = "vici_m50"

	// KindFlowMeterBFS is a Bronkhorst BFS coriolis flow sensor over RS-232.
	KindFlowMeterBFS Kind = "bfs"

	// KindScalerModbus is a counting scaler read over Modbus RTU.
	KindScalerModbus Kind = "modbus_scaler"

	// KindMotorXPS is a Newport XPS motor stage controlled over TCP.
	KindMotorXPS Kind = "xps_motor"

	// KindValveRheodyne is a Rheodyne multi-position switching valve
	// over RS-232.
	KindValveRheodyne Kind = "rheodyne_valve"

	// KindValveCheminert is a VICI Cheminert multi-position switching
	// valve over RS-232.
	KindValveCheminert Kind = "cheminert_valve"
)

// Simulated driver kinds for development and testing without hardware.
const (
	KindSimPump      Kind = "sim_pump"
	KindSimFlowMeter Kind = "sim_flowmeter"
	KindSimScaler    Kind = "sim_scaler"
	KindSimMotor     Kind = "sim_motor"
	KindSimValve     Kind = "sim_valve"
)

// AllKinds returns all valid driver kind values.
func AllKinds() []Kind {
	return []Kind{
		KindPumpM50, KindFlowMeterBFS, KindScalerModbus, KindMotorXPS,
		KindValveRheodyne, KindValveCheminert,
		KindSimPump, KindSimFlowMeter, KindSimScaler, KindSimMotor,
		KindSimValve,
	}
}
