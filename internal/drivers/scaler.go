package drivers

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/goburrow/modbus"

	"github.com/biocatiit/beamline-control-user/internal/control"
)

// Scaler register map.
const (
	// regControl starts (1) or stops (0) a count when written.
	regControl = 0

	// regDwell holds the count time in 10 ms ticks.
	regDwell = 1

	// regStatus reads non-zero while a count is in progress.
	regStatus = 0

	// regCountsBase is the first channel count register. Each channel
	// occupies two registers, big-endian uint32.
	regCountsBase = 10

	// countPollInterval is how often a running count is checked for
	// completion.
	countPollInterval = 20 * time.Millisecond

	defaultScalerChannels = 8
	defaultModbusTimeout  = 5 * time.Second
)

// ModbusScaler reads a counting scaler over Modbus RTU or TCP.
//
// A count is started by writing the dwell time and pulsing the control
// register; the driver then polls the status register until the gate
// closes and reads back all channel counts.
type ModbusScaler struct {
	settings map[string]any
	client   modbus.Client
	closer   io.Closer
	channels int
}

// NewModbusScaler builds a scaler driver from catalogue settings.
// Recognised keys: port+baud_rate+parity (RTU) or host+tcp_port (TCP),
// slave_id, channels.
func NewModbusScaler(settings map[string]any) *ModbusScaler {
	return &ModbusScaler{
		settings: settings,
		channels: intSettingDefault(settings, "channels", defaultScalerChannels),
	}
}

// Connect establishes the Modbus connection. A host setting selects TCP;
// otherwise the port setting names a serial device for RTU.
func (s *ModbusScaler) Connect(ctx context.Context) error {
	if host, err := stringSetting(s.settings, "host"); err == nil {
		handler := modbus.NewTCPClientHandler(
			fmt.Sprintf("%s:%d", host, intSettingDefault(s.settings, "tcp_port", 502)))
		handler.Timeout = defaultModbusTimeout
		handler.SlaveId = byte(intSettingDefault(s.settings, "slave_id", 1))

		if err := handler.Connect(); err != nil {
			return fmt.Errorf("%w: connecting TCP scaler: %v", control.ErrConnection, err)
		}
		s.client = modbus.NewClient(handler)
		s.closer = handler
		return nil
	}

	port, err := stringSetting(s.settings, "port")
	if err != nil {
		return err
	}

	handler := modbus.NewRTUClientHandler(port)
	handler.BaudRate = intSettingDefault(s.settings, "baud_rate", 19200)
	handler.DataBits = intSettingDefault(s.settings, "data_bits", 8)
	handler.StopBits = intSettingDefault(s.settings, "stop_bits", 1)
	handler.Parity = stringSettingDefault(s.settings, "parity", "N")
	handler.SlaveId = byte(intSettingDefault(s.settings, "slave_id", 1))
	handler.Timeout = defaultModbusTimeout

	if err := handler.Connect(); err != nil {
		return fmt.Errorf("%w: connecting RTU scaler: %v", control.ErrConnection, err)
	}
	s.client = modbus.NewClient(handler)
	s.closer = handler
	return nil
}

// Disconnect closes the Modbus connection.
func (s *ModbusScaler) Disconnect(ctx context.Context) error {
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.client = nil
	s.closer = nil
	return err
}

// Exec dispatches scaler commands.
//
//	KindCustom: ("count", dwell seconds) blocking count, returns counts
//	KindStop:   abort a running count
func (s *ModbusScaler) Exec(ctx context.Context, cmd control.Command) (any, error) {
	if s.client == nil {
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
		return s.count(ctx, dwell)

	case control.KindStop:
		if _, err := s.client.WriteSingleRegister(regControl, 0); err != nil {
			return nil, fmt.Errorf("%w: stopping count: %v", control.ErrProtocol, err)
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrBadCommand, cmd.Kind)
	}
}

// ReadStatus reports whether a count is in progress.
func (s *ModbusScaler) ReadStatus(ctx context.Context) (map[string]any, error) {
	if s.client == nil {
		return nil, control.ErrConnection
	}
	counting, err := s.counting()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"counting": counting,
		"channels": s.channels,
	}, nil
}

// count clears the scaler, gates for the dwell time and returns the
// channel counts. The dwell is enforced by the scaler's own gate; the
// driver polls for completion so the context can abort a stuck count.
func (s *ModbusScaler) count(ctx context.Context, dwell float64) (map[string]any, error) {
	// The dwell register is 16 bits of 10 ms ticks.
	if dwell < 0 || dwell*100 > 65535 {
		return nil, fmt.Errorf("%w: dwell %gs outside 0-655.35s", ErrBadCommand, dwell)
	}
	ticks := uint16(dwell * 100) // 10 ms ticks
	if ticks == 0 {
		ticks = 1
	}

	if _, err := s.client.WriteSingleRegister(regDwell, ticks); err != nil {
		return nil, fmt.Errorf("%w: setting dwell: %v", control.ErrProtocol, err)
	}
	if _, err := s.client.WriteSingleRegister(regControl, 1); err != nil {
		return nil, fmt.Errorf("%w: starting count: %v", control.ErrProtocol, err)
	}

	for {
		select {
		case <-ctx.Done():
			// Best effort gate close before giving up.
			s.client.WriteSingleRegister(regControl, 0) //nolint:errcheck // already failing
			return nil, ctx.Err()
		case <-time.After(countPollInterval):
		}

		counting, err := s.counting()
		if err != nil {
			return nil, err
		}
		if !counting {
			break
		}
	}

	counts, err := s.readCounts()
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"counts":     counts,
		"dwell_time": dwell,
	}, nil
}

// counting reads the status register.
func (s *ModbusScaler) counting() (bool, error) {
	data, err := s.client.ReadInputRegisters(regStatus, 1)
	if err != nil {
		return false, fmt.Errorf("%w: reading status: %v", control.ErrProtocol, err)
	}
	if len(data) < 2 {
		return false, fmt.Errorf("%w: short status reply", control.ErrProtocol)
	}
	return binary.BigEndian.Uint16(data) != 0, nil
}

// readCounts reads all channel registers in one request.
func (s *ModbusScaler) readCounts() ([]uint32, error) {
	quantity := uint16(s.channels * 2) //nolint:gosec // channel count is small
	data, err := s.client.ReadInputRegisters(regCountsBase, quantity)
	if err != nil {
		return nil, fmt.Errorf("%w: reading counts: %v", control.ErrProtocol, err)
	}
	if len(data) < int(quantity)*2 {
		return nil, fmt.Errorf("%w: short counts reply", control.ErrProtocol)
	}

	counts := make([]uint32, s.channels)
	for i := range counts {
		counts[i] = binary.BigEndian.Uint32(data[i*4 : i*4+4])
	}
	return counts, nil
}
