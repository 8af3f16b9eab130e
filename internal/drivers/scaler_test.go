package drivers

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/goburrow/modbus"

	"github.com/biocatiit/beamline-control-user/internal/control"
)

// fakeModbus implements the slice of modbus.Client the scaler uses. The
// embedded interface covers the methods the driver never calls.
type fakeModbus struct {
	modbus.Client

	registers      map[uint16]uint16
	status         []uint16 // successive status register reads
	statusIdx      int
	alwaysCounting bool
	counts         []uint32
	readErr        error
	writeErr       error
}

func (f *fakeModbus) WriteSingleRegister(address, value uint16) ([]byte, error) {
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	if f.registers == nil {
		f.registers = make(map[uint16]uint16)
	}
	f.registers[address] = value
	return nil, nil
}

func (f *fakeModbus) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}

	if address == regStatus && quantity == 1 {
		v := uint16(0)
		if f.alwaysCounting {
			v = 1
		} else if f.statusIdx < len(f.status) {
			v = f.status[f.statusIdx]
			f.statusIdx++
		}
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, v)
		return buf, nil
	}

	buf := make([]byte, 0, len(f.counts)*4)
	for _, c := range f.counts {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, c)
		buf = append(buf, b...)
	}
	return buf, nil
}

func testScaler(channels int, client *fakeModbus) *ModbusScaler {
	s := NewModbusScaler(map[string]any{"channels": channels})
	s.client = client
	return s
}

func TestModbusScaler_CountReadsChannels(t *testing.T) {
	fake := &fakeModbus{
		status: []uint16{1, 0}, // one poll mid-count, then gate closed
		counts: []uint32{120, 4500, 7, 0},
	}
	s := testScaler(4, fake)

	payload, err := s.Exec(context.Background(), control.Command{
		Kind: control.KindCustom,
		Args: []any{"count", 0.05},
	})
	if err != nil {
		t.Fatalf("Exec(count) error = %v", err)
	}

	result, ok := payload.(map[string]any)
	if !ok {
		t.Fatalf("payload type = %T", payload)
	}
	counts, ok := result["counts"].([]uint32)
	if !ok || len(counts) != 4 {
		t.Fatalf("counts = %v", result["counts"])
	}
	if counts[1] != 4500 {
		t.Errorf("counts[1] = %d, want 4500", counts[1])
	}
	if result["dwell_time"] != 0.05 {
		t.Errorf("dwell_time = %v, want 0.05", result["dwell_time"])
	}

	if fake.registers[regDwell] != 5 {
		t.Errorf("dwell register = %d ticks, want 5", fake.registers[regDwell])
	}
	if fake.registers[regControl] != 1 {
		t.Errorf("control register = %d, want 1", fake.registers[regControl])
	}
}

func TestModbusScaler_ZeroDwellCountsOneTick(t *testing.T) {
	fake := &fakeModbus{counts: []uint32{0, 0}}
	s := testScaler(2, fake)

	if _, err := s.Exec(context.Background(), control.Command{
		Kind: control.KindCustom,
		Args: []any{"count", 0.0},
	}); err != nil {
		t.Fatalf("Exec(count) error = %v", err)
	}
	if fake.registers[regDwell] != 1 {
		t.Errorf("dwell register = %d ticks, want 1", fake.registers[regDwell])
	}
}

func TestModbusScaler_CountAbortClosesGate(t *testing.T) {
	fake := &fakeModbus{alwaysCounting: true}
	s := testScaler(2, fake)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.Exec(ctx, control.Command{
		Kind: control.KindCustom,
		Args: []any{"count", 10.0},
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Exec(count) error = %v, want deadline exceeded", err)
	}
	if fake.registers[regControl] != 0 {
		t.Errorf("control register = %d, want 0 after abort", fake.registers[regControl])
	}
}

func TestModbusScaler_StopClosesGate(t *testing.T) {
	fake := &fakeModbus{registers: map[uint16]uint16{regControl: 1}}
	s := testScaler(2, fake)

	if _, err := s.Exec(context.Background(), control.Command{Kind: control.KindStop}); err != nil {
		t.Fatalf("Exec(stop) error = %v", err)
	}
	if fake.registers[regControl] != 0 {
		t.Errorf("control register = %d, want 0", fake.registers[regControl])
	}
}

func TestModbusScaler_ReadStatus(t *testing.T) {
	fake := &fakeModbus{status: []uint16{1}}
	s := testScaler(8, fake)

	status, err := s.ReadStatus(context.Background())
	if err != nil {
		t.Fatalf("ReadStatus() error = %v", err)
	}
	if status["counting"] != true {
		t.Errorf("counting = %v, want true", status["counting"])
	}
	if status["channels"] != 8 {
		t.Errorf("channels = %v, want 8", status["channels"])
	}
}

func TestModbusScaler_TransportErrorsWrapProtocol(t *testing.T) {
	fake := &fakeModbus{readErr: errors.New("crc mismatch")}
	s := testScaler(2, fake)

	if _, err := s.ReadStatus(context.Background()); !errors.Is(err, control.ErrProtocol) {
		t.Errorf("ReadStatus() error = %v, want ErrProtocol", err)
	}

	fake = &fakeModbus{writeErr: errors.New("timeout")}
	s = testScaler(2, fake)
	if _, err := s.Exec(context.Background(), control.Command{
		Kind: control.KindCustom,
		Args: []any{"count", 1.0},
	}); !errors.Is(err, control.ErrProtocol) {
		t.Errorf("Exec(count) error = %v, want ErrProtocol", err)
	}
}

func TestModbusScaler_RejectsUnknownOperation(t *testing.T) {
	s := testScaler(2, &fakeModbus{})

	if _, err := s.Exec(context.Background(), control.Command{
		Kind: control.KindCustom,
		Args: []any{"calibrate"},
	}); !errors.Is(err, ErrBadCommand) {
		t.Errorf("Exec(calibrate) error = %v, want ErrBadCommand", err)
	}
}

func TestModbusScaler_NotConnected(t *testing.T) {
	s := NewModbusScaler(nil)

	if _, err := s.Exec(context.Background(), control.Command{Kind: control.KindStop}); !errors.Is(err, control.ErrConnection) {
		t.Errorf("Exec() error = %v, want ErrConnection", err)
	}
	if _, err := s.ReadStatus(context.Background()); !errors.Is(err, control.ErrConnection) {
		t.Errorf("ReadStatus() error = %v, want ErrConnection", err)
	}
}

func TestModbusScaler_RejectsOversizedDwell(t *testing.T) {
	fake := &fakeModbus{}
	s := testScaler(2, fake)

	for _, dwell := range []float64{700.0, -1.0} {
		if _, err := s.Exec(context.Background(), control.Command{
			Kind: control.KindCustom,
			Args: []any{"count", dwell},
		}); !errors.Is(err, ErrBadCommand) {
			t.Errorf("Exec(count, %g) error = %v, want ErrBadCommand", dwell, err)
		}
	}
	if len(fake.registers) != 0 {
		t.Errorf("registers written for rejected dwell: %v", fake.registers)
	}
}
