package drivers

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/biocatiit/beamline-control-user/internal/control"
)

// fakeLineConn is a scripted serial connection shared by the serial
// driver tests. Sends are recorded; Exchange pops replies in order.
type fakeLineConn struct {
	sent    []string
	replies []string
	closed  bool
}

func (f *fakeLineConn) Send(ctx context.Context, cmd string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeLineConn) Exchange(ctx context.Context, cmd string) (string, error) {
	if err := f.Send(ctx, cmd); err != nil {
		return "", err
	}
	if len(f.replies) == 0 {
		return "", fmt.Errorf("no scripted reply for %q", cmd)
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return reply, nil
}

func (f *fakeLineConn) Close() error {
	f.closed = true
	return nil
}

func testPump(conn lineConn) *M50Pump {
	p := NewM50Pump(map[string]any{})
	p.conn = conn
	return p
}

func TestM50Pump_SetFlowRate(t *testing.T) {
	tests := []struct {
		name string
		rate float64
		want float64
	}{
		{"normal rate", 5000, 5000},
		{"clamped to max", 30000, 25000},
		{"clamped to negative max", -30000, -25000},
		{"raised to min", 0.5, 1},
		{"raised to negative min", -0.5, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &fakeLineConn{}
			p := testPump(conn)

			got, err := p.Exec(context.Background(),
				control.NewCommand("pumpA", control.KindSetParam, "flow_rate", tt.rate))
			if err != nil {
				t.Fatalf("Exec() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Exec() = %v, want %v", got, tt.want)
			}
			// Not flowing, so no command goes to the controller.
			if len(conn.sent) != 0 {
				t.Errorf("sent %v, want no commands while idle", conn.sent)
			}
		})
	}
}

func TestM50Pump_SetFlowRateWhileFlowing(t *testing.T) {
	conn := &fakeLineConn{}
	p := testPump(conn)
	ctx := context.Background()

	if _, err := p.Exec(ctx, control.NewCommand("pumpA", control.KindSetParam, "flow_rate", 6000.0)); err != nil {
		t.Fatalf("set flow_rate error = %v", err)
	}
	if _, err := p.Exec(ctx, control.NewCommand("pumpA", control.KindCustom, "start_flow")); err != nil {
		t.Fatalf("start_flow error = %v", err)
	}

	conn.sent = nil
	if _, err := p.Exec(ctx, control.NewCommand("pumpA", control.KindSetParam, "flow_rate", 12000.0)); err != nil {
		t.Fatalf("second set flow_rate error = %v", err)
	}

	// 12000 uL/min = 200 uL/s * (51200/628) steps/uL = 16305 steps/s.
	if len(conn.sent) != 1 || conn.sent[0] != "SL 16305" {
		t.Errorf("sent %v, want [SL 16305]", conn.sent)
	}
}

func TestM50Pump_Dispense(t *testing.T) {
	conn := &fakeLineConn{}
	p := testPump(conn)
	ctx := context.Background()

	if _, err := p.Exec(ctx, control.NewCommand("pumpA", control.KindSetParam, "flow_rate", 6000.0)); err != nil {
		t.Fatalf("set flow_rate error = %v", err)
	}
	if _, err := p.Exec(ctx, control.NewCommand("pumpA", control.KindMove, 100.0)); err != nil {
		t.Fatalf("dispense error = %v", err)
	}

	// 100 uL * (51200/628) steps/uL = 8152 steps.
	// 6000 uL/min = 100 uL/s -> 8152 steps/s.
	want := []string{"V 8152", "MR 8152"}
	if len(conn.sent) != 2 || conn.sent[0] != want[0] || conn.sent[1] != want[1] {
		t.Errorf("sent %v, want %v", conn.sent, want)
	}
}

func TestM50Pump_AspirateMovesBackward(t *testing.T) {
	conn := &fakeLineConn{}
	p := testPump(conn)
	ctx := context.Background()

	if _, err := p.Exec(ctx, control.NewCommand("pumpA", control.KindSetParam, "flow_rate", 6000.0)); err != nil {
		t.Fatalf("set flow_rate error = %v", err)
	}
	if _, err := p.Exec(ctx, control.NewCommand("pumpA", control.KindCustom, "aspirate", 100.0)); err != nil {
		t.Fatalf("aspirate error = %v", err)
	}

	want := []string{"V 8152", "MR -8152"}
	if len(conn.sent) != 2 || conn.sent[0] != want[0] || conn.sent[1] != want[1] {
		t.Errorf("sent %v, want %v", conn.sent, want)
	}
}

func TestM50Pump_Stop(t *testing.T) {
	conn := &fakeLineConn{}
	p := testPump(conn)
	ctx := context.Background()

	if _, err := p.Exec(ctx, control.NewCommand("pumpA", control.KindCustom, "start_flow")); err != nil {
		t.Fatalf("start_flow error = %v", err)
	}

	conn.sent = nil
	if _, err := p.Exec(ctx, control.NewCommand("pumpA", control.KindStop)); err != nil {
		t.Fatalf("stop error = %v", err)
	}

	if len(conn.sent) != 2 || conn.sent[0] != "SL 0" || conn.sent[1] != escCommand {
		t.Errorf("sent %q, want [SL 0, ESC]", conn.sent)
	}
	if p.flowing {
		t.Error("flowing = true after stop")
	}
}

func TestM50Pump_ReadStatus(t *testing.T) {
	conn := &fakeLineConn{replies: []string{"PR MV 1"}}
	p := testPump(conn)

	status, err := p.ReadStatus(context.Background())
	if err != nil {
		t.Fatalf("ReadStatus() error = %v", err)
	}
	if status["moving"] != true {
		t.Errorf("moving = %v, want true", status["moving"])
	}
}

func TestM50Pump_ReadStatusBadReply(t *testing.T) {
	conn := &fakeLineConn{replies: []string{"garbage"}}
	p := testPump(conn)

	if _, err := p.ReadStatus(context.Background()); !errors.Is(err, control.ErrProtocol) {
		t.Errorf("ReadStatus() error = %v, want ErrProtocol", err)
	}
}

func TestM50Pump_NotConnected(t *testing.T) {
	p := NewM50Pump(map[string]any{})

	if _, err := p.Exec(context.Background(), control.NewCommand("pumpA", control.KindStop)); !errors.Is(err, control.ErrConnection) {
		t.Errorf("Exec() error = %v, want ErrConnection", err)
	}
	if _, err := p.ReadStatus(context.Background()); !errors.Is(err, control.ErrConnection) {
		t.Errorf("ReadStatus() error = %v, want ErrConnection", err)
	}
}

func TestParseMForceBool(t *testing.T) {
	tests := []struct {
		reply   string
		want    bool
		wantErr bool
	}{
		{"0", false, false},
		{"1", true, false},
		{"PR MV 1", true, false}, // echoed command
		{"", false, true},
		{"nonsense", false, true},
	}

	for _, tt := range tests {
		got, err := parseMForceBool(tt.reply)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseMForceBool(%q) error = %v, wantErr %v", tt.reply, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("parseMForceBool(%q) = %v, want %v", tt.reply, got, tt.want)
		}
	}
}

func TestM50Pump_DispenseWithoutFlowRate(t *testing.T) {
	conn := &fakeLineConn{}
	p := testPump(conn)

	_, err := p.Exec(context.Background(),
		control.NewCommand("pumpA", control.KindMove, 100.0))
	if !errors.Is(err, ErrBadCommand) {
		t.Fatalf("dispense with no flow rate error = %v, want ErrBadCommand", err)
	}
	if len(conn.sent) != 0 {
		t.Errorf("commands sent before a rate was set: %v", conn.sent)
	}
}
