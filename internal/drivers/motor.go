package drivers

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/biocatiit/beamline-control-user/internal/control"
)

// XPS protocol constants.
const (
	// endOfAPI terminates every controller response.
	endOfAPI = ",EndOfAPI"

	// xpsErrNotAllowed is returned by GroupInitialize when the group is
	// already initialised. Harmless on reconnect.
	xpsErrNotAllowed = -22

	// Group status codes indicating motion in progress.
	xpsStatusMoving  = 43
	xpsStatusJogging = 44

	defaultXPSPort    = 5001
	defaultXPSTimeout = 30 * time.Second
)

// XPSMotor drives one positioner on a Newport XPS motion controller.
//
// The XPS speaks ASCII function calls over TCP: the client writes
// "GroupMoveAbsolute(GROUP.POSITIONER,10.5)" and the controller answers
// "0,,EndOfAPI" once the move completes. Moves therefore block on the
// wire, which suits the one-command-at-a-time worker model.
type XPSMotor struct {
	settings   map[string]any
	conn       net.Conn
	positioner string
	group      string
}

// NewXPSMotor builds a motor driver from catalogue settings.
// Recognised keys: host, tcp_port, positioner (GROUP.POSITIONER),
// initialize (home the group on connect).
func NewXPSMotor(settings map[string]any) *XPSMotor {
	positioner := stringSettingDefault(settings, "positioner", "")
	group, _, _ := strings.Cut(positioner, ".")
	return &XPSMotor{
		settings:   settings,
		positioner: positioner,
		group:      group,
	}
}

// Connect dials the controller and verifies it answers. When the
// initialize setting is true the group is initialised and homed, which
// is required after a controller reboot.
func (m *XPSMotor) Connect(ctx context.Context) error {
	if m.positioner == "" {
		return fmt.Errorf("%w: missing \"positioner\"", ErrBadSettings)
	}

	host, err := stringSetting(m.settings, "host")
	if err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%d", host, intSettingDefault(m.settings, "tcp_port", defaultXPSPort))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: dialing XPS at %s: %v", control.ErrConnection, addr, err)
	}
	m.conn = conn

	// Handshake: any valid function call proves the controller is alive.
	if _, _, err := m.call(ctx, "FirmwareVersionGet(char *)"); err != nil {
		m.conn.Close()
		m.conn = nil
		return fmt.Errorf("%w: XPS handshake: %v", control.ErrConnection, err)
	}

	if v, ok := m.settings["initialize"].(bool); ok && v {
		if err := m.initializeGroup(ctx); err != nil {
			m.conn.Close()
			m.conn = nil
			return err
		}
	}

	return nil
}

// Disconnect closes the TCP connection.
func (m *XPSMotor) Disconnect(ctx context.Context) error {
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	return err
}

// Exec dispatches motor commands.
//
//	KindMove: (position) absolute move, blocks until the move completes
//	KindStop: abort the current move
func (m *XPSMotor) Exec(ctx context.Context, cmd control.Command) (any, error) {
	if m.conn == nil {
		return nil, control.ErrConnection
	}

	switch cmd.Kind {
	case control.KindMove:
		pos, err := argFloat(cmd.Args, 0)
		if err != nil {
			return nil, err
		}
		if err := m.moveAbsolute(ctx, pos); err != nil {
			return nil, err
		}
		// Report the settled position.
		return m.position(ctx)

	case control.KindStop:
		code, _, err := m.call(ctx, fmt.Sprintf("GroupMoveAbort(%s)", m.group))
		if err != nil {
			return nil, err
		}
		// Aborting an idle group is not an error worth surfacing.
		if code != 0 && code != xpsErrNotAllowed {
			return nil, fmt.Errorf("%w: GroupMoveAbort returned %d", control.ErrProtocol, code)
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrBadCommand, cmd.Kind)
	}
}

// ReadStatus reports position and motion state.
func (m *XPSMotor) ReadStatus(ctx context.Context) (map[string]any, error) {
	if m.conn == nil {
		return nil, control.ErrConnection
	}

	pos, err := m.position(ctx)
	if err != nil {
		return nil, err
	}

	status, err := m.callInt(ctx, fmt.Sprintf("GroupStatusGet(%s,int *)", m.group))
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"position":    pos,
		"status_code": status,
		"moving":      status == xpsStatusMoving || status == xpsStatusJogging,
	}, nil
}

// initializeGroup initialises and homes the group. Tolerates the
// already-initialised error so reconnects are idempotent.
func (m *XPSMotor) initializeGroup(ctx context.Context) error {
	code, _, err := m.call(ctx, fmt.Sprintf("GroupInitialize(%s)", m.group))
	if err != nil {
		return fmt.Errorf("%w: GroupInitialize: %v", control.ErrConnection, err)
	}
	if code != 0 && code != xpsErrNotAllowed {
		return fmt.Errorf("%w: GroupInitialize returned %d", control.ErrProtocol, code)
	}
	if code == 0 {
		// Freshly initialised groups must home before accepting moves.
		homeCode, _, err := m.call(ctx, fmt.Sprintf("GroupHomeSearch(%s)", m.group))
		if err != nil {
			return fmt.Errorf("%w: GroupHomeSearch: %v", control.ErrConnection, err)
		}
		if homeCode != 0 {
			return fmt.Errorf("%w: GroupHomeSearch returned %d", control.ErrProtocol, homeCode)
		}
	}
	return nil
}

// moveAbsolute issues a blocking absolute move.
func (m *XPSMotor) moveAbsolute(ctx context.Context, pos float64) error {
	code, _, err := m.call(ctx, fmt.Sprintf("GroupMoveAbsolute(%s,%g)", m.positioner, pos))
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%w: GroupMoveAbsolute returned %d", control.ErrProtocol, code)
	}
	return nil
}

// position queries the current positioner position.
func (m *XPSMotor) position(ctx context.Context) (float64, error) {
	code, rest, err := m.call(ctx, fmt.Sprintf("GroupPositionCurrentGet(%s,double *)", m.positioner))
	if err != nil {
		return 0, err
	}
	if code != 0 {
		return 0, fmt.Errorf("%w: GroupPositionCurrentGet returned %d", control.ErrProtocol, code)
	}
	pos, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: unexpected position %q", control.ErrProtocol, rest)
	}
	return pos, nil
}

// callInt runs a function returning a single integer value.
func (m *XPSMotor) callInt(ctx context.Context, fn string) (int, error) {
	code, rest, err := m.call(ctx, fn)
	if err != nil {
		return 0, err
	}
	if code != 0 {
		return 0, fmt.Errorf("%w: %s returned %d", control.ErrProtocol, fn, code)
	}
	v, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0, fmt.Errorf("%w: unexpected reply %q", control.ErrProtocol, rest)
	}
	return v, nil
}

// call writes one XPS function and reads the full response, returning
// the leading error code and the remaining payload (without EndOfAPI).
// Context deadlines are mapped onto socket deadlines so a dead
// controller surfaces as a timeout.
func (m *XPSMotor) call(ctx context.Context, fn string) (int, string, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultXPSTimeout)
	}
	if err := m.conn.SetDeadline(deadline); err != nil {
		return 0, "", fmt.Errorf("%w: setting deadline: %v", control.ErrConnection, err)
	}

	if _, err := m.conn.Write([]byte(fn)); err != nil {
		return 0, "", fmt.Errorf("%w: writing %s: %v", control.ErrConnection, fn, err)
	}

	var resp strings.Builder
	buf := make([]byte, 256)
	for !strings.Contains(resp.String(), endOfAPI) {
		n, err := m.conn.Read(buf)
		if err != nil {
			return 0, "", fmt.Errorf("%w: reading reply to %s: %v", control.ErrConnection, fn, err)
		}
		resp.Write(buf[:n])
	}

	body := strings.TrimSuffix(strings.TrimSpace(resp.String()), endOfAPI)

	codeStr, rest, _ := strings.Cut(body, ",")
	code, err := strconv.Atoi(strings.TrimSpace(codeStr))
	if err != nil {
		return 0, "", fmt.Errorf("%w: malformed reply %q", control.ErrProtocol, body)
	}
	return code, rest, nil
}
