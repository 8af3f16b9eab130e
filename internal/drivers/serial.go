package drivers

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/jacobsa/go-serial/serial"
)

// interCharTimeoutMS is how long a Read waits for further bytes before
// returning what it has. Short so Exchange can notice context expiry.
const interCharTimeoutMS = 100

// lineConn is a request/response text connection. The serial
// implementation is used against hardware; tests substitute a scripted
// fake.
type lineConn interface {
	// Send writes a command without waiting for a reply.
	Send(ctx context.Context, cmd string) error

	// Exchange writes a command and reads a single reply line.
	Exchange(ctx context.Context, cmd string) (string, error)

	Close() error
}

// serialLine implements lineConn over an RS-232 port.
type serialLine struct {
	port       io.ReadWriteCloser
	terminator string
}

// openSerialLine opens the serial port described by the instrument
// settings. Recognised keys: port (required), baud_rate, data_bits,
// stop_bits, parity ("N", "E" or "O"). The terminator ends every
// outgoing command and its final byte marks the end of a reply.
func openSerialLine(settings map[string]any, terminator string, defaultBaud int) (*serialLine, error) {
	portName, err := stringSetting(settings, "port")
	if err != nil {
		return nil, err
	}

	opts := serial.OpenOptions{
		PortName:              portName,
		BaudRate:              uint(intSettingDefault(settings, "baud_rate", defaultBaud)),
		DataBits:              uint(intSettingDefault(settings, "data_bits", 8)),
		StopBits:              uint(intSettingDefault(settings, "stop_bits", 1)),
		MinimumReadSize:       0,
		InterCharacterTimeout: interCharTimeoutMS,
	}

	switch strings.ToUpper(stringSettingDefault(settings, "parity", "N")) {
	case "E":
		opts.ParityMode = serial.PARITY_EVEN
	case "O":
		opts.ParityMode = serial.PARITY_ODD
	default:
		opts.ParityMode = serial.PARITY_NONE
	}

	port, err := serial.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", portName, err)
	}

	return &serialLine{port: port, terminator: terminator}, nil
}

// Send writes a command followed by the line terminator.
func (s *serialLine) Send(ctx context.Context, cmd string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.port.Write([]byte(cmd + s.terminator)); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

// Exchange writes a command and accumulates reply bytes until a full
// line arrives or the context expires. The port's inter-character
// timeout keeps each Read short so cancellation is responsive.
func (s *serialLine) Exchange(ctx context.Context, cmd string) (string, error) {
	if err := s.Send(ctx, cmd); err != nil {
		return "", err
	}

	var reply strings.Builder
	buf := make([]byte, 128)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, err := s.port.Read(buf)
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("serial read: %w", err)
		}
		if n > 0 {
			reply.Write(buf[:n])
			if strings.Contains(reply.String(), s.terminator[len(s.terminator)-1:]) {
				return strings.TrimSpace(reply.String()), nil
			}
		}
	}
}

func (s *serialLine) Close() error {
	return s.port.Close()
}
