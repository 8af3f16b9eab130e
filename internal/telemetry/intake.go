package telemetry

import (
	"encoding/json"
	"fmt"

	"github.com/biocatiit/beamline-control-user/internal/control"
	"github.com/biocatiit/beamline-control-user/internal/infrastructure/mqtt"
)

// Subscriber is the slice of the MQTT client the intake needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Commander is the slice of the control facade the intake needs. Remote
// commands are submitted asynchronously; the outcome reaches the client
// through the result topic via the Bridge.
type Commander interface {
	Send(name string, kind control.Kind, args ...any) (string, error)
}

// remoteKinds are the operations remote clients may issue. Connection
// lifecycle stays local: which devices are open is this process's decision.
var remoteKinds = map[control.Kind]bool{
	control.KindMove:        true,
	control.KindStop:        true,
	control.KindSetParam:    true,
	control.KindQueryStatus: true,
	control.KindCustom:      true,
}

// Intake feeds MQTT command messages into the device queues.
type Intake struct {
	sub    Subscriber
	cmd    Commander
	qos    byte
	logger Logger
	topics mqtt.Topics
}

// NewIntake creates a command intake over an MQTT subscriber.
func NewIntake(sub Subscriber, cmd Commander, qos byte, logger Logger) *Intake {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Intake{sub: sub, cmd: cmd, qos: qos, logger: logger}
}

// Start subscribes to the command topics for every device.
func (i *Intake) Start() error {
	if err := i.sub.Subscribe(i.topics.AllDeviceCommands(), i.qos, i.handle); err != nil {
		return fmt.Errorf("subscribing to command topics: %w", err)
	}
	i.logger.Info("command intake started", "topic", i.topics.AllDeviceCommands())
	return nil
}

// Stop removes the command subscription.
func (i *Intake) Stop() error {
	return i.sub.Unsubscribe(i.topics.AllDeviceCommands())
}

// handle parses one command message and submits it. The returned error is
// surfaced by the MQTT client's handler logging.
func (i *Intake) handle(topic string, payload []byte) error {
	device := mqtt.CommandDevice(topic)
	if device == "" {
		return fmt.Errorf("%w: topic %q", ErrBadMessage, topic)
	}

	var msg CommandMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMessage, err)
	}

	kind := control.Kind(msg.Kind)
	if !remoteKinds[kind] {
		return fmt.Errorf("%w: kind %q not allowed remotely", ErrBadMessage, msg.Kind)
	}

	id, err := i.cmd.Send(device, kind, msg.Args...)
	if err != nil {
		i.logger.Warn("remote command rejected",
			"device", device,
			"kind", msg.Kind,
			"error", err,
		)
		return err
	}

	i.logger.Debug("remote command accepted",
		"device", device,
		"kind", msg.Kind,
		"command_id", id,
	)
	return nil
}
