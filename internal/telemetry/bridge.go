package telemetry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/biocatiit/beamline-control-user/internal/control"
	"github.com/biocatiit/beamline-control-user/internal/infrastructure/mqtt"
)

// Publisher is the slice of the MQTT client the bridge needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// History is the slice of the InfluxDB client the bridge needs.
type History interface {
	WriteTelemetry(device string, kind string, telemetry map[string]any)
	WriteCommandOutcome(device string, commandKind string, ok bool, duration time.Duration)
}

// KindResolver maps a device name to its instrument kind for history
// tagging. Returning "" is fine; the point is still written.
type KindResolver func(device string) string

// Logger abstracts logging for the telemetry package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// BridgeOptions configures a telemetry bridge. Publisher and History are
// each optional; a nil collaborator simply disables that output.
type BridgeOptions struct {
	Publisher Publisher
	History   History
	KindOf    KindResolver
	QoS       byte
	Logger    Logger
}

// Bridge drains a sink subscription and forwards events to MQTT and
// InfluxDB. It is one subscriber among any number; a slow broker never
// stalls the control workers because the sink buffers per subscriber.
type Bridge struct {
	sink *control.Sink
	opts BridgeOptions

	logger Logger
	topics mqtt.Topics

	mu      sync.Mutex
	sub     *control.Subscription
	stopped sync.WaitGroup
}

// NewBridge creates a bridge over the given sink.
func NewBridge(sink *control.Sink, opts BridgeOptions) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	if opts.KindOf == nil {
		opts.KindOf = func(string) string { return "" }
	}
	return &Bridge{
		sink:   sink,
		opts:   opts,
		logger: logger,
	}
}

// Start subscribes to the sink and begins forwarding events.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sub != nil {
		return ErrAlreadyStarted
	}
	b.sub = b.sink.Subscribe("")

	b.stopped.Add(1)
	go b.run(b.sub)

	b.logger.Info("telemetry bridge started")
	return nil
}

// Stop detaches from the sink and waits for the forwarding loop to drain.
// Safe to call more than once.
func (b *Bridge) Stop() {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()

	if sub == nil {
		return
	}
	sub.Close()
	b.stopped.Wait()
	b.logger.Info("telemetry bridge stopped")
}

func (b *Bridge) run(sub *control.Subscription) {
	defer b.stopped.Done()

	for ev := range sub.Events() {
		switch {
		case ev.Status != nil:
			b.forwardStatus(ev.Status)
		case ev.Result != nil:
			b.forwardResult(ev.Result)
		}
	}
}

// forwardStatus publishes a status poll retained, so a subscriber that
// connects later still sees the last known reading.
func (b *Bridge) forwardStatus(st *control.StatusUpdate) {
	if b.opts.Publisher != nil {
		msg := StatusMessage{
			Device:    st.DeviceName,
			State:     string(st.State),
			Timestamp: st.Timestamp,
			Telemetry: st.Telemetry,
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			b.logger.Warn("dropping unmarshalable status", "device", st.DeviceName, "error", err)
		} else if err := b.opts.Publisher.Publish(
			b.topics.DeviceStatus(st.DeviceName), payload, b.opts.QoS, true); err != nil {
			b.logger.Warn("status publish failed", "device", st.DeviceName, "error", err)
		}
	}

	if b.opts.History != nil && len(st.Telemetry) > 0 {
		b.opts.History.WriteTelemetry(st.DeviceName, b.opts.KindOf(st.DeviceName), st.Telemetry)
	}
}

func (b *Bridge) forwardResult(res *control.CommandResult) {
	if b.opts.Publisher != nil {
		msg := ResultMessage{
			Device:      res.DeviceName,
			CommandID:   res.CommandID,
			Kind:        string(res.Kind),
			Ok:          res.Ok,
			CompletedAt: res.CompletedAt,
			DurationMS:  float64(res.Duration.Microseconds()) / 1000.0,
		}
		if res.Err != nil {
			msg.Error = res.Err.Error()
		}
		if payload, err := json.Marshal(withPayload(msg, res.Payload)); err != nil {
			b.logger.Warn("dropping unmarshalable result", "device", res.DeviceName, "error", err)
		} else if err := b.opts.Publisher.Publish(
			b.topics.DeviceResult(res.DeviceName), payload, b.opts.QoS, false); err != nil {
			b.logger.Warn("result publish failed", "device", res.DeviceName, "error", err)
		}
	}

	if b.opts.History != nil {
		b.opts.History.WriteCommandOutcome(res.DeviceName, string(res.Kind), res.Ok, res.Duration)
	}
}

// withPayload attaches the device payload only when it is JSON-encodable;
// a driver returning something exotic must not cost us the whole message.
func withPayload(msg ResultMessage, payload any) ResultMessage {
	if payload == nil {
		return msg
	}
	if _, err := json.Marshal(payload); err != nil {
		return msg
	}
	msg.Payload = payload
	return msg
}
