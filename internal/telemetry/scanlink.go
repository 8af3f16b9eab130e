package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/biocatiit/beamline-control-user/internal/infrastructure/mqtt"
	"github.com/biocatiit/beamline-control-user/internal/scan"
)

// ScanRunner is the slice of the scan engine the link needs.
type ScanRunner interface {
	Run(ctx context.Context, req scan.Request) (*scan.Run, error)
}

// ScanHistory receives per-point scan data for long-term storage.
type ScanHistory interface {
	WriteScanPoint(runID string, index int, x float64, y *float64, counts []uint32)
}

// ScanLinkOptions configures a ScanLink. Publisher and History are optional;
// a nil collaborator disables that output.
type ScanLinkOptions struct {
	Subscriber Subscriber
	Publisher  Publisher
	History    ScanHistory
	QoS        byte

	// DefaultDwell is the per-point count time applied to requests that
	// omit dwell_ms.
	DefaultDwell time.Duration

	Logger Logger
}

// ScanLink runs scans requested over MQTT and reports progress back out.
// Requests arrive on biocon/scan/request; per-point progress goes to
// biocon/scan/<run>/point and lifecycle outcomes to biocon/scan/<run>/status.
//
// Wire Point into the engine with SetOnPoint so measured points stream out
// while the scan is still running.
type ScanLink struct {
	runner ScanRunner
	opts   ScanLinkOptions
	logger Logger
	topics mqtt.Topics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScanLink creates a scan link over an MQTT subscriber.
func NewScanLink(runner ScanRunner, opts ScanLinkOptions) *ScanLink {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ScanLink{
		runner: runner,
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the scan request topic.
func (l *ScanLink) Start() error {
	if err := l.opts.Subscriber.Subscribe(l.topics.ScanRequest(), l.opts.QoS, l.handle); err != nil {
		return fmt.Errorf("subscribing to scan requests: %w", err)
	}
	l.logger.Info("scan link started", "topic", l.topics.ScanRequest())
	return nil
}

// Stop removes the request subscription, aborts any running scan, and waits
// for it to record its outcome.
func (l *ScanLink) Stop() {
	_ = l.opts.Subscriber.Unsubscribe(l.topics.ScanRequest())
	l.cancel()
	l.wg.Wait()
}

// handle parses one scan request and starts it in the background. A request
// arriving while a scan is active fails with scan.ErrBusy.
func (l *ScanLink) handle(_ string, payload []byte) error {
	var msg ScanRequestMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMessage, err)
	}

	dwell := time.Duration(msg.DwellMS * float64(time.Millisecond))
	if dwell <= 0 {
		dwell = l.opts.DefaultDwell
	}

	req := scan.Request{
		Name:     msg.Name,
		MotorX:   msg.MotorX,
		MotorY:   msg.MotorY,
		Detector: msg.Detector,
		StartX:   msg.StartX,
		StopX:    msg.StopX,
		StepX:    msg.StepX,
		Dwell:    dwell,
	}
	if msg.MotorY != "" {
		req.StartY, req.StopY, req.StepY = msg.StartY, msg.StopY, msg.StepY
	}
	if err := req.Validate(); err != nil {
		return err
	}

	l.wg.Add(1)
	go l.run(req)
	return nil
}

func (l *ScanLink) run(req scan.Request) {
	defer l.wg.Done()

	run, err := l.runner.Run(l.ctx, req)
	if err != nil {
		l.logger.Warn("remote scan did not complete", "error", err)
	}
	// Run is nil when the request never became a run (busy, invalid).
	if run == nil {
		return
	}
	l.publishStatus(run)
}

// Point publishes one measured point and records it to history.
func (l *ScanLink) Point(run *scan.Run, pt *scan.Point) {
	if l.opts.History != nil {
		l.opts.History.WriteScanPoint(pt.RunID, pt.Index, pt.X, pt.Y, pt.Counts)
	}
	if l.opts.Publisher == nil {
		return
	}

	msg := ScanPointMessage{
		RunID:      pt.RunID,
		Index:      pt.Index,
		X:          pt.X,
		Y:          pt.Y,
		Counts:     pt.Counts,
		MeasuredAt: pt.MeasuredAt,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		l.logger.Error("encoding scan point", "run", pt.RunID, "error", err)
		return
	}
	if err := l.opts.Publisher.Publish(l.topics.ScanPoint(pt.RunID), data, l.opts.QoS, false); err != nil {
		l.logger.Warn("publishing scan point", "run", pt.RunID, "error", err)
	}
}

// publishStatus reports the final state of a run. Retained so a client that
// subscribes after the scan finishes still sees the outcome.
func (l *ScanLink) publishStatus(run *scan.Run) {
	if l.opts.Publisher == nil {
		return
	}

	msg := ScanStatusMessage{
		RunID:      run.ID,
		Name:       run.Name,
		Status:     string(run.Status),
		Error:      run.Error,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		l.logger.Error("encoding scan status", "run", run.ID, "error", err)
		return
	}
	if err := l.opts.Publisher.Publish(l.topics.ScanStatus(run.ID), data, l.opts.QoS, true); err != nil {
		l.logger.Warn("publishing scan status", "run", run.ID, "error", err)
	}
}
