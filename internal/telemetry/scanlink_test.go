package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/biocatiit/beamline-control-user/internal/scan"
)

// fakeRunner records the request it received and returns a canned run.
type fakeRunner struct {
	mu    sync.Mutex
	req   *scan.Request
	run   *scan.Run
	err   error
	block bool
}

func (r *fakeRunner) Run(ctx context.Context, req scan.Request) (*scan.Run, error) {
	r.mu.Lock()
	r.req = &req
	r.mu.Unlock()

	if r.block {
		<-ctx.Done()
		r.run.Status = scan.StatusAborted
		return r.run, scan.ErrAborted
	}
	return r.run, r.err
}

func (r *fakeRunner) request() *scan.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.req
}

// fakeScanHistory records scan point writes.
type fakeScanHistory struct {
	mu     sync.Mutex
	points []historyPoint
}

type historyPoint struct {
	runID  string
	index  int
	x      float64
	counts []uint32
}

func (h *fakeScanHistory) WriteScanPoint(runID string, index int, x float64, y *float64, counts []uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.points = append(h.points, historyPoint{runID: runID, index: index, x: x, counts: counts})
}

func completedRun(id string) *scan.Run {
	started := time.Now().UTC()
	finished := started.Add(time.Second)
	return &scan.Run{
		ID:         id,
		Name:       "linescan",
		MotorX:     "stage_x",
		Detector:   "scaler1",
		Status:     scan.StatusCompleted,
		StartedAt:  &started,
		FinishedAt: &finished,
	}
}

func TestScanLink_RunsRequestedScan(t *testing.T) {
	sub := &fakeSubscriber{}
	pub := &fakePublisher{}
	runner := &fakeRunner{run: completedRun("run-1")}

	link := NewScanLink(runner, ScanLinkOptions{Subscriber: sub, Publisher: pub})
	if err := link.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer link.Stop()

	if sub.topic != "biocon/scan/request" {
		t.Fatalf("subscribed to %q, want biocon/scan/request", sub.topic)
	}

	payload, _ := json.Marshal(ScanRequestMessage{
		Name:     "linescan",
		MotorX:   "stage_x",
		Detector: "scaler1",
		StartX:   0,
		StopX:    1,
		StepX:    0.25,
		DwellMS:  500,
	})
	if err := sub.handler(sub.topic, payload); err != nil {
		t.Fatalf("handler error: %v", err)
	}

	waitFor(t, "scan status publish", func() bool {
		return len(pub.messages()) > 0
	})

	req := runner.request()
	if req == nil {
		t.Fatal("runner was not invoked")
	}
	if req.MotorX != "stage_x" || req.Detector != "scaler1" {
		t.Errorf("request devices = %q/%q", req.MotorX, req.Detector)
	}
	if req.Dwell != 500*time.Millisecond {
		t.Errorf("request dwell = %v, want 500ms", req.Dwell)
	}
	if req.MotorY != "" {
		t.Errorf("request motor_y = %q, want empty", req.MotorY)
	}

	msg := pub.messages()[0]
	if msg.topic != "biocon/scan/run-1/status" {
		t.Errorf("status topic = %q", msg.topic)
	}
	if !msg.retained {
		t.Error("final scan status should be retained")
	}

	var status ScanStatusMessage
	if err := json.Unmarshal(msg.payload, &status); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if status.RunID != "run-1" || status.Status != "completed" {
		t.Errorf("status = %+v", status)
	}
}

func TestScanLink_CarriesYAxisFor2D(t *testing.T) {
	sub := &fakeSubscriber{}
	pub := &fakePublisher{}
	runner := &fakeRunner{run: completedRun("run-2")}

	link := NewScanLink(runner, ScanLinkOptions{Subscriber: sub, Publisher: pub})
	if err := link.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer link.Stop()

	payload, _ := json.Marshal(ScanRequestMessage{
		MotorX:   "stage_x",
		MotorY:   "stage_y",
		Detector: "scaler1",
		StopX:    1,
		StepX:    0.5,
		StopY:    2,
		StepY:    1,
		DwellMS:  100,
	})
	if err := sub.handler(sub.topic, payload); err != nil {
		t.Fatalf("handler error: %v", err)
	}

	waitFor(t, "runner invocation", func() bool {
		return runner.request() != nil
	})

	req := runner.request()
	if req.MotorY != "stage_y" || req.StopY != 2 || req.StepY != 1 {
		t.Errorf("Y axis not carried: %+v", req)
	}
}

func TestScanLink_RejectsMalformedJSON(t *testing.T) {
	sub := &fakeSubscriber{}
	runner := &fakeRunner{run: completedRun("run-3")}

	link := NewScanLink(runner, ScanLinkOptions{Subscriber: sub})
	if err := link.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer link.Stop()

	err := sub.handler(sub.topic, []byte("{not json"))
	if !errors.Is(err, ErrBadMessage) {
		t.Errorf("handler error = %v, want ErrBadMessage", err)
	}
	if runner.request() != nil {
		t.Error("runner should not be invoked for malformed request")
	}
}

func TestScanLink_RejectsInvalidRequest(t *testing.T) {
	sub := &fakeSubscriber{}
	runner := &fakeRunner{run: completedRun("run-4")}

	link := NewScanLink(runner, ScanLinkOptions{Subscriber: sub})
	if err := link.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer link.Stop()

	// Missing detector.
	payload, _ := json.Marshal(ScanRequestMessage{
		MotorX:  "stage_x",
		StopX:   1,
		StepX:   0.5,
		DwellMS: 100,
	})
	err := sub.handler(sub.topic, payload)
	if !errors.Is(err, scan.ErrInvalidRequest) {
		t.Errorf("handler error = %v, want scan.ErrInvalidRequest", err)
	}
	if runner.request() != nil {
		t.Error("runner should not be invoked for invalid request")
	}
}

func TestScanLink_PointPublishesAndRecords(t *testing.T) {
	pub := &fakePublisher{}
	history := &fakeScanHistory{}

	link := NewScanLink(&fakeRunner{}, ScanLinkOptions{
		Subscriber: &fakeSubscriber{},
		Publisher:  pub,
		History:    history,
	})

	run := completedRun("run-5")
	pt := &scan.Point{
		RunID:      "run-5",
		Index:      3,
		X:          0.75,
		Counts:     []uint32{120, 4500},
		MeasuredAt: time.Now().UTC(),
	}
	link.Point(run, pt)

	msgs := pub.messages()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	if msgs[0].topic != "biocon/scan/run-5/point" {
		t.Errorf("point topic = %q", msgs[0].topic)
	}
	if msgs[0].retained {
		t.Error("point messages should not be retained")
	}

	var msg ScanPointMessage
	if err := json.Unmarshal(msgs[0].payload, &msg); err != nil {
		t.Fatalf("decoding point: %v", err)
	}
	if msg.Index != 3 || msg.X != 0.75 || len(msg.Counts) != 2 {
		t.Errorf("point message = %+v", msg)
	}

	if len(history.points) != 1 || history.points[0].runID != "run-5" {
		t.Errorf("history points = %+v", history.points)
	}
}

func TestScanLink_StopAbortsActiveRun(t *testing.T) {
	sub := &fakeSubscriber{}
	pub := &fakePublisher{}
	runner := &fakeRunner{run: completedRun("run-6"), block: true}

	link := NewScanLink(runner, ScanLinkOptions{Subscriber: sub, Publisher: pub})
	if err := link.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	payload, _ := json.Marshal(ScanRequestMessage{
		MotorX:   "stage_x",
		Detector: "scaler1",
		StopX:    1,
		StepX:    0.5,
		DwellMS:  100,
	})
	if err := sub.handler(sub.topic, payload); err != nil {
		t.Fatalf("handler error: %v", err)
	}

	waitFor(t, "runner start", func() bool {
		return runner.request() != nil
	})

	link.Stop()

	if !sub.unsubscribed {
		t.Error("Stop should unsubscribe from the request topic")
	}

	msgs := pub.messages()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	var status ScanStatusMessage
	if err := json.Unmarshal(msgs[0].payload, &status); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if status.Status != "aborted" {
		t.Errorf("status = %q, want aborted", status.Status)
	}
}

func TestScanLink_AppliesDefaultDwell(t *testing.T) {
	sub := &fakeSubscriber{}
	runner := &fakeRunner{run: completedRun("run-7")}

	link := NewScanLink(runner, ScanLinkOptions{
		Subscriber:   sub,
		DefaultDwell: 250 * time.Millisecond,
	})
	if err := link.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer link.Stop()

	// No dwell_ms in the request.
	payload, _ := json.Marshal(ScanRequestMessage{
		MotorX:   "stage_x",
		Detector: "scaler1",
		StopX:    1,
		StepX:    0.5,
	})
	if err := sub.handler(sub.topic, payload); err != nil {
		t.Fatalf("handler error: %v", err)
	}

	waitFor(t, "runner invocation", func() bool {
		return runner.request() != nil
	})

	if req := runner.request(); req.Dwell != 250*time.Millisecond {
		t.Errorf("request dwell = %v, want 250ms", req.Dwell)
	}
}
