package control

import (
	"fmt"
	"testing"
	"time"
)

func statusEvent(device string, seq int) *StatusUpdate {
	return &StatusUpdate{
		DeviceName: device,
		Timestamp:  time.Now().UTC(),
		State:      StateConnected,
		Telemetry:  map[string]any{"seq": seq},
	}
}

func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()

	events := make([]Event, 0, n)
	deadline := time.After(2 * time.Second)
	for len(events) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("events channel closed after %d events, want %d", len(events), n)
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out after %d events, want %d", len(events), n)
		}
	}
	return events
}

func TestSinkDeliversToMultipleSubscribers(t *testing.T) {
	sink := NewSink()
	a := sink.Subscribe("pumpA")
	b := sink.Subscribe("pumpA")
	defer a.Close()
	defer b.Close()

	sink.PublishStatus(statusEvent("pumpA", 1))

	for _, sub := range []*Subscription{a, b} {
		events := collect(t, sub, 1)
		if events[0].Status == nil || events[0].Status.Telemetry["seq"] != 1 {
			t.Fatal("subscriber missed the status update")
		}
	}
}

func TestSinkFiltersByDeviceName(t *testing.T) {
	sink := NewSink()
	pumpOnly := sink.Subscribe("pumpA")
	all := sink.Subscribe("")
	defer pumpOnly.Close()
	defer all.Close()

	sink.PublishStatus(statusEvent("fm1", 1))
	sink.PublishStatus(statusEvent("pumpA", 2))

	events := collect(t, pumpOnly, 1)
	if events[0].Status.DeviceName != "pumpA" {
		t.Fatalf("filtered subscriber got %s", events[0].Status.DeviceName)
	}

	events = collect(t, all, 2)
	if events[0].Status.DeviceName != "fm1" || events[1].Status.DeviceName != "pumpA" {
		t.Fatal("wildcard subscriber missed events")
	}
}

func TestSinkDropsOldestStatusWhenBehind(t *testing.T) {
	sink := NewSink()
	sub := sink.SubscribeBuffered("fm1", 4)
	defer sub.Close()

	// Nobody reads yet; overfill the buffer. The pump goroutine may take one
	// event out of the buffer, so publish well past the bound.
	const published = 20
	for i := 0; i < published; i++ {
		sink.PublishStatus(statusEvent("fm1", i))
	}

	if sub.Dropped() == 0 {
		t.Fatal("expected status updates to be dropped")
	}

	// The newest update must survive; the sequence must stay ordered.
	var last int = -1
	deadline := time.After(time.Second)
loop:
	for {
		select {
		case ev := <-sub.Events():
			seq := ev.Status.Telemetry["seq"].(int)
			if seq <= last {
				t.Fatalf("sequence regressed: %d after %d", seq, last)
			}
			last = seq
			if seq == published-1 {
				break loop
			}
		case <-deadline:
			t.Fatalf("newest update never delivered, last seq %d", last)
		}
	}
}

func TestSinkNeverDropsCommandResults(t *testing.T) {
	sink := NewSink()
	sub := sink.SubscribeBuffered("pumpA", 2)
	defer sub.Close()

	const n = 10
	for i := 0; i < n; i++ {
		sink.PublishResult(&CommandResult{
			CommandID:  fmt.Sprintf("cmd-%d", i),
			DeviceName: "pumpA",
			Ok:         true,
		})
	}

	events := collect(t, sub, n)
	for i, ev := range events {
		if ev.Result == nil {
			t.Fatalf("event %d is not a result", i)
		}
		if want := fmt.Sprintf("cmd-%d", i); ev.Result.CommandID != want {
			t.Fatalf("result %d: got %s, want %s", i, ev.Result.CommandID, want)
		}
	}
}

func TestSinkSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	sink := NewSink()
	slow := sink.SubscribeBuffered("pumpA", 2)
	fast := sink.Subscribe("pumpA")
	defer slow.Close()
	defer fast.Close()

	done := make(chan struct{})
	go func() {
		// slow never reads; publishing must still complete promptly.
		for i := 0; i < 100; i++ {
			sink.PublishStatus(statusEvent("pumpA", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked by a slow subscriber")
	}

	// The fast subscriber keeps receiving.
	collect(t, fast, 10)
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	sink := NewSink()
	sub := sink.Subscribe("pumpA")

	sub.Close()
	sink.PublishStatus(statusEvent("pumpA", 1))

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("received event after close")
		}
	case <-time.After(time.Second):
		t.Fatal("events channel not closed")
	}
}
