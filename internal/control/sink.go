package control

import "sync"

// defaultSubscriptionBuffer is the per-subscriber event buffer bound.
const defaultSubscriptionBuffer = 128

// Sink fans command results and status updates out to an arbitrary number of
// independent subscribers (GUI panels, scripts, telemetry writers).
//
// Each subscriber has its own bounded buffer so one observer's slowness never
// blocks another, and never blocks the control worker. When a buffer is full
// the oldest StatusUpdate is dropped to make room; CommandResults are never
// dropped, since a specific caller awaits them for correctness.
//
// All methods are safe for concurrent use.
type Sink struct {
	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
}

// NewSink creates an empty sink.
func NewSink() *Sink {
	return &Sink{subs: make(map[int]*Subscription)}
}

// Subscribe registers a new subscriber. device filters events to one device
// name; the empty string subscribes to all devices.
func (s *Sink) Subscribe(device string) *Subscription {
	return s.SubscribeBuffered(device, defaultSubscriptionBuffer)
}

// SubscribeBuffered registers a subscriber with an explicit buffer bound.
func (s *Sink) SubscribeBuffered(device string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}

	sub := &Subscription{
		device: device,
		limit:  buffer,
		ch:     make(chan Event),
		done:   make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.mu.Unlock()

	sub.unsubscribe = func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}

	go sub.pump()
	return sub
}

// PublishResult delivers a command result to every interested subscriber.
func (s *Sink) PublishResult(res *CommandResult) {
	s.publish(res.DeviceName, Event{Result: res})
}

// PublishStatus delivers a status update to every interested subscriber.
func (s *Sink) PublishStatus(st *StatusUpdate) {
	s.publish(st.DeviceName, Event{Status: st})
}

func (s *Sink) publish(device string, ev Event) {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.device == "" || sub.device == device {
			subs = append(subs, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.offer(ev)
	}
}

// Subscription is one subscriber's view of the sink. Events are consumed
// from the Events channel; Close releases the subscription.
type Subscription struct {
	device string
	limit  int

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []Event
	dropped uint64
	closed  bool

	ch          chan Event
	done        chan struct{}
	closeOnce   sync.Once
	unsubscribe func()
}

// Events returns the delivery channel. It is closed after Close once the
// buffered events have drained.
func (sub *Subscription) Events() <-chan Event {
	return sub.ch
}

// Dropped reports how many status updates were discarded because this
// subscriber fell behind.
func (sub *Subscription) Dropped() uint64 {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.dropped
}

// Close detaches the subscription from the sink. Pending buffered events are
// discarded and the Events channel is closed.
func (sub *Subscription) Close() {
	sub.closeOnce.Do(func() {
		sub.unsubscribe()
		close(sub.done)

		sub.mu.Lock()
		sub.closed = true
		sub.buf = nil
		sub.cond.Signal()
		sub.mu.Unlock()
	})
}

// offer appends an event to the buffer, applying the drop-oldest policy for
// status updates when the buffer is at capacity. Never blocks the publisher.
func (sub *Subscription) offer(ev Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.closed {
		return
	}

	if len(sub.buf) >= sub.limit {
		if ev.Status != nil && !sub.dropOldestStatus() {
			// Buffer holds only results; the incoming status is the one
			// that gives way.
			sub.dropped++
			return
		}
		if ev.Result != nil {
			// Results are never dropped; make room from buffered status
			// updates if possible, otherwise let the buffer grow.
			sub.dropOldestStatus()
		}
	}

	sub.buf = append(sub.buf, ev)
	sub.cond.Signal()
}

// dropOldestStatus removes the oldest buffered status update.
// Caller holds sub.mu.
func (sub *Subscription) dropOldestStatus() bool {
	for i, old := range sub.buf {
		if old.Status != nil {
			sub.buf = append(sub.buf[:i], sub.buf[i+1:]...)
			sub.dropped++
			return true
		}
	}
	return false
}

// pump moves events from the buffer to the delivery channel.
func (sub *Subscription) pump() {
	for {
		sub.mu.Lock()
		for len(sub.buf) == 0 && !sub.closed {
			sub.cond.Wait()
		}
		if sub.closed {
			sub.mu.Unlock()
			close(sub.ch)
			return
		}
		ev := sub.buf[0]
		sub.buf = sub.buf[1:]
		sub.mu.Unlock()

		select {
		case sub.ch <- ev:
		case <-sub.done:
			close(sub.ch)
			return
		}
	}
}
