package control

import (
	"sync"
	"sync/atomic"
	"time"
)

// defaultQueueSize is the per-device command buffer bound.
const defaultQueueSize = 64

// pending wraps a submitted command while it waits for the worker.
type pending struct {
	cmd       Command
	cancelled atomic.Bool

	// reply receives the result for synchronous callers. Capacity 1, may be
	// nil for fire-and-forget submissions.
	reply chan *CommandResult
}

// Queue is the ordered, thread-safe channel of pending operations for one
// device. Commands are executed in submission order (FIFO); the queue is
// bounded, and user-issued commands are never silently dropped — Submit
// either blocks or fails with ErrQueueFull, per configuration.
//
// Status polls are not queued at all: the control worker generates them from
// its own idle tick, so they coalesce naturally and can never crowd out
// commands.
type Queue struct {
	ch      chan *pending
	closeCh chan struct{}

	mu      sync.Mutex
	waiting map[string]*pending // accepted but not yet dequeued, by command ID
	closed  bool

	// block selects the full-queue policy: block the submitter instead of
	// failing with ErrQueueFull.
	block bool
}

// QueueConfig configures a device command queue.
type QueueConfig struct {
	// Size is the buffer bound. Zero means the default.
	Size int

	// BlockWhenFull makes Submit block until space is available instead of
	// returning ErrQueueFull.
	BlockWhenFull bool
}

// NewQueue creates a command queue for one device.
func NewQueue(cfg QueueConfig) *Queue {
	size := cfg.Size
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Queue{
		ch:      make(chan *pending, size),
		closeCh: make(chan struct{}),
		waiting: make(map[string]*pending),
		block:   cfg.BlockWhenFull,
	}
}

// Submit enqueues a command and returns its ID.
// Fails with ErrWorkerStopped once the queue is closed, or ErrQueueFull when
// the buffer is at capacity and blocking is disabled.
func (q *Queue) Submit(cmd Command) (string, error) {
	p := &pending{cmd: cmd}
	if err := q.submit(p); err != nil {
		return "", err
	}
	return cmd.ID, nil
}

// SubmitWait enqueues a command and returns a reply channel that receives the
// result exactly once. Used by the synchronous facade path.
func (q *Queue) SubmitWait(cmd Command) (<-chan *CommandResult, error) {
	p := &pending{cmd: cmd, reply: make(chan *CommandResult, 1)}
	if err := q.submit(p); err != nil {
		return nil, err
	}
	return p.reply, nil
}

func (q *Queue) submit(p *pending) error {
	p.cmd.SubmittedAt = time.Now().UTC()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrWorkerStopped
	}
	q.waiting[p.cmd.ID] = p
	q.mu.Unlock()

	select {
	case q.ch <- p:
		return nil
	default:
	}

	if !q.block {
		q.forget(p.cmd.ID)
		return ErrQueueFull
	}

	// Blocking hand-off; abandon if the queue closes while we wait.
	select {
	case q.ch <- p:
		return nil
	case <-q.closeCh:
		q.forget(p.cmd.ID)
		return ErrWorkerStopped
	}
}

// Cancel marks a not-yet-started command as cancelled. The worker emits a
// single result with ErrCancelled when it dequeues the command. Returns
// false if the command is unknown or already executing — in-flight commands
// cannot be cancelled, only timed out.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	p, ok := q.waiting[id]
	q.mu.Unlock()
	if !ok {
		return false
	}
	p.cancelled.Store(true)
	return true
}

// Len returns the number of commands accepted but not yet dequeued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// forget removes a command from the waiting set. Called by the worker on
// dequeue and by Submit on failure paths.
func (q *Queue) forget(id string) {
	q.mu.Lock()
	delete(q.waiting, id)
	q.mu.Unlock()
}

// close marks the queue closed and returns all commands that never started,
// in submission order, so the worker can emit cancelled results for them.
//
// A submitter may be mid-hand-off when close begins; the drain loop keeps
// receiving until the waiting set is empty, so no accepted command is lost.
func (q *Queue) close() []*pending {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	close(q.closeCh)

	var remaining []*pending
	for {
		select {
		case p := <-q.ch:
			q.forget(p.cmd.ID)
			remaining = append(remaining, p)
		default:
			if q.Len() == 0 {
				return remaining
			}
			// A submitter holds a waiting slot but has not finished its
			// hand-off; give it a beat to either send or back out.
			time.Sleep(time.Millisecond)
		}
	}
}
