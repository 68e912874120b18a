package durable

import "sync"

// workQueue is a thread-safe FIFO of instance ids waiting to be executed.
//
// The queue is unbounded; producers (StartInstance, RaiseEvent, the timer
// poller) never block. An id is held at most once: enqueuing an id that is
// already waiting is a no-op, so a burst of events for one instance costs a
// single replay.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the worker loops.
type workQueue struct {
	mu      sync.Mutex
	ids     []string
	waiting map[string]bool
	closed  bool
	signal  chan struct{} // Signals availability (buffered, size 1)
}

func newWorkQueue() *workQueue {
	return &workQueue{
		ids:     make([]string, 0, 64),
		waiting: make(map[string]bool),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue adds id to the back of the queue.
// Returns false if the queue is closed.
func (q *workQueue) Enqueue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if !q.waiting[id] {
		q.waiting[id] = true
		q.ids = append(q.ids, id)
	}

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes and returns the front id without blocking.
func (q *workQueue) TryDequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ids) == 0 {
		return "", false
	}

	id := q.ids[0]
	delete(q.waiting, id)
	if len(q.ids) == 1 {
		q.ids = q.ids[:0]
	} else {
		q.ids = q.ids[1:]
	}

	// Wake another worker if more work remains.
	if len(q.ids) > 0 && !q.closed {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return id, true
}

// Wait returns a channel that signals when ids may be available.
// The channel is closed when the queue is closed.
func (q *workQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *workQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

// Close signals that no more ids will be enqueued and wakes all waiters.
func (q *workQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
