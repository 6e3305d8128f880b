package engine

import "sync"

// runQueue is a thread-safe FIFO of run IDs waiting to execute.
//
// The queue is unbounded: Submit never blocks on a busy engine. The run
// record in the store is the source of truth, so a run left in the queue at
// shutdown is still QUEUED and is picked up again on the next start.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type runQueue struct {
	mu     sync.Mutex
	ids    []string
	closed bool
	signal chan struct{} // Signals availability (buffered, size 1)
}

func newRunQueue() *runQueue {
	return &runQueue{
		ids:    make([]string, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a run ID to the back of the queue.
// Returns false if the queue is closed.
func (q *runQueue) Enqueue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.ids = append(q.ids, id)

	// Non-blocking; the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front run ID without blocking.
func (q *runQueue) TryDequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ids) == 0 {
		return "", false
	}

	id := q.ids[0]
	if len(q.ids) == 1 {
		q.ids = q.ids[:0]
	} else {
		q.ids = q.ids[1:]
	}
	return id, true
}

// Wait returns a channel that signals when IDs may be available. The channel
// is closed by Close.
func (q *runQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *runQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

// Closed reports whether Close has been called.
func (q *runQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops further enqueues and wakes any waiter.
func (q *runQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
