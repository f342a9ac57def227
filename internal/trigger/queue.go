package trigger

import "sync"

// workQueue is a thread-safe FIFO of leased triggers waiting for a worker.
//
// The poller enqueues, workers dequeue. The queue uses a channel for
// signaling so workers can wait on it together with ctx.Done().
type workQueue struct {
	mu      sync.Mutex
	handles []Handle
	closed  bool
	signal  chan struct{} // Signals availability (buffered, size 1)
}

func newWorkQueue() *workQueue {
	return &workQueue{
		handles: make([]Handle, 0, 16),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue adds h to the back of the queue.
// Returns false if the queue is closed.
func (q *workQueue) Enqueue(h Handle) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.handles = append(q.handles, h)

	// Non-blocking: a buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes and returns the front handle without blocking.
func (q *workQueue) TryDequeue() (Handle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.handles) == 0 {
		return Handle{}, false
	}

	h := q.handles[0]
	q.handles[0] = Handle{}

	if len(q.handles) == 1 {
		q.handles = q.handles[:0]
	} else {
		q.handles = q.handles[1:]
	}

	// Wake another worker if more work is left.
	if len(q.handles) > 0 && !q.closed {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}

	return h, true
}

// Wait returns a channel that signals when handles may be available.
// The channel is closed once the queue is closed.
func (q *workQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *workQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.handles)
}

// Drained reports whether the queue is closed and empty.
func (q *workQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.handles) == 0
}

// Close signals that no more handles will be enqueued and wakes all waiters.
func (q *workQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
