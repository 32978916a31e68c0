package sequencer

import (
	"context"
	"errors"
	"sync"

	"ctxd/internal/event"
)

// Backpressure selects what a producer experiences when the commit
// queue is full.
type Backpressure string

const (
	// BackpressureBlock makes Enqueue wait for space (or context
	// cancellation). Local producers default to this.
	BackpressureBlock Backpressure = "block"
	// BackpressureReject makes Enqueue fail fast with ErrBusy.
	// Remote sessions default to this.
	BackpressureReject Backpressure = "reject"
)

// ErrBusy is returned by Enqueue under the reject policy when the
// queue is at capacity.
var ErrBusy = errors.New("commit queue full")

// ErrClosed is returned by Enqueue after the sequencer has stopped.
var ErrClosed = errors.New("commit queue closed")

// Item is one accepted, redacted submission waiting for the committer.
type Item struct {
	PendingID string
	Sub       event.Submission
}

// commitQueue is a bounded thread-safe FIFO between producers and the
// single committer goroutine.
//
// A producer's items are appended in its send order, so per-producer
// order survives into the total order. The mutex-plus-slice layout
// (rather than a plain channel) exists so Remove can pull a cancelled
// item out of the middle.
//
// Signal channels are buffered size 1; sends coalesce.
type commitQueue struct {
	mu       sync.Mutex
	items    []Item
	capacity int
	closed   bool
	signal   chan struct{} // item availability, for the committer
	space    chan struct{} // space availability, for blocked producers
}

func newCommitQueue(capacity int) *commitQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &commitQueue{
		items:    make([]Item, 0, capacity),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
	}
}

// Enqueue adds an item to the back of the queue, applying the given
// backpressure policy when the queue is full. Thread-safe.
func (q *commitQueue) Enqueue(ctx context.Context, item Item, policy Backpressure) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if len(q.items) < q.capacity {
			q.items = append(q.items, item)
			q.mu.Unlock()
			select {
			case q.signal <- struct{}{}:
			default:
			}
			return nil
		}
		q.mu.Unlock()

		if policy == BackpressureReject {
			return ErrBusy
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.space:
			// Space may be gone again by the time we re-lock; loop.
		}
	}
}

// TryDequeue attempts to dequeue without blocking.
// Returns (Item{}, false) if the queue is empty.
func (q *commitQueue) TryDequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Item{}, false
	}

	item := q.items[0]
	// Zero the slot so the backing array does not retain the payload.
	q.items[0] = Item{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}

	q.notifySpaceLocked()
	return item, true
}

// Remove pulls a not-yet-committed item out of the queue by pending id.
// Returns false if the item is no longer queued (already dequeued by
// the committer, or never enqueued).
func (q *commitQueue) Remove(pendingID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.PendingID == pendingID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.notifySpaceLocked()
			return true
		}
	}
	return false
}

// Wait returns a channel that signals when items may be available.
// Use with select alongside ctx.Done(); the channel closes when the
// queue closes.
func (q *commitQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue depth.
func (q *commitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close signals that no more items will be enqueued. Wakes blocked
// producers and the committer.
func (q *commitQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
	close(q.space)
}

func (q *commitQueue) notifySpaceLocked() {
	if q.closed {
		return
	}
	select {
	case q.space <- struct{}{}:
	default:
	}
}
