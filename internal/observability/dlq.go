package observability

import (
	"sync"
	"time"
)

// DroppedBatch records a batch that was discarded without successful delivery.
type DroppedBatch struct {
	Reference string
	Reason    string
	Bytes     int
	HTTP      int
	At        time.Time
}

// DeadLetterQueue keeps the most recent dropped-batch reports for inspection by the host.
type DeadLetterQueue struct {
	mu       sync.Mutex
	capacity int
	entries  []DroppedBatch
}

// NewDeadLetterQueue creates a DLQ with the provided capacity. Capacity <=0 implies unbounded.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	queue := new(DeadLetterQueue)
	queue.capacity = capacity
	queue.entries = make([]DroppedBatch, 0)
	return queue
}

// Offer records a dropped batch in the DLQ.
func (q *DeadLetterQueue) Offer(entry DroppedBatch) {
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.entries) >= q.capacity {
		// Drop oldest record to make space for the new one.
		copy(q.entries[0:], q.entries[1:])
		q.entries[len(q.entries)-1] = entry
		return
	}
	q.entries = append(q.entries, entry)
}

// Drain retrieves and clears all queued records.
func (q *DeadLetterQueue) Drain() []DroppedBatch {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]DroppedBatch, len(q.entries))
	copy(drained, q.entries)
	q.entries = q.entries[:0]
	return drained
}

// Len returns the number of queued records.
func (q *DeadLetterQueue) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
