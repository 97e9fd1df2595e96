package kafka

import (
	"sync"

	"github.com/coachpo/pricemesh/internal/schema"
)

// DeadLetterQueue stores events that failed delivery so operators can inspect
// or replay them. Capacity <= 0 implies unbounded.
type DeadLetterQueue struct {
	mu       sync.Mutex
	capacity int
	events   []*schema.Event
}

// NewDeadLetterQueue creates a DLQ with the provided capacity.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	queue := new(DeadLetterQueue)
	queue.capacity = capacity
	queue.events = make([]*schema.Event, 0)
	return queue
}

// Offer records an undelivered event, dropping the oldest entry when full.
func (q *DeadLetterQueue) Offer(evt *schema.Event) {
	if evt == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.events) >= q.capacity {
		copy(q.events[0:], q.events[1:])
		q.events[len(q.events)-1] = evt.Clone()
		return
	}
	q.events = append(q.events, evt.Clone())
}

// Drain retrieves and clears all queued events.
func (q *DeadLetterQueue) Drain() []*schema.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]*schema.Event, len(q.events))
	copy(drained, q.events)
	q.events = q.events[:0]
	return drained
}

// Len returns the number of queued events.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
