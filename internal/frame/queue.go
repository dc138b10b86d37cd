package frame

import (
	"fmt"
	"sync"
)

// DefaultQueueCapacity is the number of decoded frames held for the consumer.
const DefaultQueueCapacity = 64

// Queue is a bounded FIFO of frames shared by one producer (the poller) and
// any number of consumers. Push never blocks: when the queue is full the
// oldest frame is dropped to make room.
type Queue struct {
	mu      sync.Mutex
	items   []*Frame
	head    int
	size    int
	dropped uint64
	pushed  uint64
}

// NewQueue returns an empty queue holding at most capacity frames.
func NewQueue(capacity int) (*Queue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("frame: queue capacity must be > 0, got %d", capacity)
	}
	return &Queue{items: make([]*Frame, capacity)}, nil
}

// Push appends f. It reports whether an older frame was evicted.
func (q *Queue) Push(f *Frame) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	capacity := len(q.items)
	if q.size == capacity {
		q.items[q.head] = nil
		q.head = (q.head + 1) % capacity
		q.size--
		q.dropped++
		evicted = true
	}
	q.items[(q.head+q.size)%capacity] = f
	q.size++
	q.pushed++
	return evicted
}

// Pop removes and returns the oldest frame, or nil when the queue is empty.
func (q *Queue) Pop() *Frame {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil
	}
	f := q.items[q.head]
	q.items[q.head] = nil
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return f
}

// Drain removes and returns every queued frame, oldest first.
func (q *Queue) Drain() []*Frame {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Frame, 0, q.size)
	for q.size > 0 {
		out = append(out, q.items[q.head])
		q.items[q.head] = nil
		q.head = (q.head + 1) % len(q.items)
		q.size--
	}
	q.head = 0
	return out
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return len(q.items) }

// Dropped returns how many frames were evicted because the queue was full.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Pushed returns how many frames were ever pushed.
func (q *Queue) Pushed() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushed
}
