package skb

import (
	"sync"

	"firestige.xyz/netstack/internal/core"
)

// Queue is a bounded FIFO of buffers backed by a ring.
type Queue struct {
	mu    sync.Mutex
	ring  []*Buffer
	head  int
	count int
}

// NewQueue creates a queue holding at most capacity buffers.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ring: make([]*Buffer, capacity)}
}

// Add appends b, or fails with core.ErrQueueFull.
func (q *Queue) Add(b *Buffer) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == len(q.ring) {
		return core.ErrQueueFull
	}
	q.ring[(q.head+q.count)%len(q.ring)] = b
	q.count++
	return nil
}

// Remove pops the oldest buffer.
func (q *Queue) Remove() (*Buffer, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil, false
	}
	b := q.ring[q.head]
	q.ring[q.head] = nil
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	return b, true
}

// Peek returns the oldest buffer without removing it.
func (q *Queue) Peek() (*Buffer, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil, false
	}
	return q.ring[q.head], true
}

// Len returns the number of queued buffers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return len(q.ring) }

// Drain removes every buffer, handing each to fn, and returns the count.
func (q *Queue) Drain(fn func(*Buffer)) int {
	n := 0
	for {
		b, ok := q.Remove()
		if !ok {
			return n
		}
		if fn != nil {
			fn(b)
		}
		n++
	}
}
