// Package netif implements network devices and the interfaces that bind
// addresses to them.
package netif

import (
	"sync"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/wire"
)

// Device is a link-layer device. Read is non-blocking and returns
// core.ErrWouldBlock when no frame is pending. The notify callback runs once
// per received frame, possibly on the device's own goroutine, and must not
// block.
type Device interface {
	Name() string
	MAC() wire.MAC
	MTU() int
	Read(buf []byte) (int, error)
	Write(frame []byte) (int, error)
	SetNotify(fn func())
	Close() error
}

// DefaultMTU is the Ethernet payload MTU.
const DefaultMTU = 1500

// frameQueue is the bounded FIFO of received frames shared by the devices.
type frameQueue struct {
	mu      sync.Mutex
	frames  [][]byte
	limit   int
	notify  func()
	closed  bool
	dropped uint64
}

func newFrameQueue(limit int) frameQueue {
	if limit <= 0 {
		limit = 256
	}
	return frameQueue{limit: limit}
}

// push copies frame into the queue and fires the notify callback outside
// the lock.
func (q *frameQueue) push(frame []byte) bool {
	q.mu.Lock()
	if q.closed || len(q.frames) >= q.limit {
		q.dropped++
		q.mu.Unlock()
		return false
	}
	q.frames = append(q.frames, append([]byte(nil), frame...))
	fn := q.notify
	q.mu.Unlock()

	if fn != nil {
		fn()
	}
	return true
}

func (q *frameQueue) pop(buf []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, core.ErrClosed
	}
	if len(q.frames) == 0 {
		return 0, core.ErrWouldBlock
	}
	frame := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	return copy(buf, frame), nil
}

func (q *frameQueue) setNotify(fn func()) {
	q.mu.Lock()
	q.notify = fn
	q.mu.Unlock()
}

func (q *frameQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.mu.Unlock()
}

// Dropped returns the number of frames discarded because the queue was
// full or closed.
func (q *frameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
