package skb

import (
	"sync"

	"firestige.xyz/netstack/internal/core"
)

// DefaultBufferSize holds a full Ethernet frame.
const DefaultBufferSize = 1536

// PoolStats describes pool usage.
type PoolStats struct {
	Capacity    int
	InUse       int
	Failures    uint64
	DoubleFrees uint64
}

// Pool is a fixed set of buffers allocated up front.
type Pool struct {
	mu          sync.Mutex
	free        []*Buffer
	capacity    int
	failures    uint64
	doubleFrees uint64
}

// NewPool allocates n buffers of size bytes each.
func NewPool(n, size int) *Pool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	p := &Pool{free: make([]*Buffer, 0, n), capacity: n}
	for i := 0; i < n; i++ {
		p.free = append(p.free, newBuffer(size))
	}
	return p
}

// Allocate returns a zeroed buffer, or core.ErrPoolExhausted.
func (p *Pool) Allocate() (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		p.failures++
		return nil, core.ErrPoolExhausted
	}
	b := p.free[len(p.free)-1]
	p.free[len(p.free)-1] = nil
	p.free = p.free[:len(p.free)-1]
	b.free = false
	return b, nil
}

// Free resets b and returns it to the pool. Freeing nil is a no-op; a
// second free of the same buffer is counted and ignored.
func (p *Pool) Free(b *Buffer) {
	if b == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if b.free {
		p.doubleFrees++
		return
	}
	b.reset()
	b.free = true
	p.free = append(p.free, b)
}

// Stats returns a snapshot of pool usage.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Capacity:    p.capacity,
		InUse:       p.capacity - len(p.free),
		Failures:    p.failures,
		DoubleFrees: p.doubleFrees,
	}
}
