package skb

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/netif"
)

func TestBufferCursors(t *testing.T) {
	p := NewPool(1, 128)
	b, err := p.Allocate()
	require.NoError(t, err)

	b.Reserve(Headroom)
	require.NoError(t, b.Append([]byte("payload")))
	assert.Equal(t, Headroom, b.Headroom())
	assert.Equal(t, 7, b.Len())

	hdr := b.Push(4)
	copy(hdr, "HDR:")
	assert.Equal(t, "HDR:payload", string(b.Bytes()))

	pulled, err := b.Pull(4)
	require.NoError(t, err)
	assert.Equal(t, "HDR:", string(pulled))
	assert.Equal(t, "payload", string(b.Bytes()))

	b.Trim(3)
	assert.Equal(t, "pay", string(b.Bytes()))

	_, err = b.Pull(10)
	assert.ErrorIs(t, err, core.ErrPacketTooShort)

	assert.ErrorIs(t, b.Append(make([]byte, 200)), core.ErrMessageSize)
	assert.Panics(t, func() { b.Push(b.Headroom() + 1) })
}

func TestReadFrom(t *testing.T) {
	lo := netif.NewLoopback("lo")
	_, err := lo.Write([]byte("frame"))
	require.NoError(t, err)

	p := NewPool(1, 64)
	b, err := p.Allocate()
	require.NoError(t, err)
	n, err := b.ReadFrom(lo)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "frame", string(b.Bytes()))

	_, err = b.ReadFrom(lo)
	assert.ErrorIs(t, err, core.ErrWouldBlock)
}

func TestPool(t *testing.T) {
	p := NewPool(2, 0)

	a, err := p.Allocate()
	require.NoError(t, err)
	b, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, DefaultBufferSize, a.Cap())

	_, err = p.Allocate()
	assert.ErrorIs(t, err, core.ErrPoolExhausted)

	st := p.Stats()
	assert.Equal(t, 2, st.Capacity)
	assert.Equal(t, 2, st.InUse)
	assert.Equal(t, uint64(1), st.Failures)

	a.Protocol = core.ProtocolTCP
	copy(a.Put(4), "dirt")
	p.Free(a)
	p.Free(a)
	assert.Equal(t, uint64(1), p.Stats().DoubleFrees)

	// reuse hands out a zeroed buffer
	c, err := p.Allocate()
	require.NoError(t, err)
	assert.Zero(t, c.Len())
	assert.Zero(t, c.Protocol)
	assert.Equal(t, make([]byte, 4), c.Put(4))

	p.Free(b)
	p.Free(c)
	p.Free(nil)
	assert.Zero(t, p.Stats().InUse)
}

func TestQueue(t *testing.T) {
	p := NewPool(4, 64)
	q := NewQueue(3)

	var bufs []*Buffer
	for i := 0; i < 4; i++ {
		b, err := p.Allocate()
		require.NoError(t, err)
		b.Append([]byte{byte(i)})
		bufs = append(bufs, b)
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Add(bufs[i]))
	}
	assert.ErrorIs(t, q.Add(bufs[3]), core.ErrQueueFull)
	assert.Equal(t, 3, q.Len())

	head, ok := q.Peek()
	require.True(t, ok)
	assert.Same(t, bufs[0], head)

	// FIFO across the ring wrap
	b, _ := q.Remove()
	assert.Same(t, bufs[0], b)
	require.NoError(t, q.Add(bufs[3]))
	for _, want := range bufs[1:] {
		got, ok := q.Remove()
		require.True(t, ok)
		assert.Same(t, want, got)
	}
	_, ok = q.Remove()
	assert.False(t, ok)

	q.Add(bufs[0])
	q.Add(bufs[1])
	assert.Equal(t, 2, q.Drain(p.Free))
	assert.Zero(t, q.Len())
}

func TestQueueConcurrentProducers(t *testing.T) {
	const producers, each = 4, 50
	p := NewPool(producers*each, 64)
	q := NewQueue(producers * each)

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(id byte) {
			defer wg.Done()
			for j := 0; j < each; j++ {
				b, err := p.Allocate()
				if err != nil {
					t.Error(err)
					return
				}
				b.Append([]byte{id, byte(j)})
				if err := q.Add(b); err != nil {
					t.Error(err)
				}
			}
		}(byte(i))
	}
	wg.Wait()

	// per-producer order is preserved
	last := map[byte]int{}
	n := q.Drain(func(b *Buffer) {
		id, seq := b.Bytes()[0], int(b.Bytes()[1])
		if prev, ok := last[id]; ok {
			assert.Greater(t, seq, prev)
		}
		last[id] = seq
		p.Free(b)
	})
	assert.Equal(t, producers*each, n)
	assert.Zero(t, p.Stats().InUse)
}
