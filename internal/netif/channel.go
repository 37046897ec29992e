package netif

import (
	"sync"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/wire"
)

// Channel is an in-memory device. Frames written by the stack appear on
// Outbound, frames handed to Inject are received by the stack. When wired
// to a peer by NewPair, writes go straight to the peer instead.
type Channel struct {
	frameQueue
	name string
	mac  wire.MAC
	mtu  int

	wmu    sync.Mutex
	out    chan []byte
	peer   *Channel
	closed bool
}

// NewChannel creates a channel device whose outbound channel buffers up to
// size frames.
func NewChannel(name string, mac wire.MAC, size int) *Channel {
	if size <= 0 {
		size = 256
	}
	return &Channel{
		frameQueue: newFrameQueue(size),
		name:       name,
		mac:        mac,
		mtu:        DefaultMTU,
		out:        make(chan []byte, size),
	}
}

// NewPair returns two channel devices connected back to back.
func NewPair(nameA string, macA wire.MAC, nameB string, macB wire.MAC) (*Channel, *Channel) {
	a := NewChannel(nameA, macA, 0)
	b := NewChannel(nameB, macB, 0)
	a.peer, b.peer = b, a
	return a, b
}

func (c *Channel) Name() string                 { return c.name }
func (c *Channel) MAC() wire.MAC                { return c.mac }
func (c *Channel) MTU() int                     { return c.mtu }
func (c *Channel) Read(buf []byte) (int, error) { return c.pop(buf) }
func (c *Channel) SetNotify(fn func())          { c.setNotify(fn) }

// Inject hands a frame to the receive side as if it arrived on the wire.
func (c *Channel) Inject(frame []byte) bool {
	return c.push(frame)
}

// Outbound returns the frames written by the stack.
func (c *Channel) Outbound() <-chan []byte { return c.out }

func (c *Channel) Write(frame []byte) (int, error) {
	c.wmu.Lock()
	closed, peer := c.closed, c.peer
	if peer != nil || closed {
		c.wmu.Unlock()
		if closed {
			return 0, core.ErrClosed
		}
		peer.Inject(frame)
		return len(frame), nil
	}
	defer c.wmu.Unlock()

	select {
	case c.out <- append([]byte(nil), frame...):
		return len(frame), nil
	default:
		return 0, core.ErrQueueFull
	}
}

func (c *Channel) Close() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.close()
	close(c.out)
	return nil
}
