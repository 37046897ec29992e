package netif

import (
	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/wire"
)

// LoopbackMAC is the hardware address of every loopback device.
var LoopbackMAC = wire.MAC{0x00, 0x00, 0x00, 0x00, 0x00, 0x01}

// Loopback delivers every written frame back to its own receive queue.
type Loopback struct {
	frameQueue
	name string
}

// NewLoopback creates a loopback device.
func NewLoopback(name string) *Loopback {
	if name == "" {
		name = "lo"
	}
	return &Loopback{frameQueue: newFrameQueue(0), name: name}
}

func (l *Loopback) Name() string                 { return l.name }
func (l *Loopback) MAC() wire.MAC                { return LoopbackMAC }
func (l *Loopback) MTU() int                     { return DefaultMTU }
func (l *Loopback) Read(buf []byte) (int, error) { return l.pop(buf) }
func (l *Loopback) SetNotify(fn func())          { l.setNotify(fn) }

// Write re-injects frame into the receive queue.
func (l *Loopback) Write(frame []byte) (int, error) {
	if !l.push(frame) {
		return 0, core.ErrQueueFull
	}
	return len(frame), nil
}

func (l *Loopback) Close() error {
	l.close()
	return nil
}
