// Package skb implements the packet buffers that carry frames through the
// stack, their fixed pool and the queues between producer and consumer.
package skb

import (
	"fmt"
	"net/netip"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/netif"
	"firestige.xyz/netstack/internal/wire"
)

// Stage tracks how far an inbound buffer has been parsed.
type Stage uint8

const (
	StageNew Stage = iota
	StageInProgress
)

// Headroom reserved in front of outbound payloads for the Ethernet, IPv4
// and TCP headers with options.
const Headroom = wire.EthernetHeaderLen + wire.IPv4HeaderLen + wire.TCPHeaderLen + 4

// Buffer is one frame in flight. The arena is split by four cursors:
//
//	head <= data <= tail <= end
//
// Bytes between data and tail are the current contents. Inbound parsing
// pulls headers off the front; outbound building pushes them on.
type Buffer struct {
	arena []byte
	head  int
	data  int
	tail  int
	end   int

	Stage     Stage
	EtherType core.EtherType
	Protocol  core.Protocol

	Eth  wire.EthernetHeader
	ARP  wire.ARPHeader
	IP   wire.IPv4Header
	ICMP wire.ICMPHeader
	UDP  wire.UDPHeader
	TCP  wire.TCPHeader

	// Iface is the interface a frame arrived on.
	Iface *netif.Interface
	// Out and NextHop are resolved by routing for outbound frames.
	Out     *netif.Interface
	NextHop netip.Addr

	free bool
}

func newBuffer(size int) *Buffer {
	return &Buffer{arena: make([]byte, size), end: size, free: true}
}

func (b *Buffer) reset() {
	clear(b.arena)
	*b = Buffer{arena: b.arena, end: len(b.arena), free: b.free}
}

// Bytes returns the current contents.
func (b *Buffer) Bytes() []byte { return b.arena[b.data:b.tail] }

// Len returns the length of the current contents.
func (b *Buffer) Len() int { return b.tail - b.data }

// Headroom returns the space available for Push.
func (b *Buffer) Headroom() int { return b.data - b.head }

// Tailroom returns the space available for Put.
func (b *Buffer) Tailroom() int { return b.end - b.tail }

// Cap returns the arena size.
func (b *Buffer) Cap() int { return b.end - b.head }

// Reserve moves an empty buffer's data cursor forward to leave n bytes of
// headroom.
func (b *Buffer) Reserve(n int) {
	if b.Len() != 0 || b.data+n > b.end {
		panic(fmt.Sprintf("skb: reserve %d on buffer with len %d cap %d", n, b.Len(), b.Cap()))
	}
	b.data += n
	b.tail += n
}

// Put extends the contents by n bytes at the tail and returns the new region.
func (b *Buffer) Put(n int) []byte {
	if n > b.Tailroom() {
		panic(fmt.Sprintf("skb: put %d with tailroom %d", n, b.Tailroom()))
	}
	p := b.arena[b.tail : b.tail+n]
	b.tail += n
	return p
}

// Append copies p to the tail.
func (b *Buffer) Append(p []byte) error {
	if len(p) > b.Tailroom() {
		return core.ErrMessageSize
	}
	copy(b.Put(len(p)), p)
	return nil
}

// Push prepends n bytes of header space and returns it.
func (b *Buffer) Push(n int) []byte {
	if n > b.Headroom() {
		panic(fmt.Sprintf("skb: push %d with headroom %d", n, b.Headroom()))
	}
	b.data -= n
	return b.arena[b.data : b.data+n]
}

// Pull consumes n bytes from the front and returns them.
func (b *Buffer) Pull(n int) ([]byte, error) {
	if n > b.Len() {
		return nil, core.ErrPacketTooShort
	}
	p := b.arena[b.data : b.data+n]
	b.data += n
	return p, nil
}

// Trim shortens the contents to n bytes.
func (b *Buffer) Trim(n int) {
	if n < b.Len() {
		b.tail = b.data + n
	}
}

// ReadFrom fills the empty buffer with one frame from dev.
func (b *Buffer) ReadFrom(dev netif.Device) (int, error) {
	n, err := dev.Read(b.arena[b.tail:b.end])
	if err != nil {
		return 0, err
	}
	b.tail += n
	return n, nil
}
