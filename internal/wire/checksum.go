// Package wire encodes and decodes the on-the-wire headers handled by the
// stack. All multi-byte fields are big-endian.
package wire

import (
	"encoding/binary"
	"net/netip"

	"firestige.xyz/netstack/internal/core"
)

// Checksum accumulates the RFC 791 ones-complement sum of 16-bit words.
// Writes may be split at any byte boundary. The zero value is ready to use.
type Checksum struct {
	sum     uint64
	pending byte
	odd     bool
}

// Write adds p to the running sum. It never fails.
func (c *Checksum) Write(p []byte) (int, error) {
	n := len(p)
	if c.odd && len(p) > 0 {
		c.sum += uint64(c.pending)<<8 | uint64(p[0])
		p = p[1:]
		c.odd = false
	}
	for len(p) >= 2 {
		c.sum += uint64(binary.BigEndian.Uint16(p))
		p = p[2:]
	}
	if len(p) == 1 {
		c.pending = p[0]
		c.odd = true
	}
	return n, nil
}

// AddUint16 adds one 16-bit word. The running sum must be word aligned.
func (c *Checksum) AddUint16(v uint16) {
	c.sum += uint64(v)
}

// AddAddr adds the four bytes of an IPv4 address.
func (c *Checksum) AddAddr(a netip.Addr) {
	b := a.As4()
	c.Write(b[:])
}

// Sum16 returns the ones-complement of the folded sum. A buffer that carries
// its own valid checksum sums to zero.
func (c *Checksum) Sum16() uint16 {
	sum := c.sum
	if c.odd {
		sum += uint64(c.pending) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// Reset clears the running sum.
func (c *Checksum) Reset() { *c = Checksum{} }

// Sum returns the checksum of b in one shot.
func Sum(b []byte) uint16 {
	var c Checksum
	c.Write(b)
	return c.Sum16()
}

// TransportChecksum computes the UDP/TCP checksum of segment (header and
// payload) prefixed by the IPv4 pseudo-header. Over a received segment the
// result is zero when the stored checksum is valid.
func TransportChecksum(src, dst netip.Addr, proto core.Protocol, segment []byte) uint16 {
	var c Checksum
	c.AddAddr(src)
	c.AddAddr(dst)
	c.AddUint16(uint16(proto))
	c.AddUint16(uint16(len(segment)))
	c.Write(segment)
	return c.Sum16()
}
