package wire

import (
	"encoding/binary"
	"net/netip"

	"firestige.xyz/netstack/internal/core"
)

// IPv4HeaderLen is the size of an IPv4 header without options.
const IPv4HeaderLen = 20

// DefaultTTL is the time-to-live of every datagram the stack originates.
const DefaultTTL = 64

const (
	ipv4FlagMoreFragments = 0x2000
	ipv4FragmentOffset    = 0x1fff
)

// IPv4Header is an IPv4 header. Options are skipped on decode and never
// emitted.
type IPv4Header struct {
	IHL      uint8
	TOS      uint8
	TotalLen uint16
	ID       uint16
	Flags    uint16 // flags and fragment offset
	TTL      uint8
	Protocol core.Protocol
	Checksum uint16
	Src      netip.Addr
	Dst      netip.Addr
}

// IsFragment reports whether the datagram is part of a fragmented one.
func (h *IPv4Header) IsFragment() bool {
	return h.Flags&ipv4FlagMoreFragments != 0 || h.Flags&ipv4FragmentOffset != 0
}

// HeaderLen returns the header length in bytes.
func (h *IPv4Header) HeaderLen() int { return int(h.IHL) * 4 }

// Put writes h into the first 20 bytes of buf and fills in the header
// checksum.
func (h *IPv4Header) Put(buf []byte) {
	_ = buf[IPv4HeaderLen-1]
	h.IHL = 5
	buf[0] = 4<<4 | h.IHL
	buf[1] = h.TOS
	binary.BigEndian.PutUint16(buf[2:4], h.TotalLen)
	binary.BigEndian.PutUint16(buf[4:6], h.ID)
	binary.BigEndian.PutUint16(buf[6:8], h.Flags)
	buf[8] = h.TTL
	buf[9] = uint8(h.Protocol)
	binary.BigEndian.PutUint16(buf[10:12], 0)
	putAddr(buf[12:16], h.Src)
	putAddr(buf[16:20], h.Dst)

	h.Checksum = Sum(buf[:IPv4HeaderLen])
	binary.BigEndian.PutUint16(buf[10:12], h.Checksum)
}

// DecodeIPv4 decodes and verifies an IPv4 header.
// Returns the header and the payload trimmed to the datagram's total length.
func DecodeIPv4(data []byte) (IPv4Header, []byte, error) {
	if len(data) < IPv4HeaderLen {
		return IPv4Header{}, nil, core.ErrPacketTooShort
	}
	if data[0]>>4 != 4 {
		return IPv4Header{}, nil, core.ErrUnsupportedProto
	}

	// IHL is in 32-bit words
	ihl := data[0] & 0x0f
	headerLen := int(ihl) * 4
	if headerLen < IPv4HeaderLen || len(data) < headerLen {
		return IPv4Header{}, nil, core.ErrPacketTooShort
	}

	// the sum over a header carrying a valid checksum is zero
	if Sum(data[:headerLen]) != 0 {
		return IPv4Header{}, nil, core.ErrBadChecksum
	}

	ip := IPv4Header{
		IHL:      ihl,
		TOS:      data[1],
		TotalLen: binary.BigEndian.Uint16(data[2:4]),
		ID:       binary.BigEndian.Uint16(data[4:6]),
		Flags:    binary.BigEndian.Uint16(data[6:8]),
		TTL:      data[8],
		Protocol: core.Protocol(data[9]),
		Checksum: binary.BigEndian.Uint16(data[10:12]),
		Src:      addrFrom(data[12:16]),
		Dst:      addrFrom(data[16:20]),
	}

	total := int(ip.TotalLen)
	if total < headerLen || total > len(data) {
		return ip, nil, core.ErrMalformed
	}

	// Ethernet padding past the total length is dropped
	return ip, data[headerLen:total], nil
}
