package wire

import (
	"encoding/binary"

	"firestige.xyz/netstack/internal/core"
)

// ICMPHeaderLen is the size of an ICMP echo header.
const ICMPHeaderLen = 8

// ICMP message types
const (
	ICMPEchoReply       uint8 = 0
	ICMPDestUnreachable uint8 = 3
	ICMPEchoRequest     uint8 = 8
)

// ICMPHeader is an ICMP echo request/reply header.
type ICMPHeader struct {
	Type     uint8
	Code     uint8
	Checksum uint16
	ID       uint16
	Seq      uint16
}

// PutICMP writes h followed by payload into buf and fills in the checksum
// over the whole message. buf must hold ICMPHeaderLen+len(payload) bytes.
func PutICMP(buf []byte, h *ICMPHeader, payload []byte) {
	buf[0] = h.Type
	buf[1] = h.Code
	binary.BigEndian.PutUint16(buf[2:4], 0)
	binary.BigEndian.PutUint16(buf[4:6], h.ID)
	binary.BigEndian.PutUint16(buf[6:8], h.Seq)
	copy(buf[ICMPHeaderLen:], payload)

	h.Checksum = Sum(buf[:ICMPHeaderLen+len(payload)])
	binary.BigEndian.PutUint16(buf[2:4], h.Checksum)
}

// DecodeICMP decodes and verifies an ICMP message.
// Returns the header and the echo payload.
func DecodeICMP(data []byte) (ICMPHeader, []byte, error) {
	if len(data) < ICMPHeaderLen {
		return ICMPHeader{}, nil, core.ErrPacketTooShort
	}
	if Sum(data) != 0 {
		return ICMPHeader{}, nil, core.ErrBadChecksum
	}

	h := ICMPHeader{
		Type:     data[0],
		Code:     data[1],
		Checksum: binary.BigEndian.Uint16(data[2:4]),
		ID:       binary.BigEndian.Uint16(data[4:6]),
		Seq:      binary.BigEndian.Uint16(data[6:8]),
	}
	return h, data[ICMPHeaderLen:], nil
}
