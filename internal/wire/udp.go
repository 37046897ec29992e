package wire

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"firestige.xyz/netstack/internal/core"
)

// UDPHeaderLen is the size of a UDP header.
const UDPHeaderLen = 8

// UDPHeader is a UDP header.
type UDPHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

func (h UDPHeader) String() string {
	return fmt.Sprintf("%d->%d len=%d", h.SrcPort, h.DstPort, h.Length)
}

// PutUDP writes h and payload into buf and fills in the pseudo-header
// checksum. buf must hold UDPHeaderLen+len(payload) bytes.
func PutUDP(buf []byte, h *UDPHeader, src, dst netip.Addr, payload []byte) {
	h.Length = uint16(UDPHeaderLen + len(payload))
	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	binary.BigEndian.PutUint16(buf[6:8], 0)
	copy(buf[UDPHeaderLen:], payload)

	h.Checksum = TransportChecksum(src, dst, core.ProtocolUDP, buf[:h.Length])
	// zero on the wire means no checksum
	if h.Checksum == 0 {
		h.Checksum = 0xffff
	}
	binary.BigEndian.PutUint16(buf[6:8], h.Checksum)
}

// DecodeUDP decodes a UDP header and verifies its checksum against the
// pseudo-header of src and dst. A zero checksum was not computed by the
// sender and is accepted.
func DecodeUDP(data []byte, src, dst netip.Addr) (UDPHeader, []byte, error) {
	if len(data) < UDPHeaderLen {
		return UDPHeader{}, nil, core.ErrPacketTooShort
	}

	h := UDPHeader{
		SrcPort:  binary.BigEndian.Uint16(data[0:2]),
		DstPort:  binary.BigEndian.Uint16(data[2:4]),
		Length:   binary.BigEndian.Uint16(data[4:6]),
		Checksum: binary.BigEndian.Uint16(data[6:8]),
	}

	if int(h.Length) < UDPHeaderLen || int(h.Length) > len(data) {
		return h, nil, core.ErrMalformed
	}
	segment := data[:h.Length]

	if h.Checksum != 0 && TransportChecksum(src, dst, core.ProtocolUDP, segment) != 0 {
		return h, nil, core.ErrBadChecksum
	}
	return h, segment[UDPHeaderLen:], nil
}
