package wire

import (
	"encoding/binary"
	"net/netip"
	"strings"

	"github.com/soypat/seqs"

	"firestige.xyz/netstack/internal/core"
)

// TCPHeaderLen is the size of a TCP header without options.
const TCPHeaderLen = 20

const (
	tcpOptEnd = 0
	tcpOptNop = 1
	tcpOptMSS = 2
)

// TCPFlags holds the TCP control bits.
type TCPFlags uint8

// TCP control bits
const (
	FlagFIN TCPFlags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

// Has reports whether all bits of mask are set.
func (f TCPFlags) Has(mask TCPFlags) bool { return f&mask == mask }

func (f TCPFlags) String() string {
	if f == 0 {
		return "[]"
	}
	names := []string{"FIN", "SYN", "RST", "PSH", "ACK", "URG"}
	var parts []string
	for i, name := range names {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// TCPHeader is a TCP header. MSS is the only option understood; it is
// emitted when non-zero.
type TCPHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Seq      seqs.Value
	Ack      seqs.Value
	Offset   uint8 // header length in 32-bit words
	Flags    TCPFlags
	Window   uint16
	Checksum uint16
	Urgent   uint16
	MSS      uint16
}

// Len returns the encoded header length including options.
func (h *TCPHeader) Len() int {
	if h.MSS != 0 {
		return TCPHeaderLen + 4
	}
	return TCPHeaderLen
}

// PutTCP writes h and payload into buf and fills in the pseudo-header
// checksum. buf must hold h.Len()+len(payload) bytes.
func PutTCP(buf []byte, h *TCPHeader, src, dst netip.Addr, payload []byte) int {
	hl := h.Len()
	h.Offset = uint8(hl / 4)
	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.Seq))
	binary.BigEndian.PutUint32(buf[8:12], uint32(h.Ack))
	buf[12] = h.Offset << 4
	buf[13] = uint8(h.Flags)
	binary.BigEndian.PutUint16(buf[14:16], h.Window)
	binary.BigEndian.PutUint16(buf[16:18], 0)
	binary.BigEndian.PutUint16(buf[18:20], h.Urgent)
	if h.MSS != 0 {
		buf[20] = tcpOptMSS
		buf[21] = 4
		binary.BigEndian.PutUint16(buf[22:24], h.MSS)
	}
	copy(buf[hl:], payload)

	n := hl + len(payload)
	h.Checksum = TransportChecksum(src, dst, core.ProtocolTCP, buf[:n])
	binary.BigEndian.PutUint16(buf[16:18], h.Checksum)
	return n
}

// DecodeTCP decodes a TCP header and verifies its checksum against the
// pseudo-header of src and dst.
// Returns the header and the segment payload.
func DecodeTCP(data []byte, src, dst netip.Addr) (TCPHeader, []byte, error) {
	if len(data) < TCPHeaderLen {
		return TCPHeader{}, nil, core.ErrPacketTooShort
	}

	h := TCPHeader{
		SrcPort:  binary.BigEndian.Uint16(data[0:2]),
		DstPort:  binary.BigEndian.Uint16(data[2:4]),
		Seq:      seqs.Value(binary.BigEndian.Uint32(data[4:8])),
		Ack:      seqs.Value(binary.BigEndian.Uint32(data[8:12])),
		Offset:   data[12] >> 4,
		Flags:    TCPFlags(data[13] & 0x3f),
		Window:   binary.BigEndian.Uint16(data[14:16]),
		Checksum: binary.BigEndian.Uint16(data[16:18]),
		Urgent:   binary.BigEndian.Uint16(data[18:20]),
	}

	hl := int(h.Offset) * 4
	if hl < TCPHeaderLen || hl > len(data) {
		return h, nil, core.ErrMalformed
	}
	if TransportChecksum(src, dst, core.ProtocolTCP, data) != 0 {
		return h, nil, core.ErrBadChecksum
	}

	h.MSS = parseMSS(data[TCPHeaderLen:hl])
	return h, data[hl:], nil
}

func parseMSS(opts []byte) uint16 {
	for len(opts) > 0 {
		switch opts[0] {
		case tcpOptEnd:
			return 0
		case tcpOptNop:
			opts = opts[1:]
			continue
		}
		if len(opts) < 2 || opts[1] < 2 || int(opts[1]) > len(opts) {
			return 0
		}
		if opts[0] == tcpOptMSS && opts[1] == 4 {
			return binary.BigEndian.Uint16(opts[2:4])
		}
		opts = opts[opts[1]:]
	}
	return 0
}
