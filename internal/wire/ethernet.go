package wire

import (
	"encoding/binary"
	"net"

	"firestige.xyz/netstack/internal/core"
)

// EthernetHeaderLen is the size of an untagged Ethernet II header.
const EthernetHeaderLen = 14

// MAC is a 48-bit hardware address.
type MAC [6]byte

// BroadcastMAC is the all-ones hardware address.
var BroadcastMAC = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (m MAC) String() string { return net.HardwareAddr(m[:]).String() }

// IsBroadcast reports whether m is the all-ones address.
func (m MAC) IsBroadcast() bool { return m == BroadcastMAC }

// IsZero reports whether m is unset.
func (m MAC) IsZero() bool { return m == MAC{} }

// ParseMAC parses a colon or dash separated hardware address.
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MAC{}, err
	}
	if len(hw) != 6 {
		return MAC{}, core.ErrMalformed
	}
	var m MAC
	copy(m[:], hw)
	return m, nil
}

// EthernetHeader is an Ethernet II header.
type EthernetHeader struct {
	Dst  MAC
	Src  MAC
	Type core.EtherType
}

// Put writes h into the first 14 bytes of buf.
func (h *EthernetHeader) Put(buf []byte) {
	_ = buf[EthernetHeaderLen-1]
	copy(buf[0:6], h.Dst[:])
	copy(buf[6:12], h.Src[:])
	binary.BigEndian.PutUint16(buf[12:14], uint16(h.Type))
}

// DecodeEthernet decodes the Ethernet header.
// Returns the header and remaining payload.
func DecodeEthernet(data []byte) (EthernetHeader, []byte, error) {
	if len(data) < EthernetHeaderLen {
		return EthernetHeader{}, nil, core.ErrPacketTooShort
	}

	var eth EthernetHeader
	copy(eth.Dst[:], data[0:6])
	copy(eth.Src[:], data[6:12])
	eth.Type = core.EtherType(binary.BigEndian.Uint16(data[12:14]))

	return eth, data[EthernetHeaderLen:], nil
}
