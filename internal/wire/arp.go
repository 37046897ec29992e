package wire

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"firestige.xyz/netstack/internal/core"
)

// ARPHeaderLen is the size of an Ethernet/IPv4 ARP packet.
const ARPHeaderLen = 28

// ARP opcodes
const (
	ARPRequest uint16 = 1
	ARPReply   uint16 = 2
)

const arpHardwareEthernet = 1

// ARPHeader is an ARP packet for IPv4 over Ethernet.
type ARPHeader struct {
	HardwareType uint16
	ProtoType    core.EtherType
	HardwareLen  uint8
	ProtoLen     uint8
	Op           uint16
	SenderMAC    MAC
	SenderIP     netip.Addr
	TargetMAC    MAC
	TargetIP     netip.Addr
}

// NewARP returns an ARP packet with the Ethernet/IPv4 type fields filled in.
func NewARP(op uint16, senderMAC MAC, senderIP netip.Addr, targetMAC MAC, targetIP netip.Addr) ARPHeader {
	return ARPHeader{
		HardwareType: arpHardwareEthernet,
		ProtoType:    core.EtherTypeIPv4,
		HardwareLen:  6,
		ProtoLen:     4,
		Op:           op,
		SenderMAC:    senderMAC,
		SenderIP:     senderIP,
		TargetMAC:    targetMAC,
		TargetIP:     targetIP,
	}
}

// Put writes h into the first 28 bytes of buf.
func (h *ARPHeader) Put(buf []byte) {
	_ = buf[ARPHeaderLen-1]
	binary.BigEndian.PutUint16(buf[0:2], h.HardwareType)
	binary.BigEndian.PutUint16(buf[2:4], uint16(h.ProtoType))
	buf[4] = h.HardwareLen
	buf[5] = h.ProtoLen
	binary.BigEndian.PutUint16(buf[6:8], h.Op)
	copy(buf[8:14], h.SenderMAC[:])
	putAddr(buf[14:18], h.SenderIP)
	copy(buf[18:24], h.TargetMAC[:])
	putAddr(buf[24:28], h.TargetIP)
}

// DecodeARP decodes an ARP packet and rejects anything other than
// Ethernet/IPv4 address resolution.
func DecodeARP(data []byte) (ARPHeader, error) {
	if len(data) < ARPHeaderLen {
		return ARPHeader{}, core.ErrPacketTooShort
	}

	var h ARPHeader
	h.HardwareType = binary.BigEndian.Uint16(data[0:2])
	h.ProtoType = core.EtherType(binary.BigEndian.Uint16(data[2:4]))
	h.HardwareLen = data[4]
	h.ProtoLen = data[5]
	h.Op = binary.BigEndian.Uint16(data[6:8])

	if h.HardwareType != arpHardwareEthernet || h.ProtoType != core.EtherTypeIPv4 ||
		h.HardwareLen != 6 || h.ProtoLen != 4 {
		return h, fmt.Errorf("arp htype=%d ptype=%#04x: %w", h.HardwareType, uint16(h.ProtoType), core.ErrMalformed)
	}

	copy(h.SenderMAC[:], data[8:14])
	h.SenderIP = addrFrom(data[14:18])
	copy(h.TargetMAC[:], data[18:24])
	h.TargetIP = addrFrom(data[24:28])
	return h, nil
}

func putAddr(buf []byte, a netip.Addr) {
	if !a.IsValid() {
		clear(buf[:4])
		return
	}
	b := a.As4()
	copy(buf, b[:])
}

func addrFrom(b []byte) netip.Addr {
	return netip.AddrFrom4([4]byte(b[:4]))
}
