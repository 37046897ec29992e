package wire

import (
	"encoding/binary"
	"net/netip"

	"firestige.xyz/netstack/internal/core"
)

// DHCP ports
const (
	DHCPServerPort = 67
	DHCPClientPort = 68
)

// DHCPHeaderLen is the fixed BOOTP header length, before the magic cookie.
const DHCPHeaderLen = 236

// DHCPMagicCookie precedes the options.
const DHCPMagicCookie uint32 = 0x63825363

// BOOTP opcodes
const (
	BootRequest uint8 = 1
	BootReply   uint8 = 2
)

// DHCPMessageType is the value of option 53.
type DHCPMessageType uint8

// DHCP message types
const (
	DHCPDiscover DHCPMessageType = 1
	DHCPOffer    DHCPMessageType = 2
	DHCPRequest  DHCPMessageType = 3
	DHCPDecline  DHCPMessageType = 4
	DHCPAck      DHCPMessageType = 5
	DHCPNak      DHCPMessageType = 6
	DHCPRelease  DHCPMessageType = 7
)

// DHCP option tags
const (
	OptPad          uint8 = 0
	OptSubnetMask   uint8 = 1
	OptRouter       uint8 = 3
	OptDNS          uint8 = 6
	OptHostname     uint8 = 12
	OptRequestedIP  uint8 = 50
	OptLeaseTime    uint8 = 51
	OptMessageType  uint8 = 53
	OptServerID     uint8 = 54
	OptParamRequest uint8 = 55
	OptClientID     uint8 = 61
	OptEnd          uint8 = 255
)

const dhcpFlagBroadcast = 0x8000

// DHCPOption is one (tag, length, value) option.
type DHCPOption struct {
	Tag  uint8
	Data []byte
}

// DHCPMessage is a BOOTP/DHCP message.
type DHCPMessage struct {
	Op      uint8
	HType   uint8
	HLen    uint8
	Hops    uint8
	XID     uint32
	Secs    uint16
	Flags   uint16
	CIAddr  netip.Addr
	YIAddr  netip.Addr
	SIAddr  netip.Addr
	GIAddr  netip.Addr
	CHAddr  MAC
	Options []DHCPOption
}

// NewDHCPRequest returns a client message of the given type with the
// broadcast flag set, since the client cannot receive unicast before it is
// configured.
func NewDHCPRequest(typ DHCPMessageType, xid uint32, mac MAC) *DHCPMessage {
	m := &DHCPMessage{
		Op:     BootRequest,
		HType:  arpHardwareEthernet,
		HLen:   6,
		XID:    xid,
		Flags:  dhcpFlagBroadcast,
		CHAddr: mac,
	}
	m.AddOption(OptMessageType, byte(typ))
	return m
}

// AddOption appends an option.
func (m *DHCPMessage) AddOption(tag uint8, data ...byte) {
	m.Options = append(m.Options, DHCPOption{Tag: tag, Data: data})
}

// AddAddrOption appends an option carrying one IPv4 address.
func (m *DHCPMessage) AddAddrOption(tag uint8, a netip.Addr) {
	b := a.As4()
	m.AddOption(tag, b[:]...)
}

// Option returns the data of the first option with the given tag.
func (m *DHCPMessage) Option(tag uint8) ([]byte, bool) {
	for _, o := range m.Options {
		if o.Tag == tag {
			return o.Data, true
		}
	}
	return nil, false
}

// AddrOption returns the first address carried by an option. Router and DNS
// options may list several; only the first is returned.
func (m *DHCPMessage) AddrOption(tag uint8) (netip.Addr, bool) {
	data, ok := m.Option(tag)
	if !ok || len(data) < 4 {
		return netip.Addr{}, false
	}
	return addrFrom(data[:4]), true
}

// MessageType returns option 53, or zero if absent.
func (m *DHCPMessage) MessageType() DHCPMessageType {
	data, ok := m.Option(OptMessageType)
	if !ok || len(data) != 1 {
		return 0
	}
	return DHCPMessageType(data[0])
}

// Len returns the encoded size of m.
func (m *DHCPMessage) Len() int {
	n := DHCPHeaderLen + 4
	for _, o := range m.Options {
		n += 2 + len(o.Data)
	}
	return n + 1
}

// Marshal encodes m, terminating the options with tag 255.
func (m *DHCPMessage) Marshal() []byte {
	buf := make([]byte, m.Len())
	buf[0] = m.Op
	buf[1] = m.HType
	buf[2] = m.HLen
	buf[3] = m.Hops
	binary.BigEndian.PutUint32(buf[4:8], m.XID)
	binary.BigEndian.PutUint16(buf[8:10], m.Secs)
	binary.BigEndian.PutUint16(buf[10:12], m.Flags)
	putAddr(buf[12:16], m.CIAddr)
	putAddr(buf[16:20], m.YIAddr)
	putAddr(buf[20:24], m.SIAddr)
	putAddr(buf[24:28], m.GIAddr)
	copy(buf[28:34], m.CHAddr[:])
	// chaddr padding, sname and file stay zero
	binary.BigEndian.PutUint32(buf[DHCPHeaderLen:], DHCPMagicCookie)

	off := DHCPHeaderLen + 4
	for _, o := range m.Options {
		buf[off] = o.Tag
		buf[off+1] = uint8(len(o.Data))
		copy(buf[off+2:], o.Data)
		off += 2 + len(o.Data)
	}
	buf[off] = OptEnd
	return buf
}

// DecodeDHCP decodes a DHCP message. Option data aliases data.
func DecodeDHCP(data []byte) (*DHCPMessage, error) {
	if len(data) < DHCPHeaderLen+4 {
		return nil, core.ErrPacketTooShort
	}
	if binary.BigEndian.Uint32(data[DHCPHeaderLen:]) != DHCPMagicCookie {
		return nil, core.ErrMalformed
	}

	m := &DHCPMessage{
		Op:     data[0],
		HType:  data[1],
		HLen:   data[2],
		Hops:   data[3],
		XID:    binary.BigEndian.Uint32(data[4:8]),
		Secs:   binary.BigEndian.Uint16(data[8:10]),
		Flags:  binary.BigEndian.Uint16(data[10:12]),
		CIAddr: addrFrom(data[12:16]),
		YIAddr: addrFrom(data[16:20]),
		SIAddr: addrFrom(data[20:24]),
		GIAddr: addrFrom(data[24:28]),
	}
	copy(m.CHAddr[:], data[28:34])

	opts := data[DHCPHeaderLen+4:]
	for len(opts) > 0 {
		tag := opts[0]
		if tag == OptEnd {
			return m, nil
		}
		if tag == OptPad {
			opts = opts[1:]
			continue
		}
		if len(opts) < 2 || len(opts) < 2+int(opts[1]) {
			return nil, core.ErrMalformed
		}
		n := int(opts[1])
		m.Options = append(m.Options, DHCPOption{Tag: tag, Data: opts[2 : 2+n]})
		opts = opts[2+n:]
	}
	// missing terminator
	return nil, core.ErrMalformed
}
