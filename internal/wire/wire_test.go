package wire

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/soypat/seqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"firestige.xyz/netstack/internal/core"
)

var (
	srcIP  = netip.MustParseAddr("10.0.0.1")
	dstIP  = netip.MustParseAddr("10.0.0.2")
	srcMAC = MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	dstMAC = MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

func gopacketBytes(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func buildUDP(payload []byte) []byte {
	buf := make([]byte, IPv4HeaderLen+UDPHeaderLen+len(payload))
	u := UDPHeader{SrcPort: 4242, DstPort: 53}
	PutUDP(buf[IPv4HeaderLen:], &u, srcIP, dstIP, payload)
	ip := IPv4Header{TotalLen: uint16(len(buf)), ID: 7, TTL: DefaultTTL, Protocol: core.ProtocolUDP, Src: srcIP, Dst: dstIP}
	ip.Put(buf)
	return buf
}

func TestChecksum(t *testing.T) {
	t.Run("SplitWritesMatchOneShot", func(t *testing.T) {
		data := []byte("the quick brown fox jumps over the lazy dog")
		for split := 0; split <= len(data); split++ {
			var c Checksum
			c.Write(data[:split])
			c.Write(data[split:])
			assert.Equal(t, Sum(data), c.Sum16(), "split at %d", split)
		}
	})

	t.Run("ValidHeaderSumsToZero", func(t *testing.T) {
		buf := buildUDP([]byte("Hello world!\x00"))
		assert.Zero(t, Sum(buf[:IPv4HeaderLen]))
		assert.Zero(t, TransportChecksum(srcIP, dstIP, core.ProtocolUDP, buf[IPv4HeaderLen:]))
	})

	t.Run("RFC1071Example", func(t *testing.T) {
		// words 0001 f203 f4f5 f6f7 sum to ddf2
		data := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
		assert.Equal(t, ^uint16(0xddf2), Sum(data))
	})
}

func TestEthernet(t *testing.T) {
	buf := make([]byte, EthernetHeaderLen+2)
	h := EthernetHeader{Dst: BroadcastMAC, Src: srcMAC, Type: core.EtherTypeARP}
	h.Put(buf)

	got, payload, err := DecodeEthernet(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.Len(t, payload, 2)
	assert.True(t, got.Dst.IsBroadcast())

	_, _, err = DecodeEthernet(buf[:10])
	assert.ErrorIs(t, err, core.ErrPacketTooShort)

	m, err := ParseMAC("02:00:00:00:00:01")
	require.NoError(t, err)
	assert.Equal(t, srcMAC, m)
	assert.Equal(t, "02:00:00:00:00:01", m.String())
}

func TestARP(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		req := NewARP(ARPRequest, srcMAC, srcIP, MAC{}, dstIP)
		buf := make([]byte, ARPHeaderLen)
		req.Put(buf)

		got, err := DecodeARP(buf)
		require.NoError(t, err)
		assert.Equal(t, srcIP, got.SenderIP)
		assert.Equal(t, srcMAC, got.SenderMAC)
		assert.Equal(t, dstIP, got.TargetIP)
		assert.Equal(t, ARPRequest, got.Op)
	})

	t.Run("MatchesGopacket", func(t *testing.T) {
		rep := NewARP(ARPReply, srcMAC, srcIP, dstMAC, dstIP)
		buf := make([]byte, ARPHeaderLen)
		rep.Put(buf)

		expected := gopacketBytes(t, &layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPReply,
			SourceHwAddress:   srcMAC[:],
			SourceProtAddress: net.IP{10, 0, 0, 1},
			DstHwAddress:      dstMAC[:],
			DstProtAddress:    net.IP{10, 0, 0, 2},
		})
		assert.Equal(t, expected, buf)
	})

	t.Run("RejectsWrongTypes", func(t *testing.T) {
		req := NewARP(ARPRequest, srcMAC, srcIP, MAC{}, dstIP)
		req.HardwareType = 6
		buf := make([]byte, ARPHeaderLen)
		req.Put(buf)

		_, err := DecodeARP(buf)
		assert.ErrorIs(t, err, core.ErrMalformed)
	})
}

func TestIPv4(t *testing.T) {
	buf := buildUDP([]byte("payload"))

	ip, payload, err := DecodeIPv4(buf)
	require.NoError(t, err)
	assert.Equal(t, srcIP, ip.Src)
	assert.Equal(t, dstIP, ip.Dst)
	assert.Equal(t, core.ProtocolUDP, ip.Protocol)
	assert.Equal(t, uint8(DefaultTTL), ip.TTL)
	assert.Len(t, payload, UDPHeaderLen+len("payload"))
	assert.False(t, ip.IsFragment())

	t.Run("TrailingPaddingTrimmed", func(t *testing.T) {
		padded := append(append([]byte{}, buf...), 0, 0, 0, 0)
		_, p, err := DecodeIPv4(padded)
		require.NoError(t, err)
		assert.Len(t, p, len(payload))
	})

	t.Run("CorruptHeader", func(t *testing.T) {
		bad := append([]byte{}, buf...)
		bad[8]--
		_, _, err := DecodeIPv4(bad)
		assert.ErrorIs(t, err, core.ErrBadChecksum)
	})

	t.Run("Fragment", func(t *testing.T) {
		frag := IPv4Header{TotalLen: IPv4HeaderLen, Flags: 0x2000, TTL: 1, Protocol: core.ProtocolUDP, Src: srcIP, Dst: dstIP}
		b := make([]byte, IPv4HeaderLen)
		frag.Put(b)
		got, _, err := DecodeIPv4(b)
		require.NoError(t, err)
		assert.True(t, got.IsFragment())
	})
}

func TestUDPMatchesGopacket(t *testing.T) {
	payload := []byte("Hello world!\x00")
	ours := buildUDP(payload)

	ip := &layers.IPv4{Version: 4, TTL: 64, Id: 7, Protocol: layers.IPProtocolUDP, SrcIP: net.IP{10, 0, 0, 1}, DstIP: net.IP{10, 0, 0, 2}}
	udp := &layers.UDP{SrcPort: 4242, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	assert.Equal(t, gopacketBytes(t, ip, udp, gopacket.Payload(payload)), ours)

	h, p, err := DecodeUDP(ours[IPv4HeaderLen:], srcIP, dstIP)
	require.NoError(t, err)
	assert.Equal(t, uint16(4242), h.SrcPort)
	assert.Equal(t, payload, p)

	// wrong pseudo-header
	_, _, err = DecodeUDP(ours[IPv4HeaderLen:], srcIP, netip.MustParseAddr("10.0.0.3"))
	assert.ErrorIs(t, err, core.ErrBadChecksum)

	// checksum not computed
	seg := append([]byte{}, ours[IPv4HeaderLen:]...)
	seg[6], seg[7] = 0, 0
	_, p, err = DecodeUDP(seg, srcIP, netip.MustParseAddr("10.0.0.3"))
	require.NoError(t, err)
	assert.Equal(t, payload, p)
}

func TestTCPMatchesGopacket(t *testing.T) {
	h := TCPHeader{SrcPort: 49152, DstPort: 8080, Seq: 1000, Ack: 0, Flags: FlagSYN, Window: 512, MSS: 512}
	seg := make([]byte, h.Len())
	n := PutTCP(seg, &h, srcIP, dstIP, nil)
	assert.Equal(t, TCPHeaderLen+4, n)

	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: net.IP{10, 0, 0, 1}, DstIP: net.IP{10, 0, 0, 2}}
	tcp := &layers.TCP{
		SrcPort: 49152, DstPort: 8080, Seq: 1000, SYN: true, Window: 512,
		Options: []layers.TCPOption{{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x02, 0x00}}},
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	full := gopacketBytes(t, ip, tcp)
	assert.Equal(t, full[IPv4HeaderLen:], seg)

	got, payload, err := DecodeTCP(seg, srcIP, dstIP)
	require.NoError(t, err)
	assert.Empty(t, payload)
	assert.Equal(t, seqs.Value(1000), got.Seq)
	assert.Equal(t, uint16(512), got.MSS)
	assert.True(t, got.Flags.Has(FlagSYN))
	assert.Equal(t, "[SYN]", got.Flags.String())

	t.Run("Data", func(t *testing.T) {
		d := TCPHeader{SrcPort: 1, DstPort: 2, Seq: 5, Ack: 9, Flags: FlagACK | FlagPSH, Window: 512}
		buf := make([]byte, d.Len()+4)
		PutTCP(buf, &d, srcIP, dstIP, []byte("ping"))
		got, payload, err := DecodeTCP(buf, srcIP, dstIP)
		require.NoError(t, err)
		assert.Equal(t, []byte("ping"), payload)
		assert.Equal(t, "[PSH,ACK]", got.Flags.String())

		buf[len(buf)-1] ^= 0xff
		_, _, err = DecodeTCP(buf, srcIP, dstIP)
		assert.ErrorIs(t, err, core.ErrBadChecksum)
	})
}

func TestICMPAgainstXNet(t *testing.T) {
	payload := []byte("abcdefgh")
	buf := make([]byte, ICMPHeaderLen+len(payload))
	PutICMP(buf, &ICMPHeader{Type: ICMPEchoRequest, ID: 0x1234, Seq: 7}, payload)

	msg, err := icmp.ParseMessage(1, buf)
	require.NoError(t, err)
	assert.Equal(t, ipv4.ICMPTypeEcho, msg.Type)
	echo, ok := msg.Body.(*icmp.Echo)
	require.True(t, ok)
	assert.Equal(t, 0x1234, echo.ID)
	assert.Equal(t, 7, echo.Seq)
	assert.Equal(t, payload, echo.Data)

	reply := icmp.Message{Type: ipv4.ICMPTypeEchoReply, Body: &icmp.Echo{ID: 9, Seq: 3, Data: []byte("xyz")}}
	raw, err := reply.Marshal(nil)
	require.NoError(t, err)

	h, p, err := DecodeICMP(raw)
	require.NoError(t, err)
	assert.Equal(t, ICMPEchoReply, h.Type)
	assert.Equal(t, uint16(9), h.ID)
	assert.Equal(t, uint16(3), h.Seq)
	assert.Equal(t, []byte("xyz"), p)
}

func TestDHCP(t *testing.T) {
	t.Run("DecodeGopacketOffer", func(t *testing.T) {
		offer := &layers.DHCPv4{
			Operation:    layers.DHCPOpReply,
			HardwareType: layers.LinkTypeEthernet,
			Xid:          0xdeadbeef,
			YourClientIP: net.IP{192, 168, 1, 50},
			NextServerIP: net.IP{192, 168, 1, 1},
			ClientHWAddr: net.HardwareAddr(srcMAC[:]),
			Options: layers.DHCPOptions{
				layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(layers.DHCPMsgTypeOffer)}),
				layers.NewDHCPOption(layers.DHCPOptServerID, []byte{192, 168, 1, 1}),
				layers.NewDHCPOption(layers.DHCPOptSubnetMask, []byte{255, 255, 255, 0}),
				layers.NewDHCPOption(layers.DHCPOptDNS, []byte{8, 8, 8, 8, 1, 1, 1, 1}),
			},
		}
		m, err := DecodeDHCP(gopacketBytes(t, offer))
		require.NoError(t, err)
		assert.Equal(t, uint32(0xdeadbeef), m.XID)
		assert.Equal(t, DHCPOffer, m.MessageType())
		assert.Equal(t, netip.MustParseAddr("192.168.1.50"), m.YIAddr)
		assert.Equal(t, srcMAC, m.CHAddr)

		dns, ok := m.AddrOption(OptDNS)
		require.True(t, ok)
		assert.Equal(t, netip.MustParseAddr("8.8.8.8"), dns)
		_, ok = m.AddrOption(OptRouter)
		assert.False(t, ok)
	})

	t.Run("GopacketDecodesDiscover", func(t *testing.T) {
		m := NewDHCPRequest(DHCPDiscover, 42, srcMAC)
		m.AddOption(OptParamRequest, OptSubnetMask, OptRouter, OptDNS)

		pkt := gopacket.NewPacket(m.Marshal(), layers.LayerTypeDHCPv4, gopacket.Default)
		require.Nil(t, pkt.ErrorLayer())
		d, ok := pkt.Layer(layers.LayerTypeDHCPv4).(*layers.DHCPv4)
		require.True(t, ok)
		assert.Equal(t, layers.DHCPOpRequest, d.Operation)
		assert.Equal(t, uint32(42), d.Xid)
		assert.Equal(t, net.HardwareAddr(srcMAC[:]), d.ClientHWAddr)
		require.NotEmpty(t, d.Options)
		assert.Equal(t, layers.DHCPOptMessageType, d.Options[0].Type)
		assert.Equal(t, []byte{byte(layers.DHCPMsgTypeDiscover)}, d.Options[0].Data)
	})

	t.Run("Malformed", func(t *testing.T) {
		raw := NewDHCPRequest(DHCPRequest, 1, srcMAC).Marshal()
		raw[DHCPHeaderLen] = 0
		_, err := DecodeDHCP(raw)
		assert.ErrorIs(t, err, core.ErrMalformed)

		_, err = DecodeDHCP(raw[:100])
		assert.ErrorIs(t, err, core.ErrPacketTooShort)
	})
}
