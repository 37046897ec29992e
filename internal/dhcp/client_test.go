package dhcp

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netstack/internal/config"
	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/log"
	"firestige.xyz/netstack/internal/netif"
	"firestige.xyz/netstack/internal/stack"
	"firestige.xyz/netstack/internal/wire"
)

var (
	clientMAC = wire.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x10}
	serverMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	serverIP  = net.IP{10, 0, 0, 1}
	offeredIP = net.IP{10, 0, 0, 50}
)

// server answers DHCP requests seen on dev's outbound side.
type server struct {
	nak      bool
	silent   bool
	requests chan layers.DHCPMsgType
}

func (s *server) serve(t *testing.T, dev *netif.Channel) {
	for raw := range dev.Outbound() {
		pkt := gopacket.NewPacket(raw, layers.LayerTypeEthernet, gopacket.Default)
		l := pkt.Layer(layers.LayerTypeDHCPv4)
		if l == nil {
			continue
		}
		req := l.(*layers.DHCPv4)
		typ := msgType(req)
		s.requests <- typ
		if s.silent {
			continue
		}
		switch typ {
		case layers.DHCPMsgTypeDiscover:
			dev.Inject(reply(t, req, layers.DHCPMsgTypeOffer))
		case layers.DHCPMsgTypeRequest:
			if s.nak {
				dev.Inject(reply(t, req, layers.DHCPMsgTypeNak))
			} else {
				dev.Inject(reply(t, req, layers.DHCPMsgTypeAck))
			}
		}
	}
}

func msgType(d *layers.DHCPv4) layers.DHCPMsgType {
	for _, o := range d.Options {
		if o.Type == layers.DHCPOptMessageType && len(o.Data) == 1 {
			return layers.DHCPMsgType(o.Data[0])
		}
	}
	return layers.DHCPMsgTypeUnspecified
}

func reply(t *testing.T, req *layers.DHCPv4, typ layers.DHCPMsgType) []byte {
	eth := &layers.Ethernet{
		SrcMAC:       serverMAC,
		DstMAC:       layers.EthernetBroadcast,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    serverIP,
		DstIP:    net.IPv4bcast,
	}
	udp := &layers.UDP{SrcPort: 67, DstPort: 68}
	udp.SetNetworkLayerForChecksum(ip)

	d := &layers.DHCPv4{
		Operation:    layers.DHCPOpReply,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		Xid:          req.Xid,
		Flags:        req.Flags,
		NextServerIP: serverIP,
		ClientHWAddr: req.ClientHWAddr,
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(typ)}),
			layers.NewDHCPOption(layers.DHCPOptServerID, serverIP),
		},
	}
	if typ != layers.DHCPMsgTypeNak {
		d.YourClientIP = offeredIP
		d.Options = append(d.Options,
			layers.NewDHCPOption(layers.DHCPOptSubnetMask, []byte{255, 255, 255, 0}),
			layers.NewDHCPOption(layers.DHCPOptRouter, serverIP),
			layers.NewDHCPOption(layers.DHCPOptDNS, []byte{10, 0, 0, 53}),
		)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, d); err != nil {
		t.Error(err)
	}
	return buf.Bytes()
}

func setup(t *testing.T, srv *server) (*stack.Stack, *netif.Interface) {
	t.Helper()
	cfg := config.Default()
	cfg.DHCP.Timeout = 100 * time.Millisecond
	cfg.DHCP.Retries = 2
	s, err := stack.New(cfg, log.Discard())
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })

	dev := netif.NewChannel("eth0", clientMAC, 0)
	ifc, err := s.AddInterface("eth0", dev, netip.Prefix{}, netip.Addr{}, true)
	require.NoError(t, err)
	srv.requests = make(chan layers.DHCPMsgType, 16)
	go srv.serve(t, dev)
	return s, ifc
}

func TestLease(t *testing.T) {
	srv := &server{}
	s, ifc := setup(t, srv)
	c := New(s, nil)
	assert.Equal(t, StateStopped, c.State())

	lease, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, c.State())

	assert.Equal(t, netip.MustParseAddr("10.0.0.50"), lease.IP)
	assert.Equal(t, netip.MustParseAddr("255.255.255.0"), c.Netmask())
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), c.Gateway())
	assert.Equal(t, netip.MustParseAddr("10.0.0.53"), c.DNS())
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), c.Server())
	assert.Equal(t, lease, c.Lease())

	assert.Equal(t, c.IP(), ifc.IP())
	assert.Equal(t, netip.MustParsePrefix("10.0.0.0/24"), ifc.Prefix())
	assert.Equal(t, layers.DHCPMsgTypeDiscover, <-srv.requests)
	assert.Equal(t, layers.DHCPMsgTypeRequest, <-srv.requests)
	assert.Zero(t, s.Snapshot().OpenSockets, "client socket is closed")
}

func TestNak(t *testing.T) {
	srv := &server{nak: true}
	s, ifc := setup(t, srv)
	c := New(s, ifc)

	_, err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrNak)
	assert.Equal(t, StateFailed, c.State())
	assert.False(t, ifc.Configured())
}

func TestRetriesExhausted(t *testing.T) {
	srv := &server{silent: true}
	s, _ := setup(t, srv)
	c := New(s, nil)

	_, err := c.Run(context.Background())
	assert.ErrorIs(t, err, core.ErrTimedOut)
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, layers.DHCPMsgTypeDiscover, <-srv.requests)
	assert.Equal(t, layers.DHCPMsgTypeDiscover, <-srv.requests, "discover is resent")
}

func TestLoopbackRefused(t *testing.T) {
	s, err := stack.New(config.Default(), log.Discard())
	require.NoError(t, err)
	defer s.Stop()

	c := New(s, nil)
	_, err = c.Run(context.Background())
	assert.ErrorIs(t, err, core.ErrNoDevice)
	assert.Equal(t, "FAILED", c.State().String())
}
