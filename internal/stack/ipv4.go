package stack

import (
	"fmt"
	"net/netip"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/skb"
	"firestige.xyz/netstack/internal/wire"
)

// addIPv4Header prepends the IPv4 header for b's current contents and
// frames it for the route's interface.
func (s *Stack) addIPv4Header(b *skb.Buffer, rt route, dst netip.Addr, proto core.Protocol) error {
	total := wire.IPv4HeaderLen + b.Len()
	if total > rt.ifc.MTU() {
		return fmt.Errorf("datagram of %d bytes over mtu %d: %w", total, rt.ifc.MTU(), core.ErrMessageSize)
	}
	ip := wire.IPv4Header{
		TotalLen: uint16(total),
		ID:       uint16(s.ipID.Add(1)),
		TTL:      wire.DefaultTTL,
		Protocol: proto,
		Src:      rt.src,
		Dst:      dst,
	}
	ip.Put(b.Push(wire.IPv4HeaderLen))
	b.IP = ip
	b.Protocol = proto
	b.Out = rt.ifc
	b.NextHop = rt.nextHop
	return s.addEthernetHeader(b, rt.nextHop, core.EtherTypeIPv4)
}

// sendIPv4 frames b and queues it. b is consumed either way.
func (s *Stack) sendIPv4(b *skb.Buffer, rt route, dst netip.Addr, proto core.Protocol) error {
	if err := s.addIPv4Header(b, rt, dst, proto); err != nil {
		s.pool.Free(b)
		return err
	}
	return s.transmit(b)
}

// parseIPv4 consumes the IPv4 header and leaves b holding exactly the
// transport payload.
func (s *Stack) parseIPv4(b *skb.Buffer) error {
	ip, payload, err := wire.DecodeIPv4(b.Bytes())
	if err != nil {
		return err
	}
	b.IP = ip
	if ip.IsFragment() {
		return fmt.Errorf("id %d: %w", ip.ID, core.ErrFragmented)
	}

	ifc := b.Iface
	if !s.accepts(ifc, ip.Dst) {
		return fmt.Errorf("dst %s on %s: %w", ip.Dst, ifc.Name(), core.ErrNotForUs)
	}
	if !ifc.IsLoopback() && ifc.OnLink(ip.Src) {
		s.arp.Add(ip.Src, b.Eth.Src)
	}

	b.Pull(ip.HeaderLen())
	b.Trim(len(payload))
	b.Protocol = ip.Protocol
	return nil
}
