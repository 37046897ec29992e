package stack

import (
	"fmt"
	"net/netip"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/netif"
	"firestige.xyz/netstack/internal/skb"
	"firestige.xyz/netstack/internal/wire"
)

// parseEthernet consumes the Ethernet header. Frames addressed to another
// station are not for us.
func (s *Stack) parseEthernet(b *skb.Buffer) error {
	eth, _, err := wire.DecodeEthernet(b.Bytes())
	if err != nil {
		return err
	}
	b.Pull(wire.EthernetHeaderLen)
	b.Eth = eth
	b.EtherType = eth.Type

	if eth.Dst != b.Iface.MAC() && !eth.Dst.IsBroadcast() {
		return fmt.Errorf("dst %s: %w", eth.Dst, core.ErrNotForUs)
	}
	return nil
}

// addEthernetHeader frames b for b.Out. The next hop must be resolved;
// otherwise an ARP request goes out and the caller retries later.
func (s *Stack) addEthernetHeader(b *skb.Buffer, nextHop netip.Addr, typ core.EtherType) error {
	mac, err := s.linkAddr(b.Out, nextHop)
	if err != nil {
		return err
	}
	s.pushEthernet(b, mac, typ)
	return nil
}

func (s *Stack) pushEthernet(b *skb.Buffer, dst wire.MAC, typ core.EtherType) {
	eth := wire.EthernetHeader{Dst: dst, Src: b.Out.MAC(), Type: typ}
	eth.Put(b.Push(wire.EthernetHeaderLen))
	b.Eth = eth
}

// linkAddr maps a next hop on ifc to its hardware address.
func (s *Stack) linkAddr(ifc *netif.Interface, ip netip.Addr) (wire.MAC, error) {
	switch {
	case ifc.IsLoopback():
		return ifc.MAC(), nil
	case ip == netif.LimitedBroadcast || ip == ifc.SubnetBroadcast():
		return wire.BroadcastMAC, nil
	}
	if mac, ok := s.arp.Find(ip); ok {
		return mac, nil
	}
	if err := s.ARPRequest(ifc, ip); err != nil && s.log.IsTraceEnabled() {
		s.log.WithError(err).Tracef("arp request for %s not sent", ip)
	}
	return wire.MAC{}, fmt.Errorf("%s: %w", ip, core.ErrARPUnresolved)
}
