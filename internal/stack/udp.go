package stack

import (
	"fmt"
	"net/netip"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/netif"
	"firestige.xyz/netstack/internal/skb"
	"firestige.xyz/netstack/internal/wire"
)

// handleUDP verifies a datagram and queues it on the bound socket, which
// then owns the buffer until the datagram is read.
func (s *Stack) handleUDP(b *skb.Buffer) (bool, error) {
	hdr, payload, err := wire.DecodeUDP(b.Bytes(), b.IP.Src, b.IP.Dst)
	if err != nil {
		return false, err
	}
	b.UDP = hdr
	b.Pull(wire.UDPHeaderLen)
	b.Trim(len(payload))

	sk := s.boundSocket(core.ProtocolUDP, b.IP.Dst, hdr.DstPort)
	if sk == nil {
		return false, fmt.Errorf("udp port %d: %w", hdr.DstPort, errNoSocket)
	}
	if err := sk.enqueue(b); err != nil {
		return false, err
	}
	return true, nil
}

// sendUDP builds and queues one datagram from local to dst.
func (s *Stack) sendUDP(local netip.AddrPort, via *netif.Interface, dst netip.AddrPort, payload []byte) error {
	rt, err := s.routeVia(via, dst.Addr())
	if err != nil {
		return err
	}
	if src := local.Addr(); src.IsValid() && !src.IsUnspecified() {
		rt.src = src
	}

	b, err := s.newOutbound()
	if err != nil {
		return err
	}
	if err := b.Append(payload); err != nil {
		s.pool.Free(b)
		return fmt.Errorf("datagram of %d bytes: %w", len(payload), err)
	}
	hdr := wire.UDPHeader{SrcPort: local.Port(), DstPort: dst.Port()}
	b.Push(wire.UDPHeaderLen)
	wire.PutUDP(b.Bytes(), &hdr, rt.src, dst.Addr(), b.Bytes()[wire.UDPHeaderLen:])
	b.UDP = hdr
	return s.sendIPv4(b, rt, dst.Addr(), core.ProtocolUDP)
}
