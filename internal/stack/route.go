package stack

import (
	"fmt"
	"net/netip"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/netif"
)

// route is the outcome of a routing decision.
type route struct {
	ifc     *netif.Interface
	nextHop netip.Addr
	src     netip.Addr
}

func sourceOf(ifc *netif.Interface) netip.Addr {
	if ip := ifc.IP(); ip.IsValid() {
		return ip
	}
	return netip.IPv4Unspecified()
}

func (s *Stack) route(dst netip.Addr) (route, error) {
	return s.routeVia(nil, dst)
}

// routeVia picks the outbound interface for dst: loopback for local
// addresses, the on-link interface, else the default interface through its
// gateway. A non-nil via pins the interface.
func (s *Stack) routeVia(via *netif.Interface, dst netip.Addr) (route, error) {
	if !dst.Is4() || dst.IsUnspecified() {
		return route{}, fmt.Errorf("%s: %w", dst, core.ErrNoRoute)
	}
	if dst.IsLoopback() {
		return route{ifc: s.lo, nextHop: dst, src: s.lo.IP()}, nil
	}
	if s.isLocal(dst) {
		return route{ifc: s.lo, nextHop: dst, src: dst}, nil
	}

	candidates := s.Interfaces()
	def := s.DefaultInterface()
	if via != nil {
		candidates = []*netif.Interface{via}
		def = via
	}

	if dst == netif.LimitedBroadcast {
		if def.IsLoopback() {
			return route{}, fmt.Errorf("broadcast without interface: %w", core.ErrNoRoute)
		}
		return route{ifc: def, nextHop: dst, src: sourceOf(def)}, nil
	}
	for _, ifc := range candidates {
		if ifc.IsLoopback() {
			continue
		}
		if ifc.OnLink(dst) || dst == ifc.SubnetBroadcast() {
			return route{ifc: ifc, nextHop: dst, src: sourceOf(ifc)}, nil
		}
	}
	if gw := def.Gateway(); !def.IsLoopback() && gw.IsValid() && !gw.IsUnspecified() {
		return route{ifc: def, nextHop: gw, src: sourceOf(def)}, nil
	}
	return route{}, fmt.Errorf("%s: %w", dst, core.ErrNoRoute)
}

// isLocal reports whether ip is assigned to one of our interfaces.
func (s *Stack) isLocal(ip netip.Addr) bool {
	for _, ifc := range s.Interfaces() {
		if ifc.Configured() && ifc.IP() == ip {
			return true
		}
	}
	return false
}

// accepts reports whether a datagram for dst received on ifc is ours. The
// loopback carries traffic for every local address.
func (s *Stack) accepts(ifc *netif.Interface, dst netip.Addr) bool {
	if ifc.IsLoopback() {
		return dst.IsLoopback() || s.isLocal(dst)
	}
	return ifc.Accepts(dst)
}
