package stack

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/netif"
	"firestige.xyz/netstack/internal/skb"
	"firestige.xyz/netstack/internal/wire"
)

// arpRetry is how often Resolve repeats an unanswered request.
const arpRetry = 200 * time.Millisecond

// ARPEntry is one cached binding.
type ARPEntry struct {
	IP  netip.Addr
	MAC wire.MAC
}

// ARPCache is a fixed-capacity IPv4 to MAC table. When full, new addresses
// are not admitted; existing entries are never evicted.
type ARPCache struct {
	mu       sync.RWMutex
	entries  map[netip.Addr]wire.MAC
	capacity int
	changed  chan struct{}
}

// NewARPCache creates a cache holding at most capacity entries.
func NewARPCache(capacity int) *ARPCache {
	return &ARPCache{
		entries:  make(map[netip.Addr]wire.MAC, capacity),
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// Find returns the MAC bound to ip.
func (c *ARPCache) Find(ip netip.Addr) (wire.MAC, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mac, ok := c.entries[ip]
	return mac, ok
}

// Add binds ip to mac and reports whether the binding is now cached. An
// existing ip is updated in place; a new one is ignored when the table is
// full.
func (c *ARPCache) Add(ip netip.Addr, mac wire.MAC) bool {
	if !ip.Is4() || ip.IsUnspecified() || mac.IsZero() || mac.IsBroadcast() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[ip]; ok {
		if old != mac {
			c.entries[ip] = mac
			c.signal()
		}
		return true
	}
	if len(c.entries) >= c.capacity {
		return false
	}
	c.entries[ip] = mac
	c.signal()
	return true
}

func (c *ARPCache) signal() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// wait returns a channel closed on the next change.
func (c *ARPCache) wait() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.changed
}

func (c *ARPCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *ARPCache) Capacity() int { return c.capacity }

// Entries lists the cache sorted by address.
func (c *ARPCache) Entries() []ARPEntry {
	c.mu.RLock()
	out := make([]ARPEntry, 0, len(c.entries))
	for ip, mac := range c.entries {
		out = append(out, ARPEntry{IP: ip, MAC: mac})
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IP.Less(out[j].IP) })
	return out
}

// parseARP learns the sender and answers requests for our address.
func (s *Stack) parseARP(b *skb.Buffer) error {
	pkt, err := wire.DecodeARP(b.Bytes())
	if err != nil {
		return err
	}
	b.ARP = pkt
	ifc := b.Iface

	s.arp.Add(pkt.SenderIP, pkt.SenderMAC)
	if pkt.Op != wire.ARPRequest || !ifc.Configured() || pkt.TargetIP != ifc.IP() {
		return nil
	}
	return s.sendARP(ifc, wire.ARPReply, pkt.SenderMAC, pkt.SenderIP)
}

// ARPRequest broadcasts a request for ip on ifc, subject to the request
// rate limit.
func (s *Stack) ARPRequest(ifc *netif.Interface, ip netip.Addr) error {
	if ifc.IsLoopback() {
		return nil
	}
	if !s.arpLimit.Allow() {
		return errRateLimited
	}
	return s.sendARP(ifc, wire.ARPRequest, wire.MAC{}, ip)
}

func (s *Stack) sendARP(ifc *netif.Interface, op uint16, targetMAC wire.MAC, targetIP netip.Addr) error {
	b, err := s.newOutbound()
	if err != nil {
		return err
	}
	src := ifc.IP()
	if !src.IsValid() {
		src = netip.IPv4Unspecified()
	}
	pkt := wire.NewARP(op, ifc.MAC(), src, targetMAC, targetIP)
	pkt.Put(b.Put(wire.ARPHeaderLen))
	b.ARP = pkt
	b.Out = ifc

	dst := targetMAC
	if op == wire.ARPRequest {
		dst = wire.BroadcastMAC
	}
	s.pushEthernet(b, dst, core.EtherTypeARP)
	return s.transmit(b)
}

// Resolve returns the hardware address of the next hop towards ip,
// requesting it as needed until ctx ends.
func (s *Stack) Resolve(ctx context.Context, ip netip.Addr) (wire.MAC, error) {
	rt, err := s.route(ip)
	if err != nil {
		return wire.MAC{}, err
	}
	for {
		changed := s.arp.wait()
		mac, err := s.linkAddr(rt.ifc, rt.nextHop)
		if !errors.Is(err, core.ErrARPUnresolved) {
			return mac, err
		}
		select {
		case <-changed:
		case <-time.After(arpRetry):
		case <-ctx.Done():
			return wire.MAC{}, fmt.Errorf("resolve %s: %w", rt.nextHop, core.ErrARPUnresolved)
		case <-s.ctx.Done():
			return wire.MAC{}, core.ErrStackStopped
		}
	}
}

// withResolve runs send and, when it failed on an unresolved next hop,
// resolves dst within the configured timeout and tries once more.
func (s *Stack) withResolve(ctx context.Context, dst netip.Addr, send func() error) error {
	err := send()
	if !errors.Is(err, core.ErrARPUnresolved) {
		return err
	}
	rctx, cancel := context.WithTimeout(ctx, s.cfg.ARP.ResolveTimeout)
	defer cancel()
	if _, rerr := s.Resolve(rctx, dst); rerr != nil {
		return err
	}
	return send()
}
