package netif

import (
	"encoding/binary"
	"math/bits"
	"net/netip"
	"sync"
	"sync/atomic"

	"firestige.xyz/netstack/internal/wire"
)

// Counters holds per-interface traffic counters.
type Counters struct {
	RxPackets atomic.Uint64
	RxBytes   atomic.Uint64
	TxPackets atomic.Uint64
	TxBytes   atomic.Uint64
	TxErrors  atomic.Uint64
	Drops     atomic.Uint64
}

// CounterSnapshot is a point-in-time copy of Counters.
type CounterSnapshot struct {
	RxPackets uint64
	RxBytes   uint64
	TxPackets uint64
	TxBytes   uint64
	TxErrors  uint64
	Drops     uint64
}

// Interface binds an IPv4 address, netmask and gateway to a device.
type Interface struct {
	name     string
	dev      Device
	loopback bool

	mu      sync.RWMutex
	ip      netip.Addr
	netmask netip.Addr
	gateway netip.Addr

	Stats Counters
}

// New creates an unconfigured interface on dev.
func New(name string, dev Device, loopback bool) *Interface {
	if name == "" {
		name = dev.Name()
	}
	return &Interface{name: name, dev: dev, loopback: loopback}
}

func (i *Interface) Name() string     { return i.name }
func (i *Interface) Device() Device   { return i.dev }
func (i *Interface) MAC() wire.MAC    { return i.dev.MAC() }
func (i *Interface) MTU() int         { return i.dev.MTU() }
func (i *Interface) IsLoopback() bool { return i.loopback }

// Configure sets the interface addresses. An invalid ip leaves the
// interface unconfigured.
func (i *Interface) Configure(ip, netmask, gateway netip.Addr) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ip, i.netmask, i.gateway = ip, netmask, gateway
}

// IP returns the interface address, invalid while unconfigured.
func (i *Interface) IP() netip.Addr {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.ip
}

func (i *Interface) Netmask() netip.Addr {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.netmask
}

func (i *Interface) Gateway() netip.Addr {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.gateway
}

// Configured reports whether an address has been assigned.
func (i *Interface) Configured() bool { return i.IP().IsValid() && !i.IP().IsUnspecified() }

// Prefix returns the attached subnet.
func (i *Interface) Prefix() netip.Prefix {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if !i.ip.IsValid() {
		return netip.Prefix{}
	}
	p, err := i.ip.Prefix(MaskBits(i.netmask))
	if err != nil {
		return netip.Prefix{}
	}
	return p
}

// OnLink reports whether dst is in the attached subnet.
func (i *Interface) OnLink(dst netip.Addr) bool {
	p := i.Prefix()
	return p.IsValid() && p.Bits() > 0 && p.Contains(dst)
}

// SubnetBroadcast returns the directed broadcast address of the subnet.
func (i *Interface) SubnetBroadcast() netip.Addr {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if !i.ip.IsValid() || !i.netmask.IsValid() {
		return netip.Addr{}
	}
	ip, mask := i.ip.As4(), i.netmask.As4()
	v := binary.BigEndian.Uint32(ip[:]) | ^binary.BigEndian.Uint32(mask[:])
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], v)
	return netip.AddrFrom4(out)
}

// Accepts reports whether a datagram addressed to dst is for this host. An
// unconfigured interface accepts everything so DHCP can bootstrap.
func (i *Interface) Accepts(dst netip.Addr) bool {
	if !i.Configured() {
		return true
	}
	if dst == i.IP() || dst == LimitedBroadcast {
		return true
	}
	return dst == i.SubnetBroadcast()
}

// Snapshot copies the counters.
func (i *Interface) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		RxPackets: i.Stats.RxPackets.Load(),
		RxBytes:   i.Stats.RxBytes.Load(),
		TxPackets: i.Stats.TxPackets.Load(),
		TxBytes:   i.Stats.TxBytes.Load(),
		TxErrors:  i.Stats.TxErrors.Load(),
		Drops:     i.Stats.Drops.Load(),
	}
}

// LimitedBroadcast is 255.255.255.255.
var LimitedBroadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// MaskBits returns the prefix length of a dotted netmask.
func MaskBits(mask netip.Addr) int {
	if !mask.IsValid() {
		return 0
	}
	m := mask.As4()
	return bits.OnesCount32(binary.BigEndian.Uint32(m[:]))
}

// MaskFromBits returns the dotted netmask of a prefix length.
func MaskFromBits(n int) netip.Addr {
	var out [4]byte
	if n > 0 {
		binary.BigEndian.PutUint32(out[:], ^uint32(0)<<(32-n))
	}
	return netip.AddrFrom4(out)
}
