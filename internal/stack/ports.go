package stack

import (
	"fmt"
	"math/rand/v2"
	"net/netip"
	"sync"

	"firestige.xyz/netstack/internal/core"
)

// Ephemeral port range handed out when binding to port 0.
const (
	FirstEphemeral uint16 = 49152
	LastEphemeral  uint16 = 65535
)

type portDescriptor struct {
	proto core.Protocol
	port  uint16
}

// bindAddresses maps each address bound on a port to the owning descriptor.
type bindAddresses map[netip.Addr]int

// isAvailable checks whether addr can be bound. The unspecified address
// conflicts with every other address on the same port.
func (b bindAddresses) isAvailable(addr netip.Addr) bool {
	if addr.IsUnspecified() {
		return len(b) == 0
	}
	if _, ok := b[netip.IPv4Unspecified()]; ok {
		return false
	}
	_, ok := b[addr]
	return !ok
}

// PortManager reserves (protocol, address, port) bindings and finds the
// owner of a bound port.
type PortManager struct {
	mu        sync.RWMutex
	allocated map[portDescriptor]bindAddresses
}

func NewPortManager() *PortManager {
	return &PortManager{allocated: make(map[portDescriptor]bindAddresses)}
}

func normalize(addr netip.Addr) netip.Addr {
	if !addr.IsValid() {
		return netip.IPv4Unspecified()
	}
	return addr
}

// Reserve binds addr:port for owner. Port 0 picks a free ephemeral port.
func (pm *PortManager) Reserve(proto core.Protocol, addr netip.Addr, port uint16, owner int) (uint16, error) {
	addr = normalize(addr)
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if port != 0 {
		if !pm.reserveSpecified(proto, addr, port, owner) {
			return 0, fmt.Errorf("%s %s:%d: %w", proto, addr, port, core.ErrAddrInUse)
		}
		return port, nil
	}
	return pm.pickEphemeral(func(p uint16) bool {
		return pm.reserveSpecified(proto, addr, p, owner)
	})
}

// pickEphemeral starts at a random point and walks the whole range once.
func (pm *PortManager) pickEphemeral(try func(p uint16) bool) (uint16, error) {
	count := uint32(LastEphemeral-FirstEphemeral) + 1
	offset := rand.Uint32N(count)
	for i := uint32(0); i < count; i++ {
		p := FirstEphemeral + uint16((offset+i)%count)
		if try(p) {
			return p, nil
		}
	}
	return 0, core.ErrNoPort
}

func (pm *PortManager) reserveSpecified(proto core.Protocol, addr netip.Addr, port uint16, owner int) bool {
	desc := portDescriptor{proto, port}
	addrs, ok := pm.allocated[desc]
	if ok && !addrs.isAvailable(addr) {
		return false
	}
	if !ok {
		addrs = make(bindAddresses)
		pm.allocated[desc] = addrs
	}
	addrs[addr] = owner
	return true
}

// Release drops the reservation of addr:port.
func (pm *PortManager) Release(proto core.Protocol, addr netip.Addr, port uint16) {
	addr = normalize(addr)
	pm.mu.Lock()
	defer pm.mu.Unlock()
	desc := portDescriptor{proto, port}
	addrs := pm.allocated[desc]
	delete(addrs, addr)
	if len(addrs) == 0 {
		delete(pm.allocated, desc)
	}
}

// Lookup returns the owner of the binding a datagram for addr:port reaches:
// an exact address match first, then the unspecified address.
func (pm *PortManager) Lookup(proto core.Protocol, addr netip.Addr, port uint16) (int, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	addrs, ok := pm.allocated[portDescriptor{proto, port}]
	if !ok {
		return 0, false
	}
	if owner, ok := addrs[addr]; ok {
		return owner, true
	}
	owner, ok := addrs[netip.IPv4Unspecified()]
	return owner, ok
}

// InUse reports the number of bound ports for proto.
func (pm *PortManager) InUse(proto core.Protocol) int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	n := 0
	for d := range pm.allocated {
		if d.proto == proto {
			n++
		}
	}
	return n
}
