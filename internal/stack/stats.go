package stack

import (
	"errors"
	"sync/atomic"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/netif"
	"firestige.xyz/netstack/internal/skb"
)

// DropReason classifies a discarded frame.
type DropReason uint8

const (
	DropTooShort DropReason = iota
	DropBadChecksum
	DropMalformed
	DropUnsupported
	DropNotForUs
	DropFragment
	DropNoSocket
	DropQueueFull
	DropPoolExhausted
	DropNoRoute
	DropARPUnresolved
	DropRateLimited
	DropOther
	numDropReasons
)

var dropReasonNames = [numDropReasons]string{
	DropTooShort:      "too_short",
	DropBadChecksum:   "bad_checksum",
	DropMalformed:     "malformed",
	DropUnsupported:   "unsupported",
	DropNotForUs:      "not_for_us",
	DropFragment:      "fragment",
	DropNoSocket:      "no_socket",
	DropQueueFull:     "queue_full",
	DropPoolExhausted: "pool_exhausted",
	DropNoRoute:       "no_route",
	DropARPUnresolved: "arp_unresolved",
	DropRateLimited:   "rate_limited",
	DropOther:         "other",
}

func (r DropReason) String() string {
	if r < numDropReasons {
		return dropReasonNames[r]
	}
	return "other"
}

var (
	errNoSocket    = errors.New("netstack: no socket for segment")
	errRateLimited = errors.New("netstack: rate limited")
)

func reasonFor(err error) DropReason {
	switch {
	case errors.Is(err, core.ErrPacketTooShort):
		return DropTooShort
	case errors.Is(err, core.ErrBadChecksum):
		return DropBadChecksum
	case errors.Is(err, core.ErrMalformed):
		return DropMalformed
	case errors.Is(err, core.ErrUnsupportedProto):
		return DropUnsupported
	case errors.Is(err, core.ErrNotForUs):
		return DropNotForUs
	case errors.Is(err, core.ErrFragmented):
		return DropFragment
	case errors.Is(err, errNoSocket):
		return DropNoSocket
	case errors.Is(err, core.ErrQueueFull):
		return DropQueueFull
	case errors.Is(err, core.ErrPoolExhausted):
		return DropPoolExhausted
	case errors.Is(err, core.ErrNoRoute):
		return DropNoRoute
	case errors.Is(err, core.ErrARPUnresolved):
		return DropARPUnresolved
	case errors.Is(err, errRateLimited):
		return DropRateLimited
	}
	return DropOther
}

// Stats holds stack-wide counters.
type Stats struct {
	drops          [numDropReasons]atomic.Uint64
	TCPRetransmits atomic.Uint64
	TCPResets      atomic.Uint64
	ICMPEchoes     atomic.Uint64
}

func (st *Stats) drop(r DropReason) { st.drops[r].Add(1) }

// Drops returns the count for one reason.
func (st *Stats) Drops(r DropReason) uint64 { return st.drops[r].Load() }

// InterfaceSnapshot is one interface's state and counters.
type InterfaceSnapshot struct {
	Name     string
	MAC      string
	Prefix   string
	Gateway  string
	Loopback bool
	Default  bool
	Counters netif.CounterSnapshot
}

// Snapshot is a point-in-time copy of the stack's observable state.
type Snapshot struct {
	Interfaces     []InterfaceSnapshot
	Drops          map[string]uint64
	Pool           skb.PoolStats
	RxQueue        int
	TxQueue        int
	OpenSockets    int
	ARPEntries     int
	TCPRetransmits uint64
	TCPResets      uint64
	ICMPEchoes     uint64
}

// Snapshot copies the stack counters.
func (s *Stack) Snapshot() Snapshot {
	snap := Snapshot{
		Drops:          make(map[string]uint64, numDropReasons),
		Pool:           s.pool.Stats(),
		RxQueue:        s.rx.Len(),
		TxQueue:        s.tx.Len(),
		OpenSockets:    s.sockets.open(),
		ARPEntries:     s.arp.Len(),
		TCPRetransmits: s.stats.TCPRetransmits.Load(),
		TCPResets:      s.stats.TCPResets.Load(),
		ICMPEchoes:     s.stats.ICMPEchoes.Load(),
	}
	for r := DropReason(0); r < numDropReasons; r++ {
		snap.Drops[r.String()] = s.stats.Drops(r)
	}
	def := s.DefaultInterface()
	for _, ifc := range s.Interfaces() {
		is := InterfaceSnapshot{
			Name:     ifc.Name(),
			MAC:      ifc.MAC().String(),
			Loopback: ifc.IsLoopback(),
			Default:  ifc == def,
			Counters: ifc.Snapshot(),
		}
		if p := ifc.Prefix(); p.IsValid() {
			is.Prefix = p.String()
		}
		if gw := ifc.Gateway(); gw.IsValid() {
			is.Gateway = gw.String()
		}
		snap.Interfaces = append(snap.Interfaces, is)
	}
	return snap
}
