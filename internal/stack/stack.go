// Package stack wires the protocol layers into a running network stack: the
// dispatcher goroutine, the per-protocol handlers and the socket layer.
package stack

import (
	"context"
	"fmt"
	"maps"
	"net/netip"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"firestige.xyz/netstack/internal/config"
	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/log"
	"firestige.xyz/netstack/internal/netif"
	"firestige.xyz/netstack/internal/skb"
)

// LoopbackPrefix is the address of the loopback interface every stack owns.
var LoopbackPrefix = netip.MustParsePrefix("127.0.0.1/8")

// Stack is one network stack instance. All protocol state lives here.
type Stack struct {
	cfg *config.Config
	log log.Logger

	pool *skb.Pool
	rx   *skb.Queue
	tx   *skb.Queue
	wake chan struct{}

	mu     sync.RWMutex
	ifaces []*netif.Interface
	lo     *netif.Interface
	def    *netif.Interface

	arp       *ARPCache
	arpLimit  *rate.Limiter
	icmpLimit *rate.Limiter
	pings     *pingTable

	sockets *socketTable
	ports   *PortManager

	ipID  atomic.Uint32
	stats Stats

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
}

// New creates a stack with a loopback interface. A nil cfg uses
// config.Default, a nil logger the process logger.
func New(cfg *config.Config, logger log.Logger) (*Stack, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = log.GetLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Stack{
		cfg:       cfg,
		log:       logger.WithField("component", "stack"),
		pool:      skb.NewPool(cfg.Pool.Size, cfg.Pool.BufferSize),
		rx:        skb.NewQueue(cfg.Queues.RX),
		tx:        skb.NewQueue(cfg.Queues.TX),
		wake:      make(chan struct{}, 1),
		arp:       NewARPCache(cfg.ARP.Capacity),
		arpLimit:  rate.NewLimiter(rate.Limit(cfg.ARP.RequestRate), cfg.ARP.RequestBurst),
		icmpLimit: rate.NewLimiter(rate.Limit(cfg.ICMP.ReplyRate), cfg.ICMP.ReplyBurst),
		pings:     newPingTable(),
		sockets:   newSocketTable(cfg.Socket.MaxSockets),
		ports:     NewPortManager(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	lo, err := s.attach("lo", netif.NewLoopback("lo"), true)
	if err != nil {
		cancel()
		return nil, err
	}
	lo.Configure(LoopbackPrefix.Addr(), netif.MaskFromBits(LoopbackPrefix.Bits()), netip.Addr{})
	s.lo = lo
	return s, nil
}

// FromConfig creates a stack and attaches every configured interface.
func FromConfig(cfg *config.Config, logger log.Logger) (*Stack, error) {
	s, err := New(cfg, logger)
	if err != nil {
		return nil, err
	}
	for _, ic := range s.cfg.Interfaces {
		opts := maps.Clone(ic.Options)
		if opts == nil {
			opts = map[string]any{}
		}
		if _, ok := opts["name"]; !ok {
			opts["name"] = ic.Name
		}
		if _, ok := opts["mac"]; !ok && ic.MAC != "" {
			opts["mac"] = ic.MAC
		}
		dev, err := netif.NewDevice(ic.Kind, opts)
		if err != nil {
			s.Stop()
			return nil, fmt.Errorf("interface %s: %w", ic.Name, err)
		}
		if _, err := s.AddInterface(ic.Name, dev, ic.Prefix(), ic.GatewayAddr(), ic.Default); err != nil {
			dev.Close()
			s.Stop()
			return nil, err
		}
	}
	return s, nil
}

// AddInterface attaches dev. A valid prefix configures the address; an
// invalid one leaves the interface for DHCP. The first non-loopback
// interface, or one added with makeDefault, becomes the default.
func (s *Stack) AddInterface(name string, dev netif.Device, prefix netip.Prefix, gateway netip.Addr, makeDefault bool) (*netif.Interface, error) {
	ifc, err := s.attach(name, dev, false)
	if err != nil {
		return nil, err
	}
	if prefix.IsValid() {
		ifc.Configure(prefix.Addr(), netif.MaskFromBits(prefix.Bits()), gateway)
	}

	s.mu.Lock()
	if makeDefault || s.def == nil {
		s.def = ifc
	}
	s.mu.Unlock()

	s.log.WithFields(map[string]interface{}{
		"interface": name,
		"mac":       ifc.MAC().String(),
		"prefix":    prefix.String(),
	}).Info("interface attached")
	return ifc, nil
}

func (s *Stack) attach(name string, dev netif.Device, loopback bool) (*netif.Interface, error) {
	if dev == nil {
		return nil, fmt.Errorf("interface %s: %w", name, core.ErrNoDevice)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ifc := range s.ifaces {
		if ifc.Name() == name {
			return nil, fmt.Errorf("interface %s: %w", name, core.ErrAddrInUse)
		}
	}
	ifc := netif.New(name, dev, loopback)
	s.ifaces = append(s.ifaces, ifc)
	dev.SetNotify(func() { s.receive(ifc) })
	return ifc, nil
}

// Interfaces returns the attached interfaces, loopback first.
func (s *Stack) Interfaces() []*netif.Interface {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*netif.Interface(nil), s.ifaces...)
}

// Interface returns the interface with the given name.
func (s *Stack) Interface(name string) (*netif.Interface, bool) {
	for _, ifc := range s.Interfaces() {
		if ifc.Name() == name {
			return ifc, true
		}
	}
	return nil, false
}

// Loopback returns the loopback interface.
func (s *Stack) Loopback() *netif.Interface { return s.lo }

// DefaultInterface returns the interface used for broadcasts and off-link
// destinations, the loopback when nothing else is attached.
func (s *Stack) DefaultInterface() *netif.Interface {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.def != nil {
		return s.def
	}
	return s.lo
}

// ARP returns the stack's ARP cache.
func (s *Stack) ARP() *ARPCache { return s.arp }

// Stats returns the stack counters.
func (s *Stack) Stats() *Stats { return &s.stats }

// Config returns the configuration the stack was built with.
func (s *Stack) Config() *config.Config { return s.cfg }

// Logger returns the stack logger tagged with component.
func (s *Stack) Logger(component string) log.Logger {
	return s.log.WithField("component", component)
}

// Start launches the dispatcher.
func (s *Stack) Start() error {
	if s.ctx.Err() != nil {
		return core.ErrStackStopped
	}
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	go s.dispatch()
	s.log.Info("stack started")
	return nil
}

// Stop cancels the dispatcher, closes every socket and device and drains
// both queues.
func (s *Stack) Stop() error {
	if s.ctx.Err() != nil {
		return nil
	}
	s.cancel()
	if s.started.Load() {
		<-s.done
	}
	s.closeSockets()
	freed := s.rx.Drain(s.pool.Free) + s.tx.Drain(s.pool.Free)
	for _, ifc := range s.Interfaces() {
		ifc.Device().Close()
	}
	s.log.WithField("freed", freed).Info("stack stopped")
	return nil
}

// Done is closed when the stack is closed.
func (s *Stack) Done() <-chan struct{} { return s.ctx.Done() }

// receive pulls every pending frame from ifc's device into the rx queue.
// It runs on the device's notification path.
func (s *Stack) receive(ifc *netif.Interface) {
	if s.ctx.Err() != nil {
		return
	}
	queued := false
	for {
		b, err := s.pool.Allocate()
		if err != nil {
			// keep the device queue moving and account the loss
			if !s.discard(ifc) {
				break
			}
			s.stats.drop(DropPoolExhausted)
			ifc.Stats.Drops.Add(1)
			continue
		}
		n, err := b.ReadFrom(ifc.Device())
		if err != nil {
			s.pool.Free(b)
			break
		}
		b.Iface = ifc
		ifc.Stats.RxPackets.Add(1)
		ifc.Stats.RxBytes.Add(uint64(n))
		if err := s.rx.Add(b); err != nil {
			s.pool.Free(b)
			s.stats.drop(DropQueueFull)
			ifc.Stats.Drops.Add(1)
			continue
		}
		queued = true
	}
	if queued {
		s.kick()
	}
}

func (s *Stack) discard(ifc *netif.Interface) bool {
	var scratch [netif.DefaultMTU + 18]byte
	_, err := ifc.Device().Read(scratch[:])
	return err == nil
}

// kick wakes the dispatcher without blocking.
func (s *Stack) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
