package stack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"time"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/netif"
	"firestige.xyz/netstack/internal/skb"
	"firestige.xyz/netstack/internal/tcp"
)

// socket is one slot of the socket table. Lock order is socket.mu before
// the table and port locks; a listener's mu is never taken while one of its
// children is held.
type socket struct {
	fd    int
	typ   core.SockType
	proto core.Protocol

	mu      sync.Mutex
	changed chan struct{}

	local    netip.AddrPort
	remote   netip.AddrPort
	bindAddr netip.Addr // address of the port reservation
	bound    bool
	keyed    bool // registered in the connection table
	device   *netif.Interface
	nonblock bool
	closed   bool // closed by the user
	released bool
	err      error

	// datagram
	inbound *skb.Queue

	// stream
	cb         *tcp.ControlBlock
	ring       *ring
	eof        bool
	advertised int
	inflight   []byte
	probes     int // unanswered zero-window probes
	rtx        *time.Timer
	twait      *time.Timer

	// listener
	parent   *socket
	children map[*socket]struct{}
	acceptQ  []*socket
}

// notify wakes every waiter. Called with mu held.
func (sk *socket) notify() {
	close(sk.changed)
	sk.changed = make(chan struct{})
}

func (sk *socket) enqueue(b *skb.Buffer) error {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	if sk.closed {
		return core.ErrClosed
	}
	if err := sk.inbound.Add(b); err != nil {
		return err
	}
	sk.notify()
	return nil
}

// wait blocks until ready reports done or an error. ready runs with mu held.
// A zero timeout waits forever; honorNonblock turns a would-be wait into
// ErrWouldBlock for nonblocking sockets.
func (sk *socket) wait(s *Stack, timeout time.Duration, honorNonblock bool, ready func() (bool, error)) error {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		sk.mu.Lock()
		done, err := ready()
		changed, nonblock := sk.changed, sk.nonblock
		sk.mu.Unlock()
		if done || err != nil {
			return err
		}
		if nonblock && honorNonblock {
			return core.ErrWouldBlock
		}
		select {
		case <-changed:
		case <-expired:
			return core.ErrTimedOut
		case <-s.ctx.Done():
			return core.ErrStackStopped
		}
	}
}

type connKey struct {
	port   uint16
	remote netip.AddrPort
}

// socketTable hands out descriptors and indexes connected stream sockets.
type socketTable struct {
	mu    sync.Mutex
	slots []*socket
	conns map[connKey]*socket
	inUse int
}

func newSocketTable(size int) *socketTable {
	return &socketTable{
		slots: make([]*socket, size),
		conns: make(map[connKey]*socket),
	}
}

func (t *socketTable) alloc(typ core.SockType, proto core.Protocol) (*socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fd, sk := range t.slots {
		if sk != nil {
			continue
		}
		sk = &socket{fd: fd, typ: typ, proto: proto, changed: make(chan struct{})}
		t.slots[fd] = sk
		t.inUse++
		return sk, nil
	}
	return nil, fmt.Errorf("%d sockets open: %w", t.inUse, core.ErrTableFull)
}

func (t *socketTable) get(fd int) (*socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		return nil, fmt.Errorf("fd %d: %w", fd, core.ErrBadDescriptor)
	}
	return t.slots[fd], nil
}

func (t *socketTable) free(sk *socket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.slots[sk.fd] == sk {
		t.slots[sk.fd] = nil
		t.inUse--
	}
}

func (t *socketTable) register(k connKey, sk *socket) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if other, ok := t.conns[k]; ok && other != sk {
		return fmt.Errorf("port %d to %s: %w", k.port, k.remote, core.ErrAddrInUse)
	}
	t.conns[k] = sk
	return nil
}

func (t *socketTable) unregister(k connKey, sk *socket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns[k] == sk {
		delete(t.conns, k)
	}
}

func (t *socketTable) lookupConn(k connKey) *socket {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[k]
}

func (t *socketTable) open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inUse
}

func (t *socketTable) all() []*socket {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*socket, 0, t.inUse)
	for _, sk := range t.slots {
		if sk != nil {
			out = append(out, sk)
		}
	}
	return out
}

// boundSocket returns the socket owning proto port on ip, if any.
func (s *Stack) boundSocket(proto core.Protocol, ip netip.Addr, port uint16) *socket {
	fd, ok := s.ports.Lookup(proto, ip, port)
	if !ok {
		return nil
	}
	sk, err := s.sockets.get(fd)
	if err != nil {
		return nil
	}
	return sk
}

func (s *Stack) newSocket(typ core.SockType, proto core.Protocol) (*socket, error) {
	sk, err := s.sockets.alloc(typ, proto)
	if err != nil {
		return nil, err
	}
	switch typ {
	case core.SockDgram:
		sk.inbound = skb.NewQueue(s.cfg.Socket.QueueSize)
	case core.SockStream:
		sk.ring = newRing(s.cfg.Socket.RingSize)
		sk.cb = tcp.NewControlBlock()
		sk.cb.SetReceiveWindow(s.window(sk))
		if s.log.IsTraceEnabled() {
			fd := sk.fd
			sk.cb.OnTransition = func(from, to tcp.State) {
				s.log.WithFields(map[string]interface{}{
					"fd": fd, "from": from.String(), "to": to.String(),
				}).Trace("tcp state")
			}
		}
	}
	return sk, nil
}

// Socket opens a socket and returns its descriptor. Only AF_INET with
// stream/TCP or datagram/UDP is supported; a zero proto picks the default.
func (s *Stack) Socket(domain core.Domain, typ core.SockType, proto core.Protocol) (int, error) {
	if s.ctx.Err() != nil {
		return -1, core.ErrStackStopped
	}
	if domain != core.AFInet {
		return -1, fmt.Errorf("domain %d: %w", domain, core.ErrNotSupported)
	}
	switch {
	case typ == core.SockStream && (proto == 0 || proto == core.ProtocolTCP):
		proto = core.ProtocolTCP
	case typ == core.SockDgram && (proto == 0 || proto == core.ProtocolUDP):
		proto = core.ProtocolUDP
	default:
		return -1, fmt.Errorf("%s/%s: %w", typ, proto, core.ErrNotSupported)
	}
	sk, err := s.newSocket(typ, proto)
	if err != nil {
		return -1, err
	}
	return sk.fd, nil
}

// lock returns the open socket behind fd with its mutex held.
func (s *Stack) lock(fd int) (*socket, error) {
	sk, err := s.sockets.get(fd)
	if err != nil {
		return nil, err
	}
	sk.mu.Lock()
	if sk.closed {
		sk.mu.Unlock()
		return nil, fmt.Errorf("fd %d: %w", fd, core.ErrBadDescriptor)
	}
	return sk, nil
}

// bindLocked reserves addr for sk. Port 0 draws an ephemeral port.
func (s *Stack) bindLocked(sk *socket, addr netip.AddrPort) error {
	ip := addr.Addr()
	if !ip.IsValid() {
		ip = netip.IPv4Unspecified()
	}
	if !ip.Is4() {
		return fmt.Errorf("bind %s: %w", addr, core.ErrNotSupported)
	}
	if !ip.IsUnspecified() && !s.isLocal(ip) && !ip.IsLoopback() {
		return fmt.Errorf("bind %s: %w", ip, core.ErrNoRoute)
	}
	port, err := s.ports.Reserve(sk.proto, ip, addr.Port(), sk.fd)
	if err != nil {
		return err
	}
	sk.bindAddr = ip
	sk.local = netip.AddrPortFrom(ip, port)
	sk.bound = true
	if sk.cb != nil {
		return sk.cb.Bind()
	}
	return nil
}

// Bind assigns a local address. Port 0 picks an ephemeral port.
func (s *Stack) Bind(fd int, addr netip.AddrPort) error {
	sk, err := s.lock(fd)
	if err != nil {
		return err
	}
	defer sk.mu.Unlock()
	if sk.bound || (sk.cb != nil && sk.cb.State() != tcp.StateCreated) {
		return fmt.Errorf("fd %d already bound: %w", fd, core.ErrInvalidState)
	}
	return s.bindLocked(sk, addr)
}

// BindDevice pins the socket's traffic to the named interface.
func (s *Stack) BindDevice(fd int, name string) error {
	ifc, ok := s.Interface(name)
	if !ok {
		return fmt.Errorf("interface %q: %w", name, core.ErrNoDevice)
	}
	sk, err := s.lock(fd)
	if err != nil {
		return err
	}
	sk.device = ifc
	sk.mu.Unlock()
	return nil
}

// SetNonblocking toggles nonblocking mode for Accept, Connect and the
// receive calls.
func (s *Stack) SetNonblocking(fd int, on bool) error {
	sk, err := s.lock(fd)
	if err != nil {
		return err
	}
	sk.nonblock = on
	sk.mu.Unlock()
	return nil
}

// LocalAddr returns the bound address. The IP stays unspecified until the
// socket connects or is bound to one.
func (s *Stack) LocalAddr(fd int) (netip.AddrPort, error) {
	sk, err := s.lock(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	defer sk.mu.Unlock()
	return sk.local, nil
}

// RemoteAddr returns the peer of a connected socket.
func (s *Stack) RemoteAddr(fd int) (netip.AddrPort, error) {
	sk, err := s.lock(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	defer sk.mu.Unlock()
	if !sk.remote.IsValid() {
		return netip.AddrPort{}, core.ErrNotConnected
	}
	return sk.remote, nil
}

// SocketState reports the TCP state of a stream socket.
func (s *Stack) SocketState(fd int) (tcp.State, error) {
	sk, err := s.lock(fd)
	if err != nil {
		return 0, err
	}
	defer sk.mu.Unlock()
	if sk.cb == nil {
		return 0, fmt.Errorf("%s socket: %w", sk.typ, core.ErrNotSupported)
	}
	return sk.cb.State(), nil
}

// Listen turns a stream socket into a listener with room for backlog
// connections awaiting Accept. An unbound socket gets an ephemeral port.
func (s *Stack) Listen(fd int, backlog int) error {
	sk, err := s.lock(fd)
	if err != nil {
		return err
	}
	defer sk.mu.Unlock()
	if sk.typ != core.SockStream {
		return fmt.Errorf("listen on %s socket: %w", sk.typ, core.ErrNotSupported)
	}
	if !sk.bound {
		if err := s.bindLocked(sk, netip.AddrPort{}); err != nil {
			return err
		}
	}
	if err := sk.cb.Listen(backlog); err != nil {
		return err
	}
	sk.children = make(map[*socket]struct{})
	return nil
}

// Accept waits for an established connection and returns its descriptor
// and peer address.
func (s *Stack) Accept(fd int) (int, netip.AddrPort, error) {
	sk, err := s.lock(fd)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	listening := sk.cb != nil && sk.cb.State() == tcp.StateListen
	sk.mu.Unlock()
	if !listening {
		return -1, netip.AddrPort{}, fmt.Errorf("accept on fd %d: %w", fd, core.ErrInvalidState)
	}

	var child *socket
	err = sk.wait(s, 0, true, func() (bool, error) {
		if sk.closed {
			return false, core.ErrClosed
		}
		if len(sk.acceptQ) == 0 {
			return false, nil
		}
		child = sk.acceptQ[0]
		sk.acceptQ = sk.acceptQ[1:]
		return true, nil
	})
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	child.mu.Lock()
	remote := child.remote
	child.mu.Unlock()
	return child.fd, remote, nil
}

// Connect opens a TCP connection, or sets the default destination of a
// datagram socket.
func (s *Stack) Connect(fd int, addr netip.AddrPort) error {
	if !addr.Addr().Is4() || addr.Port() == 0 {
		return fmt.Errorf("connect %s: %w", addr, core.ErrNotSupported)
	}
	sk, err := s.lock(fd)
	if err != nil {
		return err
	}
	if !sk.bound {
		if err := s.bindLocked(sk, netip.AddrPort{}); err != nil {
			sk.mu.Unlock()
			return err
		}
	}
	if sk.typ == core.SockDgram {
		sk.remote = addr
		sk.mu.Unlock()
		return nil
	}
	defer sk.mu.Unlock()

	if st := sk.cb.State(); st != tcp.StateClosed {
		return fmt.Errorf("connect in %s: %w", st, core.ErrInvalidState)
	}
	rt, err := s.routeVia(sk.device, addr.Addr())
	if err != nil {
		return err
	}
	if sk.local.Addr().IsUnspecified() {
		sk.local = netip.AddrPortFrom(rt.src, sk.local.Port())
	}
	sk.remote = addr
	sk.err = nil
	sk.eof = false
	key := connKey{sk.local.Port(), addr}
	if err := s.sockets.register(key, sk); err != nil {
		return err
	}
	sk.keyed = true

	// resolve the next hop first so the SYN is not lost to ARP
	sk.mu.Unlock()
	s.prime(addr.Addr())
	sk.mu.Lock()
	if sk.closed || sk.cb.State() != tcp.StateClosed {
		return fmt.Errorf("connect: %w", core.ErrClosed)
	}

	syn, err := sk.cb.Connect(newISS())
	if err != nil {
		s.teardown(sk)
		return err
	}
	if err := s.emit(sk, syn, nil); err != nil && !errors.Is(err, core.ErrARPUnresolved) {
		sk.cb.Abort()
		s.teardown(sk)
		return err
	}
	s.armRetransmit(sk)
	if sk.nonblock {
		return core.ErrWouldBlock
	}

	sk.mu.Unlock()
	err = sk.wait(s, s.cfg.TCP.ConnectTimeout, false, func() (bool, error) {
		if sk.closed {
			return false, core.ErrClosed
		}
		if sk.err != nil {
			return false, sk.err
		}
		switch st := sk.cb.State(); {
		case st.Synchronized():
			return true, nil
		case st == tcp.StateSynSent:
			return false, nil
		}
		return false, core.ErrNotConnected
	})
	sk.mu.Lock()
	if errors.Is(err, core.ErrTimedOut) && sk.cb.State() == tcp.StateSynSent {
		sk.cb.Abort()
		sk.err = core.ErrTimedOut
		s.finish(sk)
	}
	return err
}

// prime resolves the hardware address of dst ahead of a send, bounded by
// the ARP resolve timeout. Failures surface later through retransmission.
func (s *Stack) prime(dst netip.Addr) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ARP.ResolveTimeout)
	defer cancel()
	s.Resolve(ctx, dst)
}

// Send writes data on a connected socket. Stream sends block until every
// segment is acknowledged.
func (s *Stack) Send(fd int, data []byte) (int, error) {
	sk, err := s.lock(fd)
	if err != nil {
		return 0, err
	}
	if sk.typ == core.SockDgram {
		to := sk.remote
		sk.mu.Unlock()
		if !to.IsValid() {
			return 0, core.ErrNotConnected
		}
		return s.SendTo(fd, data, to)
	}
	remote := sk.remote
	sk.mu.Unlock()
	if len(data) == 0 {
		return 0, nil
	}
	if remote.IsValid() {
		s.prime(remote.Addr())
	}
	return s.sendStream(sk, data)
}

func (s *Stack) sendStream(sk *socket, data []byte) (int, error) {
	sendable := func() (bool, error) {
		switch {
		case sk.closed:
			return false, core.ErrClosed
		case sk.err != nil:
			return false, sk.err
		case !sk.cb.State().Sending():
			return false, core.ErrNotConnected
		}
		return !sk.cb.InFlight() && sk.cb.SendWindow() > 0, nil
	}

	sent := 0
	for sent < len(data) {
		err := sk.wait(s, s.cfg.TCP.RetransmitInterval, false, sendable)
		if errors.Is(err, core.ErrTimedOut) {
			// still waiting on an ack or a closed window
			if err := s.probeWindow(sk); err != nil {
				return sent, err
			}
			continue
		}
		if err != nil {
			return sent, err
		}
		sk.mu.Lock()
		n := min(len(data)-sent, s.cfg.TCP.MSS, sk.cb.MSS(), sk.cb.SendWindow())
		seg, err := sk.cb.Send(n, sent+n == len(data))
		if err != nil {
			sk.mu.Unlock()
			return sent, err
		}
		sk.inflight = append(sk.inflight[:0], data[sent:sent+n]...)
		if err := s.emit(sk, seg, sk.inflight); err != nil {
			s.log.WithError(err).WithField("fd", sk.fd).Debug("segment not sent, left to retransmission")
		}
		s.armRetransmit(sk)
		sk.mu.Unlock()
		sent += n
	}

	err := sk.wait(s, 0, false, func() (bool, error) {
		if sk.err != nil {
			return false, sk.err
		}
		return sk.closed || !sk.cb.InFlight(), nil
	})
	return sent, err
}

// probeWindow asks a peer that closed its window to repeat it. Probes left
// unanswered count against tcp.max_retransmits; any segment from the peer
// resets the count.
func (s *Stack) probeWindow(sk *socket) error {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	switch {
	case sk.closed:
		return core.ErrClosed
	case sk.err != nil:
		return sk.err
	case sk.cb.InFlight() || sk.cb.SendWindow() > 0 || !sk.cb.State().Sending():
		return nil
	}
	if sk.probes >= s.cfg.TCP.MaxRetransmits {
		s.giveUp(sk)
		return sk.err
	}
	sk.probes++
	if err := s.emit(sk, sk.cb.Probe(), nil); err != nil {
		s.log.WithError(err).WithField("fd", sk.fd).Debug("window probe not sent")
	}
	return nil
}

// SendTo sends one datagram to the given address. On a stream socket the
// address is ignored.
func (s *Stack) SendTo(fd int, data []byte, to netip.AddrPort) (int, error) {
	sk, err := s.lock(fd)
	if err != nil {
		return 0, err
	}
	if sk.typ == core.SockStream {
		sk.mu.Unlock()
		return s.Send(fd, data)
	}
	if !to.Addr().Is4() {
		sk.mu.Unlock()
		return 0, fmt.Errorf("sendto %s: %w", to, core.ErrNotSupported)
	}
	if !sk.bound {
		if err := s.bindLocked(sk, netip.AddrPort{}); err != nil {
			sk.mu.Unlock()
			return 0, err
		}
	}
	local, device := sk.local, sk.device
	sk.mu.Unlock()

	err = s.withResolve(s.ctx, to.Addr(), func() error {
		return s.sendUDP(local, device, to, data)
	})
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// Recv reads from a socket, blocking until data arrives.
func (s *Stack) Recv(fd int, buf []byte) (int, error) {
	n, _, err := s.recv(fd, buf, 0)
	return n, err
}

// RecvTimeout is Recv giving up with ErrTimedOut after d.
func (s *Stack) RecvTimeout(fd int, buf []byte, d time.Duration) (int, error) {
	n, _, err := s.recv(fd, buf, d)
	return n, err
}

// RecvFrom is Recv that also reports the sender.
func (s *Stack) RecvFrom(fd int, buf []byte) (int, netip.AddrPort, error) {
	return s.recv(fd, buf, 0)
}

// RecvFromTimeout is RecvFrom giving up with ErrTimedOut after d.
func (s *Stack) RecvFromTimeout(fd int, buf []byte, d time.Duration) (int, netip.AddrPort, error) {
	return s.recv(fd, buf, d)
}

func (s *Stack) recv(fd int, buf []byte, timeout time.Duration) (int, netip.AddrPort, error) {
	sk, err := s.lock(fd)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	typ, remote := sk.typ, sk.remote
	sk.mu.Unlock()

	if typ == core.SockDgram {
		return s.recvDatagram(sk, buf, timeout)
	}
	if len(buf) == 0 {
		return 0, remote, nil
	}
	var n int
	err = sk.wait(s, timeout, true, func() (bool, error) {
		switch {
		case sk.closed:
			return false, core.ErrClosed
		case sk.ring.Len() > 0:
			n = sk.ring.Read(buf)
			s.reopenWindow(sk)
			return true, nil
		case sk.err != nil:
			return false, sk.err
		case sk.eof:
			return false, io.EOF
		case !sk.cb.State().Synchronized():
			return false, core.ErrNotConnected
		}
		return false, nil
	})
	return n, remote, err
}

func (s *Stack) recvDatagram(sk *socket, buf []byte, timeout time.Duration) (int, netip.AddrPort, error) {
	var b *skb.Buffer
	err := sk.wait(s, timeout, true, func() (bool, error) {
		if sk.closed {
			return false, core.ErrClosed
		}
		var ok bool
		b, ok = sk.inbound.Remove()
		return ok, nil
	})
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	n := copy(buf, b.Bytes())
	from := netip.AddrPortFrom(b.IP.Src, b.UDP.SrcPort)
	s.pool.Free(b)
	return n, from, nil
}

// Close closes the descriptor. A connected stream socket sends its FIN and
// keeps its slot until the connection is fully closed.
func (s *Stack) Close(fd int) error {
	sk, err := s.lock(fd)
	if err != nil {
		return err
	}
	sk.closed = true
	sk.notify()

	if sk.typ == core.SockDgram {
		s.release(sk)
		sk.mu.Unlock()
		return nil
	}
	if sk.cb.State() == tcp.StateListen {
		pending := make([]*socket, 0, len(sk.children)+len(sk.acceptQ))
		for c := range sk.children {
			pending = append(pending, c)
		}
		pending = append(pending, sk.acceptQ...)
		sk.children, sk.acceptQ = nil, nil
		sk.cb.Close()
		s.release(sk)
		sk.mu.Unlock()
		for _, c := range pending {
			s.abort(c)
		}
		return nil
	}
	defer sk.mu.Unlock()
	if fin := sk.cb.Close(); fin != nil {
		if err := s.emit(sk, *fin, nil); err != nil {
			s.log.WithError(err).WithField("fd", fd).Debug("fin not sent, left to retransmission")
		}
		s.armRetransmit(sk)
	}
	if sk.cb.State() == tcp.StateClosed {
		s.release(sk)
	}
	return nil
}

// abort resets a connection nobody will read and frees its slot.
func (s *Stack) abort(sk *socket) {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	sk.closed = true
	sk.parent = nil
	if rst := sk.cb.Abort(); rst != nil {
		s.emit(sk, *rst, nil)
		s.stats.TCPResets.Add(1)
	}
	s.release(sk)
	sk.notify()
}

// teardown stops timers and leaves the connection table. Called with mu
// held once the connection is over.
func (s *Stack) teardown(sk *socket) {
	if sk.rtx != nil {
		sk.rtx.Stop()
		sk.rtx = nil
	}
	if sk.twait != nil {
		sk.twait.Stop()
		sk.twait = nil
	}
	if sk.keyed {
		s.sockets.unregister(connKey{sk.local.Port(), sk.remote}, sk)
		sk.keyed = false
	}
}

// release returns every resource of sk. Called with mu held.
func (s *Stack) release(sk *socket) {
	if sk.released {
		return
	}
	sk.released = true
	s.teardown(sk)
	if sk.bound {
		s.ports.Release(sk.proto, sk.bindAddr, sk.local.Port())
		sk.bound = false
	}
	if sk.inbound != nil {
		sk.inbound.Drain(s.pool.Free)
	}
	s.sockets.free(sk)
}

// closeSockets shuts every socket down when the stack stops.
func (s *Stack) closeSockets() {
	for _, sk := range s.sockets.all() {
		sk.mu.Lock()
		sk.closed = true
		if sk.cb != nil && sk.cb.State() != tcp.StateClosed {
			sk.cb.Abort()
		}
		s.release(sk)
		sk.notify()
		sk.mu.Unlock()
	}
}
