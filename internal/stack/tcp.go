package stack

import (
	"fmt"
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/soypat/seqs"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/netif"
	"firestige.xyz/netstack/internal/skb"
	"firestige.xyz/netstack/internal/tcp"
	"firestige.xyz/netstack/internal/wire"
)

func newISS() seqs.Value { return seqs.Value(rand.Uint32()) }

// handleTCP verifies a segment and hands it to its connection, or to the
// listener on the destination port. Anything else is answered with RST.
func (s *Stack) handleTCP(b *skb.Buffer) error {
	hdr, payload, err := wire.DecodeTCP(b.Bytes(), b.IP.Src, b.IP.Dst)
	if err != nil {
		return err
	}
	b.TCP = hdr
	seg := tcp.FromHeader(&hdr, len(payload))
	remote := netip.AddrPortFrom(b.IP.Src, hdr.SrcPort)

	if sk := s.sockets.lookupConn(connKey{hdr.DstPort, remote}); sk != nil {
		s.tcpSegment(sk, seg, payload)
		return nil
	}
	if l := s.boundSocket(core.ProtocolTCP, b.IP.Dst, hdr.DstPort); l != nil {
		return s.tcpListen(l, b, seg)
	}
	s.tcpReset(b, seg)
	return fmt.Errorf("tcp port %d: %w", hdr.DstPort, errNoSocket)
}

// tcpListen spawns a child connection for a SYN reaching a listener.
func (s *Stack) tcpListen(l *socket, b *skb.Buffer, seg tcp.Segment) error {
	switch {
	case seg.Flags&wire.FlagRST != 0:
		return nil
	case seg.Flags&wire.FlagACK != 0:
		s.tcpReset(b, seg)
		return fmt.Errorf("%s to listener: %w", seg.Flags, errNoSocket)
	case seg.Flags&wire.FlagSYN == 0:
		return fmt.Errorf("%s to listener: %w", seg.Flags, core.ErrMalformed)
	}

	l.mu.Lock()
	if l.closed || l.cb.State() != tcp.StateListen {
		l.mu.Unlock()
		s.tcpReset(b, seg)
		return fmt.Errorf("port %d not listening: %w", b.TCP.DstPort, errNoSocket)
	}
	if backlog := l.cb.Backlog(); len(l.acceptQ)+len(l.children) >= backlog {
		l.mu.Unlock()
		return fmt.Errorf("backlog %d: %w", backlog, core.ErrQueueFull)
	}
	child, err := s.newSocket(core.SockStream, core.ProtocolTCP)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	l.children[child] = struct{}{}
	device := l.device
	l.mu.Unlock()

	child.mu.Lock()
	child.parent = l
	child.device = device
	child.local = netip.AddrPortFrom(b.IP.Dst, b.TCP.DstPort)
	child.remote = netip.AddrPortFrom(b.IP.Src, b.TCP.SrcPort)
	child.cb.Bind()
	child.cb.Prepare()
	err = s.sockets.register(connKey{child.local.Port(), child.remote}, child)
	var synack tcp.Segment
	if err == nil {
		child.keyed = true
		synack, err = child.cb.Accept(seg, newISS())
	}
	if err != nil {
		s.release(child)
		child.mu.Unlock()
		s.forget(l, child)
		return err
	}
	if err := s.emit(child, synack, nil); err != nil {
		s.log.WithError(err).WithField("peer", child.remote.String()).Debug("syn-ack not sent, left to retransmission")
	}
	s.armRetransmit(child)
	child.mu.Unlock()
	return nil
}

// promote moves an established child to its listener's accept queue.
func (s *Stack) promote(l *socket, child *socket) {
	l.mu.Lock()
	delete(l.children, child)
	if l.closed {
		l.mu.Unlock()
		s.abort(child)
		return
	}
	l.acceptQ = append(l.acceptQ, child)
	l.notify()
	l.mu.Unlock()
}

// forget drops a child that died before it was established.
func (s *Stack) forget(l *socket, child *socket) {
	l.mu.Lock()
	delete(l.children, child)
	l.mu.Unlock()
}

// tcpSegment runs one inbound segment through a connection.
func (s *Stack) tcpSegment(sk *socket, seg tcp.Segment, payload []byte) {
	sk.mu.Lock()
	established, died := s.tcpInput(sk, seg, payload)
	parent := sk.parent
	if established || died {
		sk.parent = nil
	}
	sk.mu.Unlock()

	if parent == nil {
		return
	}
	switch {
	case died:
		s.forget(parent, sk)
	case established:
		s.promote(parent, sk)
	}
}

// tcpInput is tcpSegment with mu held.
func (s *Stack) tcpInput(sk *socket, seg tcp.Segment, payload []byte) (established, died bool) {
	if sk.released {
		return false, false
	}
	prev := sk.cb.State()
	act, err := sk.cb.Rcv(seg)
	if act.Deliver && len(payload) > 0 {
		sk.ring.Write(payload)
		sk.cb.SetReceiveWindow(s.window(sk))
	}
	if act.Reply != nil {
		reply := *act.Reply
		if reply.Flags&wire.FlagACK != 0 {
			reply.Window = uint16(s.window(sk))
		}
		s.emit(sk, reply, nil)
	}
	if err != nil {
		if s.log.IsTraceEnabled() {
			s.log.WithError(err).WithFields(map[string]interface{}{
				"fd": sk.fd, "state": prev.String(), "segment": seg.String(),
			}).Trace("segment not accepted")
		}
		return false, false
	}
	sk.probes = 0

	if act.Acked && !sk.cb.InFlight() {
		if sk.rtx != nil {
			sk.rtx.Stop()
			sk.rtx = nil
		}
		sk.inflight = sk.inflight[:0]
	}
	if act.PeerClosed {
		sk.eof = true
	}
	if act.Reset {
		if prev == tcp.StateSynSent {
			sk.err = core.ErrConnRefused
		} else {
			sk.err = core.ErrConnReset
		}
	}
	if act.TimeWait {
		s.startTimeWait(sk)
	}
	if sk.cb.State() == tcp.StateClosed {
		died = true
		s.finish(sk)
	}
	sk.notify()
	return act.Established, died
}

// finish ends a connection that reached CLOSED. The slot is freed once
// nobody can still use the descriptor.
func (s *Stack) finish(sk *socket) {
	s.teardown(sk)
	if sk.closed || sk.parent != nil {
		s.release(sk)
	}
}

func (s *Stack) startTimeWait(sk *socket) {
	if sk.rtx != nil {
		sk.rtx.Stop()
		sk.rtx = nil
	}
	sk.twait = time.AfterFunc(s.cfg.TCP.TimeWait, func() {
		sk.mu.Lock()
		defer sk.mu.Unlock()
		sk.cb.TimeWaitExpired()
		if sk.cb.State() == tcp.StateClosed {
			s.finish(sk)
		}
		sk.notify()
	})
}

// armRetransmit (re)starts the retransmission timer while a segment is in
// flight. Called with mu held.
func (s *Stack) armRetransmit(sk *socket) {
	if !sk.cb.InFlight() {
		return
	}
	if sk.rtx != nil {
		sk.rtx.Stop()
	}
	sk.rtx = time.AfterFunc(s.cfg.TCP.RetransmitInterval, func() { s.retransmit(sk) })
}

func (s *Stack) retransmit(sk *socket) {
	if s.ctx.Err() != nil {
		return
	}
	sk.mu.Lock()
	died := s.retransmitLocked(sk)
	parent := sk.parent
	if died {
		sk.parent = nil
	}
	sk.mu.Unlock()
	if died && parent != nil {
		s.forget(parent, sk)
	}
}

// retransmitLocked resends the segment in flight and gives up with a reset
// after the configured number of attempts.
func (s *Stack) retransmitLocked(sk *socket) (died bool) {
	if sk.released || !sk.cb.InFlight() {
		return false
	}
	if sk.cb.Retransmits >= s.cfg.TCP.MaxRetransmits {
		s.giveUp(sk)
		return true
	}
	seg, ok := sk.cb.Retransmit()
	if !ok {
		return false
	}
	var payload []byte
	if seg.DataLen > 0 {
		payload = sk.inflight
	}
	s.stats.TCPRetransmits.Add(1)
	if err := s.emit(sk, seg, payload); err != nil {
		s.log.WithError(err).WithField("fd", sk.fd).Debug("retransmission not sent")
	}
	sk.rtx = time.AfterFunc(s.cfg.TCP.RetransmitInterval, func() { s.retransmit(sk) })
	return false
}

// giveUp aborts a connection whose peer stopped answering. Called with mu
// held.
func (s *Stack) giveUp(sk *socket) {
	s.log.WithFields(map[string]interface{}{
		"fd": sk.fd, "peer": sk.remote.String(), "state": sk.cb.State().String(),
	}).Debug("retransmissions exhausted")
	if rst := sk.cb.Abort(); rst != nil {
		s.emit(sk, *rst, nil)
		s.stats.TCPResets.Add(1)
	}
	sk.err = core.ErrTimedOut
	s.finish(sk)
	sk.notify()
}

// window is the receive window sk can advertise.
func (s *Stack) window(sk *socket) int {
	return min(sk.ring.Free(), s.cfg.TCP.Window)
}

// reopenWindow updates the receive window after a read and tells the peer
// once it has room for a full segment again. Called with mu held.
func (s *Stack) reopenWindow(sk *socket) {
	w := s.window(sk)
	sk.cb.SetReceiveWindow(w)
	if sk.advertised < sk.cb.MSS() && w >= sk.cb.MSS() && sk.cb.State().Receiving() {
		s.emit(sk, sk.cb.ACK(), nil)
	}
}

// emit sends a segment of sk's connection.
func (s *Stack) emit(sk *socket, seg tcp.Segment, payload []byte) error {
	sk.advertised = int(seg.Window)
	return s.emitRaw(sk.local, sk.remote, sk.device, seg, payload)
}

// emitRaw frames seg from local to remote and queues it for transmission.
func (s *Stack) emitRaw(local, remote netip.AddrPort, via *netif.Interface, seg tcp.Segment, payload []byte) error {
	rt, err := s.routeVia(via, remote.Addr())
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
		return err
	}
	hdr := wire.TCPHeader{
		SrcPort: local.Port(),
		DstPort: remote.Port(),
		Seq:     seg.Seq,
		Ack:     seg.Ack,
		Flags:   seg.Flags,
		Window:  seg.Window,
		MSS:     seg.MSS,
	}
	hl := hdr.Len()
	b.Push(hl)
	wire.PutTCP(b.Bytes(), &hdr, rt.src, remote.Addr(), b.Bytes()[hl:])
	b.TCP = hdr
	return s.sendIPv4(b, rt, remote.Addr(), core.ProtocolTCP)
}

// tcpReset answers a segment that reached no connection.
func (s *Stack) tcpReset(b *skb.Buffer, seg tcp.Segment) {
	dst := b.IP.Dst
	if !s.isLocal(dst) && !dst.IsLoopback() {
		return
	}
	rst, ok := tcp.ResetFor(seg)
	if !ok {
		return
	}
	local := netip.AddrPortFrom(dst, b.TCP.DstPort)
	remote := netip.AddrPortFrom(b.IP.Src, b.TCP.SrcPort)
	if err := s.emitRaw(local, remote, nil, rst, nil); err == nil {
		s.stats.TCPResets.Add(1)
	}
}
