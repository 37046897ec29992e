package stack

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/skb"
	"firestige.xyz/netstack/internal/wire"
)

// EchoReply is a received ICMP Echo Reply.
type EchoReply struct {
	From    netip.Addr
	ID      uint16
	Seq     uint16
	TTL     uint8
	Payload []byte
}

type pingKey struct{ id, seq uint16 }

// pingTable routes echo replies to the Ping calls waiting for them.
type pingTable struct {
	mu      sync.Mutex
	waiters map[pingKey]chan EchoReply
}

func newPingTable() *pingTable {
	return &pingTable{waiters: make(map[pingKey]chan EchoReply)}
}

func (t *pingTable) register(k pingKey) (chan EchoReply, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.waiters[k]; ok {
		return nil, fmt.Errorf("echo id %d seq %d: %w", k.id, k.seq, core.ErrAddrInUse)
	}
	ch := make(chan EchoReply, 1)
	t.waiters[k] = ch
	return ch, nil
}

func (t *pingTable) remove(k pingKey) {
	t.mu.Lock()
	delete(t.waiters, k)
	t.mu.Unlock()
}

func (t *pingTable) deliver(r EchoReply) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.waiters[pingKey{r.ID, r.Seq}]
	if !ok {
		return false
	}
	select {
	case ch <- r:
	default:
	}
	return true
}

// handleICMP answers echo requests and hands echo replies to waiting pings.
// Other message types are accepted and ignored.
func (s *Stack) handleICMP(b *skb.Buffer) error {
	hdr, payload, err := wire.DecodeICMP(b.Bytes())
	if err != nil {
		return err
	}
	b.ICMP = hdr

	switch hdr.Type {
	case wire.ICMPEchoRequest:
		if !s.icmpLimit.Allow() {
			return errRateLimited
		}
		return s.echoReply(b, hdr, payload)
	case wire.ICMPEchoReply:
		s.pings.deliver(EchoReply{
			From:    b.IP.Src,
			ID:      hdr.ID,
			Seq:     hdr.Seq,
			TTL:     b.IP.TTL,
			Payload: append([]byte(nil), payload...),
		})
	}
	return nil
}

// echoReply turns a request around into a new outbound buffer.
func (s *Stack) echoReply(req *skb.Buffer, hdr wire.ICMPHeader, payload []byte) error {
	rt, err := s.route(req.IP.Src)
	if err != nil {
		return err
	}
	// a broadcast ping is answered from the interface address
	if src := req.IP.Dst; s.isLocal(src) || src.IsLoopback() {
		rt.src = src
	}

	b, err := s.newOutbound()
	if err != nil {
		return err
	}
	if wire.ICMPHeaderLen+len(payload) > b.Tailroom() {
		s.pool.Free(b)
		return fmt.Errorf("echo payload of %d bytes: %w", len(payload), core.ErrMessageSize)
	}
	reply := wire.ICMPHeader{Type: wire.ICMPEchoReply, ID: hdr.ID, Seq: hdr.Seq}
	wire.PutICMP(b.Put(wire.ICMPHeaderLen+len(payload)), &reply, payload)
	b.ICMP = reply
	if err := s.sendIPv4(b, rt, req.IP.Src, core.ProtocolICMP); err != nil {
		return err
	}
	s.stats.ICMPEchoes.Add(1)
	return nil
}

// ICMPRequest sends an Echo Request to dst.
func (s *Stack) ICMPRequest(dst netip.Addr, id, seq uint16, payload []byte) error {
	rt, err := s.route(dst)
	if err != nil {
		return err
	}
	b, err := s.newOutbound()
	if err != nil {
		return err
	}
	if wire.ICMPHeaderLen+len(payload) > b.Tailroom() {
		s.pool.Free(b)
		return fmt.Errorf("echo payload of %d bytes: %w", len(payload), core.ErrMessageSize)
	}
	req := wire.ICMPHeader{Type: wire.ICMPEchoRequest, ID: id, Seq: seq}
	wire.PutICMP(b.Put(wire.ICMPHeaderLen+len(payload)), &req, payload)
	b.ICMP = req
	return s.sendIPv4(b, rt, dst, core.ProtocolICMP)
}

// Ping sends an Echo Request and waits for the matching reply.
func (s *Stack) Ping(ctx context.Context, dst netip.Addr, id, seq uint16, payload []byte) (EchoReply, error) {
	key := pingKey{id, seq}
	ch, err := s.pings.register(key)
	if err != nil {
		return EchoReply{}, err
	}
	defer s.pings.remove(key)

	err = s.withResolve(ctx, dst, func() error {
		return s.ICMPRequest(dst, id, seq, payload)
	})
	if err != nil {
		return EchoReply{}, err
	}

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return EchoReply{}, fmt.Errorf("ping %s: %w", dst, core.ErrTimedOut)
	case <-s.ctx.Done():
		return EchoReply{}, core.ErrStackStopped
	}
}
