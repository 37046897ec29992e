package stack

import (
	"fmt"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/skb"
)

// dispatch is the single consumer of both queues. Transmit work is drained
// first so replies produced while parsing leave promptly.
func (s *Stack) dispatch() {
	defer close(s.done)
	logger := s.Logger("dispatcher")
	logger.Debug("dispatcher running")

	for {
		if s.ctx.Err() != nil {
			return
		}
		busy := false
		for b, ok := s.tx.Remove(); ok; b, ok = s.tx.Remove() {
			s.xmit(b)
			busy = true
		}
		if b, ok := s.rx.Remove(); ok {
			s.input(b)
			busy = true
		}
		if busy {
			continue
		}
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}
	}
}

// xmit writes one framed buffer to its outbound device and frees it.
func (s *Stack) xmit(b *skb.Buffer) {
	defer s.pool.Free(b)
	ifc := b.Out
	n, err := ifc.Device().Write(b.Bytes())
	if err != nil {
		ifc.Stats.TxErrors.Add(1)
		if s.log.IsDebugEnabled() {
			s.log.WithFields(map[string]interface{}{
				"interface": ifc.Name(),
				"len":       b.Len(),
			}).WithError(err).Debug("transmit failed")
		}
		return
	}
	ifc.Stats.TxPackets.Add(1)
	ifc.Stats.TxBytes.Add(uint64(n))
}

// input threads one received frame through the parse chain. A handler that
// keeps the buffer reports ownership; otherwise it is freed here.
func (s *Stack) input(b *skb.Buffer) {
	b.Stage = skb.StageInProgress
	owned, err := s.demux(b)
	if err != nil {
		r := reasonFor(err)
		s.stats.drop(r)
		b.Iface.Stats.Drops.Add(1)
		if s.log.IsDebugEnabled() {
			s.log.WithFields(map[string]interface{}{
				"interface": b.Iface.Name(),
				"reason":    r.String(),
			}).WithError(err).Debug("frame dropped")
		}
	}
	if !owned {
		s.pool.Free(b)
	}
}

func (s *Stack) demux(b *skb.Buffer) (owned bool, err error) {
	if err := s.parseEthernet(b); err != nil {
		return false, err
	}
	switch b.EtherType {
	case core.EtherTypeARP:
		return false, s.parseARP(b)
	case core.EtherTypeIPv4:
	default:
		return false, fmt.Errorf("%s: %w", b.EtherType, core.ErrUnsupportedProto)
	}

	if err := s.parseIPv4(b); err != nil {
		return false, err
	}
	switch b.Protocol {
	case core.ProtocolICMP:
		return false, s.handleICMP(b)
	case core.ProtocolUDP:
		return s.handleUDP(b)
	case core.ProtocolTCP:
		return false, s.handleTCP(b)
	}
	return false, fmt.Errorf("%s: %w", b.Protocol, core.ErrUnsupportedProto)
}

// newOutbound allocates a buffer with room for every header in front.
func (s *Stack) newOutbound() (*skb.Buffer, error) {
	b, err := s.pool.Allocate()
	if err != nil {
		s.stats.drop(DropPoolExhausted)
		return nil, err
	}
	b.Reserve(skb.Headroom)
	return b, nil
}

// transmit queues a framed buffer for the dispatcher. b is consumed.
func (s *Stack) transmit(b *skb.Buffer) error {
	if s.ctx.Err() != nil {
		s.pool.Free(b)
		return core.ErrStackStopped
	}
	if err := s.tx.Add(b); err != nil {
		b.Out.Stats.TxErrors.Add(1)
		s.pool.Free(b)
		return err
	}
	s.kick()
	return nil
}
