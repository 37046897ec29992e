package tcp

import (
	"errors"
	"fmt"

	"github.com/soypat/seqs"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/wire"
)

// Reasons a received segment is not accepted.
var (
	ErrUnacceptableAck = errors.New("netstack: tcp unacceptable ack")
	ErrOutOfOrder      = errors.New("netstack: tcp segment out of order")
	ErrNoACK           = errors.New("netstack: tcp segment without ack")
)

// Action tells the caller what to do after Rcv accepted a segment.
type Action struct {
	// Reply is the segment to send back, if any.
	Reply *Segment
	// Deliver means the payload is in sequence and belongs in the receive
	// buffer.
	Deliver bool
	// Acked means the segment in flight was acknowledged.
	Acked bool
	// Established is set on the transition into ESTABLISHED.
	Established bool
	// PeerClosed is set when the peer's FIN was consumed.
	PeerClosed bool
	// TimeWait is set on entering TIME_WAIT; the caller owns the timer.
	TimeWait bool
	// Closed is set when the connection reached CLOSED.
	Closed bool
	// Reset is set when the peer reset the connection.
	Reset bool
}

// sendSpace holds the local sequence numbers.
type sendSpace struct {
	ISS seqs.Value // initial send sequence number
	UNA seqs.Value // oldest unacknowledged
	NXT seqs.Value // next to send
	WND seqs.Size  // window advertised by the peer
}

// recvSpace holds the peer's sequence numbers.
type recvSpace struct {
	IRS seqs.Value // initial receive sequence number
	NXT seqs.Value // next expected
	WND seqs.Size  // local receive window
}

// ControlBlock is the state of one TCP connection.
type ControlBlock struct {
	state State
	snd   sendSpace
	rcv   recvSpace
	mss   uint16

	backlog int

	lastSent Segment
	lastRcvd Segment
	// Retransmits counts resends of the segment in flight.
	Retransmits int

	// OnTransition, when set, observes every state change.
	OnTransition func(from, to State)
}

// NewControlBlock returns a control block in CREATED.
func NewControlBlock() *ControlBlock {
	return &ControlBlock{state: StateCreated, mss: MSS, rcv: recvSpace{WND: 0xffff}}
}

func (cb *ControlBlock) State() State { return cb.state }

// MSS returns the segment size negotiated with the peer.
func (cb *ControlBlock) MSS() int { return int(cb.mss) }

// Backlog returns the listen backlog capacity.
func (cb *ControlBlock) Backlog() int { return cb.backlog }

// InFlight reports whether sent data or control is unacknowledged.
func (cb *ControlBlock) InFlight() bool { return cb.snd.UNA != cb.snd.NXT }

// LastSent returns the most recent segment produced for sending.
func (cb *ControlBlock) LastSent() Segment { return cb.lastSent }

// LastReceived returns the most recent segment passed to Rcv.
func (cb *ControlBlock) LastReceived() Segment { return cb.lastRcvd }

// SndNxt and RcvNxt expose the sequence counters.
func (cb *ControlBlock) SndNxt() seqs.Value { return cb.snd.NXT }
func (cb *ControlBlock) RcvNxt() seqs.Value { return cb.rcv.NXT }

// SendWindow is the window the peer last advertised.
func (cb *ControlBlock) SendWindow() int { return int(cb.snd.WND) }

// SetReceiveWindow sets the free space of the receive buffer. Data beyond it
// is refused.
func (cb *ControlBlock) SetReceiveWindow(n int) {
	if n < 0 {
		n = 0
	}
	if n > 0xffff {
		n = 0xffff
	}
	cb.rcv.WND = seqs.Size(n)
}

func (cb *ControlBlock) setState(s State) {
	if s == cb.state {
		return
	}
	from := cb.state
	cb.state = s
	if cb.OnTransition != nil {
		cb.OnTransition(from, s)
	}
}

func (cb *ControlBlock) segment(flags wire.TCPFlags, dataLen int) Segment {
	return Segment{
		Seq:     cb.snd.NXT,
		Ack:     cb.rcv.NXT,
		Flags:   flags,
		Window:  uint16(cb.rcv.WND),
		DataLen: dataLen,
	}
}

// send records seg as the segment in flight and advances SND.NXT.
func (cb *ControlBlock) send(seg Segment) Segment {
	if seg.Len() > 0 {
		cb.lastSent = seg
		cb.Retransmits = 0
	}
	cb.snd.NXT.UpdateForward(seg.Len())
	return seg
}

func (cb *ControlBlock) ack() *Segment {
	seg := cb.ACK()
	return &seg
}

// ACK returns a bare acknowledgment carrying the current receive window.
func (cb *ControlBlock) ACK() Segment {
	return cb.segment(wire.FlagACK, 0)
}

// Bind moves a new connection to CLOSED.
func (cb *ControlBlock) Bind() error {
	if cb.state != StateCreated && cb.state != StateClosed {
		return fmt.Errorf("bind in %s: %w", cb.state, core.ErrInvalidState)
	}
	cb.setState(StateClosed)
	return nil
}

// Listen moves CLOSED to LISTEN with room for backlog pending children.
func (cb *ControlBlock) Listen(backlog int) error {
	if cb.state != StateClosed {
		return fmt.Errorf("listen in %s: %w", cb.state, core.ErrInvalidState)
	}
	if backlog <= 0 {
		backlog = 1
	}
	cb.backlog = backlog
	cb.setState(StateListen)
	return nil
}

// Connect starts an active open with the given initial sequence number and
// returns the SYN.
func (cb *ControlBlock) Connect(iss seqs.Value) (Segment, error) {
	if cb.state != StateClosed {
		return Segment{}, fmt.Errorf("connect in %s: %w", cb.state, core.ErrInvalidState)
	}
	cb.snd = sendSpace{ISS: iss, UNA: iss, NXT: iss}
	seg := cb.segment(wire.FlagSYN, 0)
	seg.Ack = 0
	seg.MSS = MSS
	cb.setState(StateSynSent)
	return cb.send(seg), nil
}

// Prepare marks a child spawned by a listener.
func (cb *ControlBlock) Prepare() {
	cb.setState(StatePrepare)
}

// Accept answers the SYN that spawned a prepared child and returns the
// SYN-ACK.
func (cb *ControlBlock) Accept(syn Segment, iss seqs.Value) (Segment, error) {
	if cb.state != StatePrepare {
		return Segment{}, fmt.Errorf("accept in %s: %w", cb.state, core.ErrInvalidState)
	}
	if syn.Flags&wire.FlagSYN == 0 {
		return Segment{}, fmt.Errorf("accept %s: %w", syn.Flags, core.ErrMalformed)
	}
	cb.lastRcvd = syn
	cb.negotiateMSS(syn.MSS)
	cb.rcv.IRS = syn.Seq
	cb.rcv.NXT = seqs.Add(syn.Seq, 1)
	cb.snd = sendSpace{ISS: iss, UNA: iss, NXT: iss, WND: seqs.Size(syn.Window)}

	seg := cb.segment(wire.FlagSYN|wire.FlagACK, 0)
	seg.MSS = MSS
	cb.setState(StateSynRcvd)
	return cb.send(seg), nil
}

func (cb *ControlBlock) negotiateMSS(peer uint16) {
	if peer != 0 && peer < cb.mss {
		cb.mss = peer
	}
}

// Send produces the next data segment of n bytes. Only one segment may be
// in flight.
func (cb *ControlBlock) Send(n int, push bool) (Segment, error) {
	if !cb.state.Sending() {
		return Segment{}, fmt.Errorf("send in %s: %w", cb.state, core.ErrNotConnected)
	}
	if cb.InFlight() {
		return Segment{}, fmt.Errorf("send with segment in flight: %w", core.ErrWouldBlock)
	}
	if n > cb.MSS() {
		return Segment{}, fmt.Errorf("send %d bytes over mss %d: %w", n, cb.MSS(), core.ErrMessageSize)
	}
	if n > cb.SendWindow() {
		return Segment{}, fmt.Errorf("send %d bytes into window %d: %w", n, cb.SendWindow(), core.ErrWouldBlock)
	}
	flags := wire.FlagACK
	if push {
		flags |= wire.FlagPSH
	}
	seg := cb.send(cb.segment(flags, n))
	if cb.state == StateEstablished {
		cb.setState(StateWaitAck)
	}
	return seg, nil
}

// Close starts the local close and returns the FIN to send, if any.
func (cb *ControlBlock) Close() *Segment {
	switch cb.state {
	case StateCreated, StateClosed, StateListen, StateSynSent, StatePrepare:
		cb.setState(StateClosed)
		return nil
	case StateSynRcvd, StateEstablished, StateWaitAck:
		seg := cb.send(cb.segment(wire.FlagFIN|wire.FlagACK, 0))
		cb.setState(StateFinWait)
		return &seg
	case StateCloseWait:
		seg := cb.send(cb.segment(wire.FlagFIN|wire.FlagACK, 0))
		cb.setState(StateLastAck)
		return &seg
	}
	// already closing
	return nil
}

// Abort drops the connection and returns the RST to send when the peer
// knows about it.
func (cb *ControlBlock) Abort() *Segment {
	synced := cb.state.Synchronized() || cb.state == StateSynRcvd
	cb.setState(StateClosed)
	if !synced {
		return nil
	}
	seg := cb.segment(wire.FlagRST, 0)
	return &seg
}

// Probe returns a zero-length segment one below SND.NXT. The peer answers it
// with an ACK carrying its current window.
func (cb *ControlBlock) Probe() Segment {
	seg := cb.segment(wire.FlagACK, 0)
	seg.Seq = seqs.Value(uint32(cb.snd.NXT) - 1)
	return seg
}

// Retransmit returns the segment in flight with a refreshed ack field.
func (cb *ControlBlock) Retransmit() (Segment, bool) {
	if !cb.InFlight() {
		return Segment{}, false
	}
	cb.Retransmits++
	seg := cb.lastSent
	if seg.Flags&wire.FlagACK != 0 {
		seg.Ack = cb.rcv.NXT
	}
	seg.Window = uint16(cb.rcv.WND)
	return seg, true
}

// TimeWaitExpired ends TIME_WAIT.
func (cb *ControlBlock) TimeWaitExpired() {
	if cb.state == StateTimeWait {
		cb.setState(StateClosed)
	}
}

// Rcv processes an inbound segment for a connection past LISTEN.
func (cb *ControlBlock) Rcv(seg Segment) (Action, error) {
	cb.lastRcvd = seg
	switch cb.state {
	case StateSynSent:
		return cb.rcvSynSent(seg)
	case StateCreated, StateClosed, StateListen, StatePrepare:
		return Action{}, fmt.Errorf("segment in %s: %w", cb.state, core.ErrInvalidState)
	}
	return cb.rcvSynchronized(seg)
}

func (cb *ControlBlock) rcvSynSent(seg Segment) (Action, error) {
	hasAck := seg.Flags&wire.FlagACK != 0
	if hasAck && seg.Ack != cb.snd.NXT {
		if seg.Flags&wire.FlagRST != 0 {
			return Action{}, ErrUnacceptableAck
		}
		return Action{Reply: &Segment{Seq: seg.Ack, Flags: wire.FlagRST}}, ErrUnacceptableAck
	}
	if seg.Flags&wire.FlagRST != 0 {
		if !hasAck {
			return Action{}, ErrNoACK
		}
		cb.setState(StateClosed)
		return Action{Reset: true, Closed: true}, nil
	}
	if seg.Flags&(wire.FlagSYN|wire.FlagACK) != wire.FlagSYN|wire.FlagACK {
		// simultaneous open is not supported
		return Action{}, fmt.Errorf("syn_sent got %s: %w", seg.Flags, core.ErrNotSupported)
	}

	cb.negotiateMSS(seg.MSS)
	cb.rcv.IRS = seg.Seq
	cb.rcv.NXT = seqs.Add(seg.Seq, 1)
	cb.snd.UNA = seg.Ack
	cb.snd.WND = seqs.Size(seg.Window)
	cb.setState(StateEstablished)
	return Action{Reply: cb.ack(), Established: true, Acked: true}, nil
}

func (cb *ControlBlock) rcvSynchronized(seg Segment) (Action, error) {
	var act Action

	if seg.Flags&wire.FlagRST != 0 {
		// only an RST at the expected sequence number is honoured
		if seg.Seq != cb.rcv.NXT {
			return act, ErrOutOfOrder
		}
		cb.setState(StateClosed)
		return Action{Reset: true, Closed: true}, nil
	}

	if seg.Flags&wire.FlagSYN != 0 {
		// the peer lost our SYN-ACK
		if cb.state == StateSynRcvd && seg.Seq == cb.rcv.IRS {
			resend, _ := cb.Retransmit()
			return Action{Reply: &resend}, nil
		}
		return Action{Reply: cb.ack()}, fmt.Errorf("syn in %s: %w", cb.state, core.ErrMalformed)
	}

	if seg.Flags&wire.FlagACK == 0 {
		return act, ErrNoACK
	}

	if cb.state == StateSynRcvd {
		if seg.Ack != cb.snd.NXT {
			return Action{Reply: &Segment{Seq: seg.Ack, Flags: wire.FlagRST}}, ErrUnacceptableAck
		}
		cb.snd.UNA = seg.Ack
		cb.snd.WND = seqs.Size(seg.Window)
		cb.setState(StateEstablished)
		act.Established = true
		act.Acked = true
	} else if err := cb.processAck(seg, &act); err != nil {
		return act, err
	}
	if act.Closed {
		return act, nil
	}

	// data after the peer's FIN is ignored
	if seg.DataLen > 0 && cb.state.Receiving() {
		if seg.Seq != cb.rcv.NXT || seqs.Size(seg.DataLen) > cb.rcv.WND {
			// no resequencing: drop and repeat the last ack
			act.Reply = cb.ack()
			return act, ErrOutOfOrder
		}
		cb.rcv.NXT.UpdateForward(seqs.Size(seg.DataLen))
		act.Deliver = true
		act.Reply = cb.ack()
	} else if seg.DataLen == 0 && seg.Seq == seqs.Value(uint32(cb.rcv.NXT)-1) {
		// window probe
		act.Reply = cb.ack()
	}

	if seg.Flags&wire.FlagFIN != 0 {
		cb.rcvFin(seg, &act)
	}
	return act, nil
}

func (cb *ControlBlock) processAck(seg Segment, act *Action) error {
	switch {
	case seqs.LessThan(cb.snd.UNA, seg.Ack) && seqs.LessThanEq(seg.Ack, cb.snd.NXT):
		cb.snd.UNA = seg.Ack
		cb.snd.WND = seqs.Size(seg.Window)
		cb.Retransmits = 0
		act.Acked = true
	case seqs.LessThan(cb.snd.NXT, seg.Ack):
		// acks something not yet sent
		act.Reply = cb.ack()
		return ErrUnacceptableAck
	default:
		// duplicate ack; a closed window means the peer is alive but full
		cb.snd.WND = seqs.Size(seg.Window)
		if seg.Window == 0 {
			cb.Retransmits = 0
		}
	}

	if cb.InFlight() {
		return nil
	}
	switch cb.state {
	case StateWaitAck:
		cb.setState(StateEstablished)
	case StateFinWait:
		cb.setState(StateFinWait2)
	case StateClosing:
		cb.setState(StateTimeWait)
		act.TimeWait = true
	case StateLastAck:
		cb.setState(StateClosed)
		act.Closed = true
	}
	return nil
}

func (cb *ControlBlock) rcvFin(seg Segment, act *Action) {
	finSeq := seqs.Add(seg.Seq, seqs.Size(seg.DataLen))
	if finSeq != cb.rcv.NXT {
		// a retransmitted FIN is acknowledged again, a future one waits
		act.Reply = cb.ack()
		return
	}
	cb.rcv.NXT.UpdateForward(1)
	act.Reply = cb.ack()
	act.PeerClosed = true

	switch cb.state {
	case StateEstablished, StateWaitAck:
		cb.setState(StateCloseWait)
	case StateFinWait:
		cb.setState(StateClosing)
	case StateFinWait2:
		cb.setState(StateTimeWait)
		act.TimeWait = true
	}
}
