package tcp

import (
	"testing"

	"github.com/soypat/seqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/wire"
)

type recorder struct {
	path []State
}

func (r *recorder) observe(cb *ControlBlock) {
	r.path = append(r.path, cb.State())
	cb.OnTransition = func(_, to State) { r.path = append(r.path, to) }
}

func (r *recorder) count(s State) int {
	n := 0
	for _, p := range r.path {
		if p == s {
			n++
		}
	}
	return n
}

func deliver(t *testing.T, to *ControlBlock, seg Segment) Action {
	t.Helper()
	act, err := to.Rcv(seg)
	require.NoError(t, err, "rcv %s in %s", seg, to.State())
	return act
}

// handshake returns an established client/server pair.
func handshake(t *testing.T) (client, server *ControlBlock) {
	t.Helper()
	client, server = NewControlBlock(), NewControlBlock()
	require.NoError(t, client.Bind())
	require.NoError(t, server.Bind())
	server.Prepare()

	syn, err := client.Connect(1000)
	require.NoError(t, err)
	synack, err := server.Accept(syn, 5000)
	require.NoError(t, err)

	act := deliver(t, client, synack)
	require.NotNil(t, act.Reply)
	act = deliver(t, server, *act.Reply)
	require.True(t, act.Established)
	return client, server
}

func TestHandshake(t *testing.T) {
	client, server := NewControlBlock(), NewControlBlock()
	var cr, sr recorder
	cr.observe(client)
	sr.observe(server)

	require.NoError(t, client.Bind())
	assert.Equal(t, StateClosed, client.State())

	syn, err := client.Connect(1000)
	require.NoError(t, err)
	assert.Equal(t, StateSynSent, client.State())
	assert.Equal(t, wire.FlagSYN, syn.Flags)
	assert.Equal(t, seqs.Value(1000), syn.Seq)
	assert.Equal(t, uint16(MSS), syn.MSS)

	require.NoError(t, server.Bind())
	server.Prepare()
	synack, err := server.Accept(syn, 5000)
	require.NoError(t, err)
	assert.Equal(t, StateSynRcvd, server.State())
	assert.Equal(t, seqs.Value(1001), synack.Ack)

	act := deliver(t, client, synack)
	assert.True(t, act.Established)
	assert.Equal(t, StateEstablished, client.State())
	require.NotNil(t, act.Reply)
	assert.Equal(t, wire.FlagACK, act.Reply.Flags)
	assert.Equal(t, seqs.Value(5001), act.Reply.Ack)

	// a duplicated SYN-ACK does not re-enter ESTABLISHED
	act, err = client.Rcv(synack)
	assert.Error(t, err)
	require.NotNil(t, act.Reply)
	assert.Equal(t, wire.FlagACK, act.Reply.Flags)
	assert.Equal(t, 1, cr.count(StateEstablished))

	act = deliver(t, server, *act.Reply)
	assert.True(t, act.Established)
	assert.Equal(t, StateEstablished, server.State())
	assert.Equal(t, []State{StateCreated, StateClosed, StatePrepare, StateSynRcvd, StateEstablished}, sr.path)
}

func TestSynAckWithWrongAck(t *testing.T) {
	client := NewControlBlock()
	require.NoError(t, client.Bind())
	_, err := client.Connect(1000)
	require.NoError(t, err)

	act, err := client.Rcv(Segment{Seq: 77, Ack: 1234, Flags: wire.FlagSYN | wire.FlagACK})
	assert.ErrorIs(t, err, ErrUnacceptableAck)
	require.NotNil(t, act.Reply)
	assert.Equal(t, wire.FlagRST, act.Reply.Flags)
	assert.Equal(t, seqs.Value(1234), act.Reply.Seq)
	assert.Equal(t, StateSynSent, client.State())
}

func TestConnectionRefused(t *testing.T) {
	client := NewControlBlock()
	require.NoError(t, client.Bind())
	syn, err := client.Connect(42)
	require.NoError(t, err)

	rst, ok := ResetFor(syn)
	require.True(t, ok)
	assert.Equal(t, wire.FlagRST|wire.FlagACK, rst.Flags)
	assert.Equal(t, seqs.Value(43), rst.Ack)

	act := deliver(t, client, rst)
	assert.True(t, act.Reset)
	assert.Equal(t, StateClosed, client.State())
}

func TestDataTransfer(t *testing.T) {
	client, server := handshake(t)

	seg, err := client.Send(4, true)
	require.NoError(t, err)
	assert.Equal(t, StateWaitAck, client.State())
	assert.True(t, seg.Flags.Has(wire.FlagPSH|wire.FlagACK))

	_, err = client.Send(4, true)
	assert.ErrorIs(t, err, core.ErrWouldBlock)

	act := deliver(t, server, seg)
	assert.True(t, act.Deliver)
	require.NotNil(t, act.Reply)
	assert.Equal(t, seqs.Add(seg.Seq, 4), act.Reply.Ack)

	act = deliver(t, client, *act.Reply)
	assert.True(t, act.Acked)
	assert.Equal(t, StateEstablished, client.State())
	assert.False(t, client.InFlight())

	_, err = client.Send(MSS+1, false)
	assert.ErrorIs(t, err, core.ErrMessageSize)
}

func TestOutOfOrderDropped(t *testing.T) {
	client, server := handshake(t)
	expected := server.RcvNxt()

	seg, err := client.Send(10, false)
	require.NoError(t, err)
	seg.Seq = seqs.Add(seg.Seq, 100)

	act, err := server.Rcv(seg)
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.False(t, act.Deliver)
	require.NotNil(t, act.Reply)
	assert.Equal(t, expected, act.Reply.Ack, "duplicate ack repeats the expected sequence")
	assert.Equal(t, expected, server.RcvNxt())
}

func TestReceiveWindow(t *testing.T) {
	client, server := handshake(t)
	server.SetReceiveWindow(2)

	seg, err := client.Send(4, false)
	require.NoError(t, err)
	_, err = server.Rcv(seg)
	assert.ErrorIs(t, err, ErrOutOfOrder)
}

func TestZeroWindow(t *testing.T) {
	client, server := handshake(t)
	server.SetReceiveWindow(4)

	seg, err := client.Send(4, true)
	require.NoError(t, err)
	act := deliver(t, server, seg)
	require.NotNil(t, act.Reply)
	// the reader has not drained anything yet
	server.SetReceiveWindow(0)
	full := *act.Reply
	full.Window = 0

	act = deliver(t, client, full)
	assert.True(t, act.Acked)
	assert.Zero(t, client.SendWindow())
	_, err = client.Send(1, false)
	assert.ErrorIs(t, err, core.ErrWouldBlock, "nothing may be sent into a closed window")

	probe := client.Probe()
	assert.Zero(t, probe.DataLen)
	assert.Equal(t, seqs.Value(uint32(client.SndNxt())-1), probe.Seq)
	act = deliver(t, server, probe)
	require.NotNil(t, act.Reply, "a probe is answered")
	assert.Equal(t, server.RcvNxt(), act.Reply.Ack)
	assert.Zero(t, act.Reply.Window)

	client.Retransmits = 3
	deliver(t, client, *act.Reply)
	assert.Zero(t, client.Retransmits, "a zero-window ack shows the peer is alive")

	server.SetReceiveWindow(100)
	deliver(t, client, server.ACK())
	assert.Equal(t, 100, client.SendWindow())
	_, err = client.Send(4, true)
	assert.NoError(t, err)
}

func TestActiveClose(t *testing.T) {
	client, server := handshake(t)
	var cr, sr recorder
	cr.observe(client)
	sr.observe(server)

	fin := client.Close()
	require.NotNil(t, fin)
	assert.True(t, fin.Flags.Has(wire.FlagFIN))
	assert.Equal(t, StateFinWait, client.State())

	act := deliver(t, server, *fin)
	assert.True(t, act.PeerClosed)
	assert.Equal(t, StateCloseWait, server.State())

	act = deliver(t, client, *act.Reply)
	assert.Equal(t, StateFinWait2, client.State())

	fin = server.Close()
	require.NotNil(t, fin)
	assert.Equal(t, StateLastAck, server.State())

	act = deliver(t, client, *fin)
	assert.True(t, act.TimeWait)
	assert.Equal(t, StateTimeWait, client.State())

	act = deliver(t, server, *act.Reply)
	assert.True(t, act.Closed)
	assert.Equal(t, StateClosed, server.State())

	client.TimeWaitExpired()
	assert.Equal(t, StateClosed, client.State())

	assert.Equal(t, []State{StateEstablished, StateFinWait, StateFinWait2, StateTimeWait, StateClosed}, cr.path)
	assert.Equal(t, []State{StateEstablished, StateCloseWait, StateLastAck, StateClosed}, sr.path)
}

func TestSimultaneousClose(t *testing.T) {
	client, server := handshake(t)

	cfin := client.Close()
	sfin := server.Close()
	require.NotNil(t, cfin)
	require.NotNil(t, sfin)

	cack := deliver(t, client, *sfin)
	sack := deliver(t, server, *cfin)
	assert.Equal(t, StateClosing, client.State())
	assert.Equal(t, StateClosing, server.State())

	cact := deliver(t, client, *sack.Reply)
	sact := deliver(t, server, *cack.Reply)
	assert.True(t, cact.TimeWait)
	assert.True(t, sact.TimeWait)
	assert.Equal(t, StateTimeWait, client.State())
	assert.Equal(t, StateTimeWait, server.State())
}

func TestFinWithData(t *testing.T) {
	client, server := handshake(t)

	seg, err := client.Send(3, true)
	require.NoError(t, err)
	seg.Flags |= wire.FlagFIN

	act := deliver(t, server, seg)
	assert.True(t, act.Deliver)
	assert.True(t, act.PeerClosed)
	assert.Equal(t, seqs.Add(seg.Seq, 4), act.Reply.Ack)
	assert.Equal(t, StateCloseWait, server.State())
}

func TestReset(t *testing.T) {
	client, server := handshake(t)

	rst := server.Abort()
	require.NotNil(t, rst)
	assert.Equal(t, StateClosed, server.State())

	act := deliver(t, client, *rst)
	assert.True(t, act.Reset)
	assert.Equal(t, StateClosed, client.State())

	// a reset outside the expected sequence is ignored
	c2, _ := handshake(t)
	_, err := c2.Rcv(Segment{Seq: 1, Flags: wire.FlagRST})
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.Equal(t, StateEstablished, c2.State())
}

func TestRetransmit(t *testing.T) {
	client, server := handshake(t)

	seg, err := client.Send(8, true)
	require.NoError(t, err)

	again, ok := client.Retransmit()
	require.True(t, ok)
	assert.Equal(t, seg.Seq, again.Seq)
	assert.Equal(t, 8, again.DataLen)
	assert.Equal(t, 1, client.Retransmits)

	// the first copy was lost, the retransmission arrives
	act := deliver(t, server, again)
	deliver(t, client, *act.Reply)
	assert.Zero(t, client.Retransmits)

	_, ok = client.Retransmit()
	assert.False(t, ok)
}

func TestInvalidTransitions(t *testing.T) {
	cb := NewControlBlock()
	_, err := cb.Connect(1)
	assert.ErrorIs(t, err, core.ErrInvalidState)
	assert.ErrorIs(t, cb.Listen(5), core.ErrInvalidState)

	require.NoError(t, cb.Bind())
	require.NoError(t, cb.Listen(5))
	assert.Equal(t, 5, cb.Backlog())
	_, err = cb.Rcv(Segment{Flags: wire.FlagSYN})
	assert.ErrorIs(t, err, core.ErrInvalidState)

	_, err = cb.Send(1, false)
	assert.ErrorIs(t, err, core.ErrNotConnected)

	assert.Nil(t, cb.Close())
	assert.Equal(t, StateClosed, cb.State())
}

func TestResetFor(t *testing.T) {
	_, ok := ResetFor(Segment{Flags: wire.FlagRST})
	assert.False(t, ok)

	rst, ok := ResetFor(Segment{Seq: 10, Ack: 99, Flags: wire.FlagACK | wire.FlagPSH, DataLen: 5})
	require.True(t, ok)
	assert.Equal(t, Segment{Seq: 99, Flags: wire.FlagRST}, rst)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "ESTABLISHED", StateEstablished.String())
	assert.Equal(t, "FIN_WAIT_2", StateFinWait2.String())
	assert.Equal(t, "State(99)", State(99).String())
	assert.True(t, StateWaitAck.Synchronized())
	assert.False(t, StateSynRcvd.Synchronized())
}
