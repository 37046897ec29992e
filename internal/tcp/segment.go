package tcp

import (
	"fmt"

	"github.com/soypat/seqs"

	"firestige.xyz/netstack/internal/wire"
)

// MSS is the largest segment payload the stack sends.
const MSS = 512

// Segment is the part of a TCP segment the state machine reasons about.
type Segment struct {
	Seq     seqs.Value
	Ack     seqs.Value
	Flags   wire.TCPFlags
	Window  uint16
	DataLen int
	MSS     uint16
}

// FromHeader builds a Segment from a decoded header and its payload length.
func FromHeader(h *wire.TCPHeader, dataLen int) Segment {
	return Segment{
		Seq:     h.Seq,
		Ack:     h.Ack,
		Flags:   h.Flags,
		Window:  h.Window,
		DataLen: dataLen,
		MSS:     h.MSS,
	}
}

// Len returns the sequence space the segment occupies, counting SYN and FIN.
func (s Segment) Len() seqs.Size {
	n := seqs.Size(s.DataLen)
	if s.Flags&wire.FlagSYN != 0 {
		n++
	}
	if s.Flags&wire.FlagFIN != 0 {
		n++
	}
	return n
}

func (s Segment) String() string {
	return fmt.Sprintf("%s seq=%d ack=%d len=%d wnd=%d", s.Flags, s.Seq, s.Ack, s.DataLen, s.Window)
}

// ResetFor returns the RST answering a segment that reached no connection.
// An RST is never answered.
func ResetFor(in Segment) (Segment, bool) {
	if in.Flags&wire.FlagRST != 0 {
		return Segment{}, false
	}
	if in.Flags&wire.FlagACK != 0 {
		return Segment{Seq: in.Ack, Flags: wire.FlagRST}, true
	}
	return Segment{
		Ack:   seqs.Add(in.Seq, in.Len()),
		Flags: wire.FlagRST | wire.FlagACK,
	}, true
}
