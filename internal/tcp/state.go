// Package tcp implements the TCP connection state machine. It is pure: it
// consumes decoded segments and produces the segments to send, leaving all
// I/O to the caller.
package tcp

import "fmt"

// State is a connection state.
type State uint8

// Connection states. Created precedes binding, Prepare is a child spawned by
// a listener before its SYN is processed, and WaitAck is Established with
// one data segment in flight.
const (
	StateCreated State = iota
	StateClosed
	StateListen
	StateSynSent
	StateSynRcvd
	StateWaitAck
	StateEstablished
	StateFinWait
	StateFinWait2
	StateClosing
	StateTimeWait
	StateCloseWait
	StateLastAck
	StatePrepare
)

var stateNames = [...]string{
	StateCreated:     "CREATED",
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN_SENT",
	StateSynRcvd:     "SYN_RCVD",
	StateWaitAck:     "WAIT_ACK",
	StateEstablished: "ESTABLISHED",
	StateFinWait:     "FIN_WAIT",
	StateFinWait2:    "FIN_WAIT_2",
	StateClosing:     "CLOSING",
	StateTimeWait:    "TIME_WAIT",
	StateCloseWait:   "CLOSE_WAIT",
	StateLastAck:     "LAST_ACK",
	StatePrepare:     "PREPARE",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Synchronized reports whether the handshake has completed.
func (s State) Synchronized() bool {
	switch s {
	case StateWaitAck, StateEstablished, StateFinWait, StateFinWait2, StateClosing,
		StateTimeWait, StateCloseWait, StateLastAck:
		return true
	}
	return false
}

// Receiving reports whether inbound data is still accepted.
func (s State) Receiving() bool {
	switch s {
	case StateEstablished, StateWaitAck, StateFinWait, StateFinWait2:
		return true
	}
	return false
}

// Sending reports whether the local side may still send data.
func (s State) Sending() bool {
	return s == StateEstablished || s == StateWaitAck || s == StateCloseWait
}
