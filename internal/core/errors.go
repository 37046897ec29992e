// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Callers wrap them with fmt.Errorf("...: %w") and test with errors.Is.
var (
	// Packet decoding errors
	ErrPacketTooShort   = errors.New("netstack: packet too short")
	ErrBadChecksum      = errors.New("netstack: bad checksum")
	ErrMalformed        = errors.New("netstack: malformed header")
	ErrUnsupportedProto = errors.New("netstack: unsupported protocol")
	ErrNotForUs         = errors.New("netstack: not addressed to this host")
	ErrFragmented       = errors.New("netstack: fragmented datagram")

	// Resource exhaustion
	ErrPoolExhausted = errors.New("netstack: packet buffer pool exhausted")
	ErrQueueFull     = errors.New("netstack: queue full")
	ErrTableFull     = errors.New("netstack: socket table full")
	ErrNoPort        = errors.New("netstack: no free port")
	ErrBufferFull    = errors.New("netstack: buffer full")

	// Reachability
	ErrNoRoute       = errors.New("netstack: no route to host")
	ErrARPUnresolved = errors.New("netstack: hardware address unresolved")
	ErrNoDevice      = errors.New("netstack: no device attached")

	// Socket errors
	ErrBadDescriptor = errors.New("netstack: bad socket descriptor")
	ErrInvalidState  = errors.New("netstack: invalid socket state")
	ErrAddrInUse     = errors.New("netstack: address already in use")
	ErrNotConnected  = errors.New("netstack: socket not connected")
	ErrWouldBlock    = errors.New("netstack: operation would block")
	ErrTimedOut      = errors.New("netstack: operation timed out")
	ErrConnReset     = errors.New("netstack: connection reset by peer")
	ErrConnRefused   = errors.New("netstack: connection refused")
	ErrClosed        = errors.New("netstack: socket closed")
	ErrNotSupported  = errors.New("netstack: operation not supported")
	ErrMessageSize   = errors.New("netstack: message too long")

	// Stack lifecycle
	ErrStackStopped  = errors.New("netstack: stack stopped")
	ErrConfigInvalid = errors.New("netstack: invalid configuration")
)
