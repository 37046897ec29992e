// Package core defines core types with zero external dependencies.
package core

import "fmt"

// Protocol is an IPv4 transport protocol number.
type Protocol uint8

// Transport protocol numbers.
const (
	ProtocolICMP Protocol = 1
	ProtocolTCP  Protocol = 6
	ProtocolUDP  Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtocolICMP:
		return "icmp"
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	}
	return fmt.Sprintf("proto(%d)", uint8(p))
}

// EtherType is the Ethernet payload type.
type EtherType uint16

// EtherType values
const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
)

func (e EtherType) String() string {
	switch e {
	case EtherTypeIPv4:
		return "ipv4"
	case EtherTypeARP:
		return "arp"
	}
	return fmt.Sprintf("ethertype(%#04x)", uint16(e))
}

// Domain is a socket address family.
type Domain int

// AFInet is the only supported domain.
const AFInet Domain = 2

// SockType is a socket type.
type SockType int

// Socket types
const (
	SockStream SockType = 1
	SockDgram  SockType = 2
)

func (t SockType) String() string {
	switch t {
	case SockStream:
		return "stream"
	case SockDgram:
		return "dgram"
	}
	return fmt.Sprintf("socktype(%d)", int(t))
}
