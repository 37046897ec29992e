package cmd

import (
	"context"
	"net/netip"

	"firestige.xyz/netstack/internal/dhcp"
	"firestige.xyz/netstack/internal/stack"
)

// Pinger sends ICMP echo requests.
type Pinger interface {
	Ping(ctx context.Context, dst netip.Addr, id, seq uint16, payload []byte) (stack.EchoReply, error)
}

// Leaser acquires a DHCP lease.
type Leaser interface {
	Run(ctx context.Context) (dhcp.Lease, error)
}
