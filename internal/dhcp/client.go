// Package dhcp implements a DHCP client that configures one interface of a
// stack through its UDP sockets.
package dhcp

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"sync"
	"time"

	"firestige.xyz/netstack/internal/config"
	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/log"
	"firestige.xyz/netstack/internal/netif"
	"firestige.xyz/netstack/internal/stack"
	"firestige.xyz/netstack/internal/wire"
)

// ErrNak is returned when the server refuses the requested address.
var ErrNak = errors.New("netstack: dhcp request refused")

// State is the client state.
type State int32

const (
	StateStopped State = iota
	StatePending
	StateSuccess
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StatePending:
		return "PENDING"
	case StateSuccess:
		return "SUCCESS"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Lease is the configuration learned from the server.
type Lease struct {
	IP      netip.Addr
	Netmask netip.Addr
	Gateway netip.Addr
	DNS     netip.Addr
	Server  netip.Addr
}

var serverAddr = netip.AddrPortFrom(netif.LimitedBroadcast, wire.DHCPServerPort)

// Client runs one DHCP exchange on one interface.
type Client struct {
	stack *stack.Stack
	ifc   *netif.Interface
	cfg   config.DHCPConfig
	log   log.Logger

	mu    sync.RWMutex
	state State
	lease Lease
	xid   uint32
}

// New returns a client for ifc, or for the stack's default interface when
// ifc is nil.
func New(s *stack.Stack, ifc *netif.Interface) *Client {
	if ifc == nil {
		ifc = s.DefaultInterface()
	}
	return &Client{
		stack: s,
		ifc:   ifc,
		cfg:   s.Config().DHCP,
		log:   s.Logger("dhcp").WithField("interface", ifc.Name()),
	}
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) Lease() Lease {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lease
}

func (c *Client) IP() netip.Addr      { return c.Lease().IP }
func (c *Client) Netmask() netip.Addr { return c.Lease().Netmask }
func (c *Client) Gateway() netip.Addr { return c.Lease().Gateway }
func (c *Client) DNS() netip.Addr     { return c.Lease().DNS }
func (c *Client) Server() netip.Addr  { return c.Lease().Server }

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run performs DISCOVER/OFFER/REQUEST/ACK and configures the interface
// with the result. The lease is not renewed.
func (c *Client) Run(ctx context.Context) (Lease, error) {
	if c.ifc.IsLoopback() {
		c.setState(StateFailed)
		return Lease{}, fmt.Errorf("dhcp on loopback: %w", core.ErrNoDevice)
	}
	c.setState(StatePending)
	lease, err := c.run(ctx)
	if err != nil {
		c.setState(StateFailed)
		c.log.WithError(err).Warn("dhcp failed")
		return Lease{}, err
	}

	c.ifc.Configure(lease.IP, lease.Netmask, lease.Gateway)
	c.mu.Lock()
	c.lease = lease
	c.state = StateSuccess
	c.mu.Unlock()
	c.log.WithFields(map[string]interface{}{
		"ip":      lease.IP.String(),
		"netmask": lease.Netmask.String(),
		"gateway": lease.Gateway.String(),
		"dns":     lease.DNS.String(),
		"server":  lease.Server.String(),
	}).Info("lease acquired")
	return lease, nil
}

func (c *Client) run(ctx context.Context) (Lease, error) {
	fd, err := c.stack.Socket(core.AFInet, core.SockDgram, core.ProtocolUDP)
	if err != nil {
		return Lease{}, err
	}
	defer c.stack.Close(fd)
	if err := c.stack.Bind(fd, netip.AddrPortFrom(netip.IPv4Unspecified(), wire.DHCPClientPort)); err != nil {
		return Lease{}, err
	}
	if err := c.stack.BindDevice(fd, c.ifc.Name()); err != nil {
		return Lease{}, err
	}

	c.mu.Lock()
	c.xid = rand.Uint32()
	xid := c.xid
	c.mu.Unlock()
	mac := c.ifc.MAC()

	discover := wire.NewDHCPRequest(wire.DHCPDiscover, xid, mac)
	discover.AddOption(wire.OptParamRequest, wire.OptSubnetMask, wire.OptRouter, wire.OptDNS)
	offer, err := c.exchange(ctx, fd, discover, wire.DHCPOffer)
	if err != nil {
		return Lease{}, fmt.Errorf("discover: %w", err)
	}
	lease := leaseFrom(offer, Lease{})
	if !lease.IP.Is4() || lease.IP.IsUnspecified() {
		return Lease{}, fmt.Errorf("offer without address: %w", core.ErrMalformed)
	}
	c.log.WithFields(map[string]interface{}{
		"ip": lease.IP.String(), "server": lease.Server.String(),
	}).Debug("offer received")

	request := wire.NewDHCPRequest(wire.DHCPRequest, xid, mac)
	request.AddAddrOption(wire.OptRequestedIP, lease.IP)
	request.AddAddrOption(wire.OptServerID, lease.Server)
	request.AddOption(wire.OptParamRequest, wire.OptSubnetMask, wire.OptRouter, wire.OptDNS)
	ack, err := c.exchange(ctx, fd, request, wire.DHCPAck)
	if err != nil {
		return Lease{}, fmt.Errorf("request %s: %w", lease.IP, err)
	}
	return leaseFrom(ack, lease), nil
}

// leaseFrom reads the lease carried by m, keeping fallback values for
// options the server left out.
func leaseFrom(m *wire.DHCPMessage, fallback Lease) Lease {
	l := fallback
	if m.YIAddr.IsValid() && !m.YIAddr.IsUnspecified() {
		l.IP = m.YIAddr
	}
	if a, ok := m.AddrOption(wire.OptServerID); ok {
		l.Server = a
	} else if !l.Server.IsValid() {
		l.Server = m.SIAddr
	}
	if a, ok := m.AddrOption(wire.OptSubnetMask); ok {
		l.Netmask = a
	}
	if a, ok := m.AddrOption(wire.OptRouter); ok {
		l.Gateway = a
	}
	if a, ok := m.AddrOption(wire.OptDNS); ok {
		l.DNS = a
	}
	return l
}

// exchange broadcasts msg and waits for a reply of type want, resending up
// to the configured number of attempts.
func (c *Client) exchange(ctx context.Context, fd int, msg *wire.DHCPMessage, want wire.DHCPMessageType) (*wire.DHCPMessage, error) {
	payload := msg.Marshal()
	buf := make([]byte, 1500)
	for attempt := 1; attempt <= c.cfg.Retries; attempt++ {
		if _, err := c.stack.SendTo(fd, payload, serverAddr); err != nil {
			return nil, err
		}
		deadline := time.Now().Add(c.cfg.Timeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		for {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("%w: %w", core.ErrTimedOut, err)
			}
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			n, _, err := c.stack.RecvFromTimeout(fd, buf, remaining)
			if errors.Is(err, core.ErrTimedOut) {
				break
			}
			if err != nil {
				return nil, err
			}
			reply, err := wire.DecodeDHCP(buf[:n])
			if err != nil {
				c.log.WithError(err).Debug("undecodable reply")
				continue
			}
			if reply.Op != wire.BootReply || reply.XID != msg.XID || reply.CHAddr != msg.CHAddr {
				continue
			}
			switch reply.MessageType() {
			case want:
				return reply, nil
			case wire.DHCPNak:
				return nil, ErrNak
			}
		}
		c.log.WithField("attempt", attempt).Debug("no reply, retrying")
	}
	return nil, fmt.Errorf("no reply after %d attempts: %w", c.cfg.Retries, core.ErrTimedOut)
}
