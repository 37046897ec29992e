package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netstack/internal/log"
	"firestige.xyz/netstack/internal/netif"
	"firestige.xyz/netstack/internal/skb"
	"firestige.xyz/netstack/internal/stack"
)

type fixed stack.Snapshot

func (f fixed) Snapshot() stack.Snapshot { return stack.Snapshot(f) }

func sample() fixed {
	return fixed{
		Interfaces: []stack.InterfaceSnapshot{
			{Name: "lo", Loopback: true, Counters: netif.CounterSnapshot{RxPackets: 3, TxPackets: 3}},
			{Name: "eth0", Counters: netif.CounterSnapshot{RxPackets: 10, RxBytes: 640, Drops: 2}},
		},
		Drops:          map[string]uint64{"no_socket": 2, "bad_checksum": 0},
		Pool:           skb.PoolStats{Capacity: 512, InUse: 4, Failures: 1},
		RxQueue:        1,
		OpenSockets:    2,
		ARPEntries:     1,
		TCPRetransmits: 5,
	}
}

func TestCollector(t *testing.T) {
	c := NewCollector(sample())

	// six per interface, two drop reasons and ten stack-wide series
	assert.Equal(t, 2*6+2+10, testutil.CollectAndCount(c))

	expected := `
# HELP netstack_drops_total Frames dropped by the protocol layers
# TYPE netstack_drops_total counter
netstack_drops_total{reason="bad_checksum"} 0
netstack_drops_total{reason="no_socket"} 2
# HELP netstack_open_sockets Sockets holding a descriptor
# TYPE netstack_open_sockets gauge
netstack_open_sockets 2
# HELP netstack_interface_rx_packets_total Frames received per interface
# TYPE netstack_interface_rx_packets_total counter
netstack_interface_rx_packets_total{interface="eth0"} 10
netstack_interface_rx_packets_total{interface="lo"} 3
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"netstack_drops_total", "netstack_open_sockets", "netstack_interface_rx_packets_total"))
}

func TestCollectorOverStack(t *testing.T) {
	s, err := stack.New(nil, log.Discard())
	require.NoError(t, err)
	defer s.Stop()

	c := NewCollector(s)
	assert.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(`
# HELP netstack_pool_buffers Packet buffers in the pool
# TYPE netstack_pool_buffers gauge
netstack_pool_buffers 512
`), "netstack_pool_buffers"))
}

func TestServer(t *testing.T) {
	srv := NewServer("127.0.0.1:0", "", NewRegistry(sample()), log.Discard())
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop(context.Background())

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `netstack_tcp_retransmits_total 5`)
	assert.Contains(t, string(body), `netstack_queue_depth{queue="rx"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestServerListenError(t *testing.T) {
	srv := NewServer("256.0.0.1:bad", "/m", NewRegistry(sample()), log.Discard())
	assert.Error(t, srv.Start(context.Background()))
	assert.NoError(t, srv.Stop(context.Background()))
}
