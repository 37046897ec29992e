// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"firestige.xyz/netstack/internal/stack"
)

const namespace = "netstack"

// Source yields the counters to export.
type Source interface {
	Snapshot() stack.Snapshot
}

// Collector reads a stack snapshot on every scrape.
type Collector struct {
	src Source

	rxPackets  *prometheus.Desc
	rxBytes    *prometheus.Desc
	txPackets  *prometheus.Desc
	txBytes    *prometheus.Desc
	txErrors   *prometheus.Desc
	ifaceDrops *prometheus.Desc

	drops        *prometheus.Desc
	poolCapacity *prometheus.Desc
	poolInUse    *prometheus.Desc
	poolFailures *prometheus.Desc
	queueDepth   *prometheus.Desc
	openSockets  *prometheus.Desc
	arpEntries   *prometheus.Desc
	retransmits  *prometheus.Desc
	resets       *prometheus.Desc
	echoes       *prometheus.Desc
}

func desc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
}

// NewCollector creates a collector over src.
func NewCollector(src Source) *Collector {
	return &Collector{
		src: src,

		rxPackets:  desc("interface_rx_packets_total", "Frames received per interface", "interface"),
		rxBytes:    desc("interface_rx_bytes_total", "Bytes received per interface", "interface"),
		txPackets:  desc("interface_tx_packets_total", "Frames transmitted per interface", "interface"),
		txBytes:    desc("interface_tx_bytes_total", "Bytes transmitted per interface", "interface"),
		txErrors:   desc("interface_tx_errors_total", "Failed device writes per interface", "interface"),
		ifaceDrops: desc("interface_drops_total", "Frames dropped per interface", "interface"),

		drops:        desc("drops_total", "Frames dropped by the protocol layers", "reason"),
		poolCapacity: desc("pool_buffers", "Packet buffers in the pool"),
		poolInUse:    desc("pool_buffers_in_use", "Packet buffers currently allocated"),
		poolFailures: desc("pool_allocation_failures_total", "Buffer allocations refused by an exhausted pool"),
		queueDepth:   desc("queue_depth", "Buffers waiting in the dispatcher queues", "queue"),
		openSockets:  desc("open_sockets", "Sockets holding a descriptor"),
		arpEntries:   desc("arp_entries", "Entries in the ARP cache"),
		retransmits:  desc("tcp_retransmits_total", "TCP segments retransmitted"),
		resets:       desc("tcp_resets_total", "TCP resets sent"),
		echoes:       desc("icmp_echo_replies_total", "ICMP echo requests answered"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.rxPackets, c.rxBytes, c.txPackets, c.txBytes, c.txErrors, c.ifaceDrops,
		c.drops, c.poolCapacity, c.poolInUse, c.poolFailures, c.queueDepth,
		c.openSockets, c.arpEntries, c.retransmits, c.resets, c.echoes,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.src.Snapshot()
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}

	for _, ifc := range snap.Interfaces {
		counter(c.rxPackets, ifc.Counters.RxPackets, ifc.Name)
		counter(c.rxBytes, ifc.Counters.RxBytes, ifc.Name)
		counter(c.txPackets, ifc.Counters.TxPackets, ifc.Name)
		counter(c.txBytes, ifc.Counters.TxBytes, ifc.Name)
		counter(c.txErrors, ifc.Counters.TxErrors, ifc.Name)
		counter(c.ifaceDrops, ifc.Counters.Drops, ifc.Name)
	}
	for reason, n := range snap.Drops {
		counter(c.drops, n, reason)
	}
	gauge(c.poolCapacity, snap.Pool.Capacity)
	gauge(c.poolInUse, snap.Pool.InUse)
	counter(c.poolFailures, snap.Pool.Failures)
	gauge(c.queueDepth, snap.RxQueue, "rx")
	gauge(c.queueDepth, snap.TxQueue, "tx")
	gauge(c.openSockets, snap.OpenSockets)
	gauge(c.arpEntries, snap.ARPEntries)
	counter(c.retransmits, snap.TCPRetransmits)
	counter(c.resets, snap.TCPResets)
	counter(c.echoes, snap.ICMPEchoes)
}

// NewRegistry returns a private registry exporting src together with the
// Go runtime and process collectors.
func NewRegistry(src Source) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
