// Package metrics exposes udpcast endpoint statistics as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/1ureka/udpcast/internal/udpcast"
	"github.com/1ureka/udpcast/internal/util"
)

const (
	// Namespace is the basic namespace where all metrics are defined under.
	Namespace = "udpcast"
)

// metric reads one value out of a snapshot.
type metric[S any] struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(S) float64
}

func counter[S any](subsystem, name, help string, value func(S) float64) metric[S] {
	return metric[S]{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(Namespace, subsystem, name), help, nil, nil),
		kind:  prometheus.CounterValue,
		value: value,
	}
}

func gauge[S any](subsystem, name, help string, value func(S) float64) metric[S] {
	return metric[S]{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(Namespace, subsystem, name), help, nil, nil),
		kind:  prometheus.GaugeValue,
		value: value,
	}
}

// collector samples a snapshot once per scrape and reports every metric from
// it, so the values of one scrape are consistent with each other.
type collector[S any] struct {
	snapshot func() S
	metrics  []metric[S]
}

func (c *collector[S]) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

func (c *collector[S]) Collect(ch chan<- prometheus.Metric) {
	snap := c.snapshot()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(snap))
	}
}

// NewSenderCollector reports the counters of a Sender.
func NewSenderCollector(stats *udpcast.SenderStats) prometheus.Collector {
	const sub = "sender"
	type S = udpcast.SenderSnapshot

	return &collector[S]{
		snapshot: stats.Snapshot,
		metrics: []metric[S]{
			counter(sub, "source_bytes_total", "Bytes pulled from the data source.",
				func(s S) float64 { return float64(s.ContentLength) }),
			counter(sub, "payload_bytes_total", "Payload bytes transmitted, retransmissions included.",
				func(s S) float64 { return float64(s.SendLength) }),
			counter(sub, "data_packets_total", "Data packets transmitted.",
				func(s S) float64 { return float64(s.SendCount) }),
			counter(sub, "retransmissions_total", "Data packets retransmitted after a NAK.",
				func(s S) float64 { return float64(s.NakCount) }),
			counter(sub, "keepalives_total", "KeepAlive packets sent.",
				func(s S) float64 { return float64(s.KeepAliveCount) }),
			counter(sub, "updates_total", "Update packets received.",
				func(s S) float64 { return float64(s.UpdateCount) }),
			counter(sub, "invalid_updates_total", "Datagrams dropped as undecodable, stale or foreign.",
				func(s S) float64 { return float64(s.InvalidUpdateCount) }),
			gauge(sub, "rtt_seconds", "Mean round-trip time across receivers.",
				func(s S) float64 { return float64(s.RTTMicros) / 1e6 }),
			gauge(sub, "window_segments", "Governing congestion window.",
				func(s S) float64 { return float64(s.Window) }),
			gauge(sub, "receivers", "Joined receivers.",
				func(s S) float64 { return float64(s.Clients) }),
			gauge(sub, "seq", "Lowest sequence not acknowledged by every receiver.",
				func(s S) float64 { return float64(s.Seq) }),
			gauge(sub, "max_seq", "Next sequence to transmit for the first time.",
				func(s S) float64 { return float64(s.MaxSeq) }),
		},
	}
}

// NewReceiverCollector reports the counters of a Receiver.
func NewReceiverCollector(stats *udpcast.ReceiverStats) prometheus.Collector {
	const sub = "receiver"
	type S = udpcast.ReceiverSnapshot

	return &collector[S]{
		snapshot: stats.Snapshot,
		metrics: []metric[S]{
			counter(sub, "delivered_bytes_total", "Bytes accepted by the consumer.",
				func(s S) float64 { return float64(s.ContentLength) }),
			counter(sub, "keepalives_total", "KeepAlive packets handled.",
				func(s S) float64 { return float64(s.KeepAliveCount) }),
			counter(sub, "updates_total", "Update packets sent.",
				func(s S) float64 { return float64(s.UpdateCount) }),
			counter(sub, "data_packets_total", "Data packets stored in the receive window.",
				func(s S) float64 { return float64(s.DataCount) }),
			counter(sub, "duplicates_total", "Data packets already held.",
				func(s S) float64 { return float64(s.DataDuplicate) }),
			counter(sub, "invalid_data_total", "Data packets ahead of the receive window.",
				func(s S) float64 { return float64(s.InvalidDataCount) }),
			counter(sub, "stale_data_total", "Data packets behind the receive window.",
				func(s S) float64 { return float64(s.StaleDataCount) }),
			counter(sub, "malformed_total", "Undecodable datagrams.",
				func(s S) float64 { return float64(s.MalformedCount) }),
			gauge(sub, "window_segments", "Segments buffered in the receive window.",
				func(s S) float64 { return float64(s.Window) }),
			gauge(sub, "seq", "Next sequence owed to the consumer.",
				func(s S) float64 { return float64(s.Seq) }),
			gauge(sub, "rate_bytes_per_second", "Receive rate over the last seconds.",
				func(s S) float64 { return s.Rate }),
		},
	}
}

type socketSnapshot struct {
	bytesSent, bytesRecv, packetsSent, packetsRecv int64
}

// NewSocketCollector reports the process-wide UDP traffic counters.
func NewSocketCollector() prometheus.Collector {
	const sub = "socket"
	type S = socketSnapshot

	return &collector[S]{
		snapshot: func() S {
			return S{
				bytesSent:   util.Stats.BytesSent.Load(),
				bytesRecv:   util.Stats.BytesRecv.Load(),
				packetsSent: util.Stats.PacketsSent.Load(),
				packetsRecv: util.Stats.PacketsRecv.Load(),
			}
		},
		metrics: []metric[S]{
			counter(sub, "sent_bytes_total", "Bytes written to UDP sockets.",
				func(s S) float64 { return float64(s.bytesSent) }),
			counter(sub, "received_bytes_total", "Bytes read from UDP sockets.",
				func(s S) float64 { return float64(s.bytesRecv) }),
			counter(sub, "sent_packets_total", "Datagrams written to UDP sockets.",
				func(s S) float64 { return float64(s.packetsSent) }),
			counter(sub, "received_packets_total", "Datagrams read from UDP sockets.",
				func(s S) float64 { return float64(s.packetsRecv) }),
		},
	}
}
