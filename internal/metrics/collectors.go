// =============================================================================
// File: internal/metrics/collectors.go
// Prometheus collector definitions (C13), grounded on the teacher's
// internal/metrics/collectors.go: a custom prometheus.Collector fed by a
// narrow stats-provider interface rather than package-global vecs, so a
// connection's counters can be registered/unregistered per-lifetime.
// =============================================================================
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "xfer"

// Collector adapts a ConnectionStats provider into the Prometheus
// exposition format.
type Collector struct {
	stats ConnectionStats

	packetsSentDesc      *prometheus.Desc
	packetsDroppedDesc   *prometheus.Desc
	chunkRetransmitsDesc *prometheus.Desc
	ecDecodeAttemptsDesc *prometheus.Desc
	activeMessagesDesc   *prometheus.Desc
	slotExhaustionDesc   *prometheus.Desc
}

// NewCollector builds a Collector reading from the given stats provider.
func NewCollector(stats ConnectionStats) *Collector {
	return &Collector{
		stats: stats,

		packetsSentDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "packets_sent_total"),
			"Total data-plane packets sent", nil, nil,
		),
		packetsDroppedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "packets_dropped_total"),
			"Total datagrams dropped on receive, by reason",
			[]string{"reason"}, nil,
		),
		chunkRetransmitsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "chunk_retransmits_total"),
			"Total chunk retransmissions issued by a sender controller", nil, nil,
		),
		ecDecodeAttemptsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "ec_decode_attempts_total"),
			"Total erasure-decode attempts, by outcome",
			[]string{"outcome"}, nil,
		),
		activeMessagesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "active_messages"),
			"Number of message slots currently ACTIVE on this connection", nil, nil,
		),
		slotExhaustionDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "slot_exhaustion_total"),
			"Total allocation attempts that failed because the message table was full", nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsSentDesc
	ch <- c.packetsDroppedDesc
	ch <- c.chunkRetransmitsDesc
	ch <- c.ecDecodeAttemptsDesc
	ch <- c.activeMessagesDesc
	ch <- c.slotExhaustionDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.packetsSentDesc, prometheus.CounterValue,
		float64(c.stats.PacketsSent()))

	for _, reason := range []DropReason{DropMalformed, DropStale, DropDuplicate, DropNoSlot} {
		ch <- prometheus.MustNewConstMetric(c.packetsDroppedDesc, prometheus.CounterValue,
			float64(c.stats.PacketsDropped(reason)), string(reason))
	}

	ch <- prometheus.MustNewConstMetric(c.chunkRetransmitsDesc, prometheus.CounterValue,
		float64(c.stats.ChunkRetransmits()))

	for _, outcome := range []ECOutcome{ECOutcomeComplete, ECOutcomeRecovered, ECOutcomeStillGaps, ECOutcomeFellBackSR} {
		ch <- prometheus.MustNewConstMetric(c.ecDecodeAttemptsDesc, prometheus.CounterValue,
			float64(c.stats.ECDecodeAttempts(outcome)), string(outcome))
	}

	ch <- prometheus.MustNewConstMetric(c.activeMessagesDesc, prometheus.GaugeValue,
		float64(c.stats.ActiveMessages()))
	ch <- prometheus.MustNewConstMetric(c.slotExhaustionDesc, prometheus.CounterValue,
		float64(c.stats.SlotExhaustions()))
}
