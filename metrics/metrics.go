// Package metrics exports the engine's internal TCP counters and gauges as
// Prometheus metrics, the same counters a production TCP stack exposes
// through kernel sockstats.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// namespace prefixes every metric this package registers
const namespace = "tcp_engine"

// Metrics holds every counter and gauge the engine exports. One Metrics is
// created per Stack, each against its own prometheus.Registry rather than
// the global default registry, so multiple stacks in the same process (e.g.
// one per test) never collide on metric registration
type Metrics struct {
	Registry *prometheus.Registry

	SegmentsRetransmitted prometheus.Counter
	DuplicateAcksSeen     prometheus.Counter
	FastRetransmits       prometheus.Counter
	KeepaliveProbesSent   prometheus.Counter
	ZeroWindowProbesSent  prometheus.Counter

	ConnectionsEstablished prometheus.Counter
	ConnectionsClosed      prometheus.Counter

	CongestionWindow *prometheus.GaugeVec
	SmoothedRTT      *prometheus.GaugeVec
}

// New allocates a Metrics with a fresh, private registry and registers every
// collector against it
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		SegmentsRetransmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_retransmitted_total",
			Help:      "Segments retransmitted after their retransmit timer expired.",
		}),
		DuplicateAcksSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_acks_total",
			Help:      "Duplicate ACKs observed across all connections.",
		}),
		FastRetransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fast_retransmits_total",
			Help:      "Segments retransmitted by New Reno fast retransmit.",
		}),
		KeepaliveProbesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalive_probes_sent_total",
			Help:      "Keep-alive probe segments sent.",
		}),
		ZeroWindowProbesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "zero_window_probes_sent_total",
			Help:      "Zero-window probe segments sent.",
		}),
		ConnectionsEstablished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_established_total",
			Help:      "Connections that reached the Established state.",
		}),
		ConnectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Connections that reached the Closed state.",
		}),
		CongestionWindow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "congestion_window_bytes",
			Help:      "Current New Reno congestion window, per connection.",
		}, []string{"endpoint"}),
		SmoothedRTT: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "smoothed_rtt_seconds",
			Help:      "Smoothed round-trip time estimate, per connection.",
		}, []string{"endpoint"}),
	}

	m.Registry.MustRegister(
		m.SegmentsRetransmitted,
		m.DuplicateAcksSeen,
		m.FastRetransmits,
		m.KeepaliveProbesSent,
		m.ZeroWindowProbesSent,
		m.ConnectionsEstablished,
		m.ConnectionsClosed,
		m.CongestionWindow,
		m.SmoothedRTT,
	)

	return m
}

// ForgetEndpoint drops the per-endpoint gauge series for id, called once a
// connection is destroyed so its labels don't linger forever
func (m *Metrics) ForgetEndpoint(id string) {
	m.CongestionWindow.DeleteLabelValues(id)
	m.SmoothedRTT.DeleteLabelValues(id)
}
