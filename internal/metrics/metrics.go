// Package metrics exposes the node's operational counters and gauges as a
// Prometheus registry, served over HTTP via promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter and gauge this node reports. Create one with
// New and pass it to internal/connmgr (WithMetrics) and internal/node
// (SetMetrics) so they record against the same registry. internal/dist takes
// no Metrics; connmgr counts received messages by wrapping its dispatcher.
type Metrics struct {
	registry *prometheus.Registry

	HandshakeAttempts prometheus.Counter
	HandshakeFailures prometheus.Counter
	Reconnects        prometheus.Counter
	ConnectionsActive prometheus.Gauge

	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter

	// FragmentsReassembled and FragmentsDropped are registered and exported,
	// but nothing in this module increments them, so both stay at zero.
	FragmentsReassembled prometheus.Counter
	FragmentsDropped     prometheus.Counter

	MailboxDepth  prometheus.Gauge
	RegistrySize  prometheus.Gauge
	ProcessCount  prometheus.Gauge
}

// New returns a Metrics value with every collector registered against a
// fresh prometheus.Registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HandshakeAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "edp_handshake_attempts_total",
			Help: "Total number of client handshake attempts.",
		}),
		HandshakeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "edp_handshake_failures_total",
			Help: "Total number of handshake attempts that ended in Failed.",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "edp_reconnects_total",
			Help: "Total number of connmgr reconnect attempts after a dropped connection.",
		}),
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "edp_connections_active",
			Help: "Number of peer connections currently in the Connected state.",
		}),
		MessagesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "edp_messages_sent_total",
			Help: "Total number of distribution messages written to a peer.",
		}),
		MessagesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "edp_messages_received_total",
			Help: "Total number of distribution messages read from a peer.",
		}),
		FragmentsReassembled: f.NewCounter(prometheus.CounterOpts{
			Name: "edp_fragments_reassembled_total",
			Help: "Total number of fragmented messages successfully reassembled.",
		}),
		FragmentsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "edp_fragments_dropped_total",
			Help: "Total number of fragment sequences evicted before completion.",
		}),
		MailboxDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "edp_mailbox_depth_max",
			Help: "Largest observed mailbox queue depth across all local processes.",
		}),
		RegistrySize: f.NewGauge(prometheus.GaugeOpts{
			Name: "edp_registry_names",
			Help: "Number of names currently registered in the process registry.",
		}),
		ProcessCount: f.NewGauge(prometheus.GaugeOpts{
			Name: "edp_process_count",
			Help: "Number of local processes currently spawned.",
		}),
	}
}

// Handler returns an http.Handler serving this Metrics value's registry in
// Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
