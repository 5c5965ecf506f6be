// Package metrics wraps prometheus/client_golang counters and gauges
// for the internals of the replication core: packets sent/acked/resent,
// bandwidth budget consumed, rollback counts, interpolation stalls.
// Metrics are an ambient concern not named by any of spec.md's
// Non-goals, so they're carried regardless, grounded on the pack's
// prometheus users (runZeroInc-sockstats, xendarboh-katzenpost).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry groups every counter/gauge this module exports. Callers
// typically build one Registry per process and pass it down into
// conn.Manager/conn.Server.
type Registry struct {
	PacketsSent     prometheus.Counter
	PacketsRecv     prometheus.Counter
	PacketsMalformed prometheus.Counter

	MessagesResent  *prometheus.CounterVec // labeled by channel
	MessagesAcked   *prometheus.CounterVec // labeled by channel

	BandwidthBytesSent prometheus.Counter

	RollbackCount          prometheus.Counter
	InterpolationStalls    prometheus.Counter

	ConnectionsActive prometheus.Gauge
	Disconnects       *prometheus.CounterVec // labeled by reason
}

// New registers every metric against reg (typically prometheus.DefaultRegisterer
// via promauto's default, or a custom *prometheus.Registry for tests).
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		PacketsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "netrep",
			Name:      "packets_sent_total",
			Help:      "Total packets handed to the transport.",
		}),
		PacketsRecv: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "netrep",
			Name:      "packets_received_total",
			Help:      "Total packets accepted from the transport.",
		}),
		PacketsMalformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "netrep",
			Name:      "packets_malformed_total",
			Help:      "Total packets dropped for failing to parse.",
		}),
		MessagesResent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netrep",
			Name:      "reliable_messages_resent_total",
			Help:      "Total reliable message resends, by channel.",
		}, []string{"channel"}),
		MessagesAcked: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netrep",
			Name:      "reliable_messages_acked_total",
			Help:      "Total reliable messages acknowledged, by channel.",
		}, []string{"channel"}),
		BandwidthBytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "netrep",
			Name:      "bandwidth_bytes_sent_total",
			Help:      "Total bytes admitted past the bandwidth cap.",
		}),
		RollbackCount: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "netrep",
			Name:      "prediction_rollbacks_total",
			Help:      "Total rollback-and-replay events across predicted entities.",
		}),
		InterpolationStalls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "netrep",
			Name:      "interpolation_stalls_total",
			Help:      "Total InterpolationStalled warnings raised.",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "netrep",
			Name:      "connections_active",
			Help:      "Currently connected peers.",
		}),
		Disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netrep",
			Name:      "disconnects_total",
			Help:      "Total disconnections, by reason.",
		}, []string{"reason"}),
	}
}
