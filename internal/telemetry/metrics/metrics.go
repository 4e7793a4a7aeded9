// Package metrics exposes server-wide counters and gauges through
// prometheus/client_golang. The shape mirrors the teacher's own
// serverudp.Metrics/metrics.TransferMetrics aggregators (one struct,
// atomic-style updates, a Snapshot-able view) but the counters are
// backed by real prometheus.Collector instances registered on a private
// registry, the way runZeroInc-sockstats/pkg/exporter wires TCP info
// into client_golang.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the server core and its layers update.
type Registry struct {
	reg *prometheus.Registry

	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	Retransmissions  prometheus.Counter
	Duplicates       prometheus.Counter
	Timeouts         prometheus.Counter
	ObserversActive  prometheus.Gauge
	BlockwiseActive  prometheus.Gauge
	DecodeErrors     *prometheus.CounterVec
}

// New builds a Registry with all metrics registered on a fresh private
// prometheus.Registry (never the global DefaultRegisterer, so multiple
// servers in the same process, e.g. in tests, don't collide).
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coap_messages_sent_total",
			Help: "CoAP messages sent, by message type.",
		}, []string{"type"}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coap_messages_received_total",
			Help: "CoAP messages received, by message type.",
		}, []string{"type"}),
		Retransmissions: factory.NewCounter(prometheus.CounterOpts{
			Name: "coap_retransmissions_total",
			Help: "Confirmable messages retransmitted.",
		}),
		Duplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "coap_duplicates_total",
			Help: "Duplicate inbound requests detected by MID.",
		}),
		Timeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "coap_timeouts_total",
			Help: "Confirmable exchanges that exhausted MAX_RETRANSMIT.",
		}),
		ObserversActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "coap_observers_active",
			Help: "Currently registered Observe relations.",
		}),
		BlockwiseActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "coap_blockwise_sessions_active",
			Help: "Currently open Block1/Block2 sessions.",
		}),
		DecodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coap_decode_errors_total",
			Help: "Inbound datagrams rejected by the codec, by error kind.",
		}, []string{"kind"}),
	}
}

// Handler returns an http.Handler serving this registry in the
// Prometheus exposition format, suitable for mounting at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
