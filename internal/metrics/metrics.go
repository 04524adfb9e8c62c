package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ringkv"

// Metrics holds all Prometheus metrics of one node
type Metrics struct {
	registry *prometheus.Registry

	// Protocol metrics
	MessagesHandled    *prometheus.CounterVec
	ProtocolViolations prometheus.Counter

	// Routing metrics
	Forwards          prometheus.Counter
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// Membership metrics
	Membership *prometheus.CounterVec
	KeysMoved  *prometheus.CounterVec
	KeysStored prometheus.Gauge
	RangeSize  prometheus.Gauge
}

// New creates the node metrics on a private registry, so several nodes
// can live in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		MessagesHandled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_handled_total",
				Help:      "Total number of peer messages handled, by verb",
			},
			[]string{"verb"},
		),

		ProtocolViolations: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "protocol_violations_total",
				Help:      "Total number of malformed or unknown peer messages",
			},
		),

		Forwards: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forwards_total",
				Help:      "Total number of requests forwarded to the successor",
			},
		),

		Operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of routed operations completed, by outcome",
			},
			[]string{"operation", "outcome"},
		),

		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of routed operations issued at the root",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		Membership: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "membership_events_total",
				Help:      "Total number of joins and departures, by result",
			},
			[]string{"event", "result"},
		),

		KeysMoved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "keys_moved_total",
				Help:      "Total number of keys transferred during membership changes",
			},
			[]string{"direction"},
		),

		KeysStored: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "keys_stored",
				Help:      "Number of keys held by this node",
			},
		),

		RangeSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "range_size",
				Help:      "Number of identifiers owned by this node",
			},
		),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
