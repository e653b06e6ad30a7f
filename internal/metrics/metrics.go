// Package metrics exposes Prometheus instrumentation for the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Tyrowin/chatrelay/internal/relay"
)

const namespace = "chatrelay"

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RelayMetrics holds Prometheus metrics for group membership and fan-out.
// It implements relay.Metrics.
type RelayMetrics struct {
	ActiveConnections prometheus.Gauge
	Broadcasts        prometheus.Counter
	Deliveries        *prometheus.CounterVec
	Evictions         prometheus.Counter
	FanOut            prometheus.Histogram
}

var _ relay.Metrics = (*RelayMetrics)(nil)

// NewRelayMetrics creates and registers relay metrics on the given registry.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "active_connections",
			Help:      "Number of connections currently joined to a group.",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "broadcasts_total",
			Help:      "Total number of broadcasts performed.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "deliveries_total",
			Help:      "Total number of per-recipient deliveries by result.",
		}, []string{"result"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "evictions_total",
			Help:      "Total number of connections removed after a failed delivery.",
		}),
		FanOut: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "broadcast_recipients",
			Help:      "Number of recipients attempted per broadcast.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}

	reg.MustRegister(m.ActiveConnections, m.Broadcasts, m.Deliveries, m.Evictions, m.FanOut)
	return m
}

func (m *RelayMetrics) BroadcastCompleted(report relay.Report) {
	m.Broadcasts.Inc()
	m.FanOut.Observe(float64(report.Attempted))
	m.Deliveries.WithLabelValues("success").Add(float64(report.Delivered))
	m.Deliveries.WithLabelValues("failure").Add(float64(len(report.Failed)))
}

func (m *RelayMetrics) ConnectionJoined() { m.ActiveConnections.Inc() }

func (m *RelayMetrics) ConnectionLeft() { m.ActiveConnections.Dec() }

func (m *RelayMetrics) ConnectionEvicted() { m.Evictions.Inc() }
