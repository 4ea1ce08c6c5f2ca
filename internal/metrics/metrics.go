// Package metrics collects Prometheus counters and gauges for the
// signaling service and serves them over /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "beamdrop"

// Metrics bundles every collector the service exposes. Each server owns
// its own registry so tests can run servers side by side without
// duplicate registration panics.
type Metrics struct {
	registry *prometheus.Registry

	SessionsCreated prometheus.Counter
	SessionsExpired prometheus.Counter
	Connections     prometheus.Counter
	MessagesRelayed prometheus.Counter
	BytesRelayed    prometheus.Counter
	Errors          *prometheus.CounterVec
	SlowPeerDrops   prometheus.Counter
}

// New builds the collector set. activeSessions and activeConns are
// sampled at scrape time so the gauges never drift from the registry's
// own bookkeeping.
func New(activeSessions, activeConns func() float64) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created since start.",
		}),
		SessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Sessions removed by TTL expiry.",
		}),
		Connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "WebSocket connections accepted since start.",
		}),
		MessagesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_relayed_total",
			Help:      "Signaling messages forwarded between peers.",
		}),
		BytesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Frame bytes forwarded between peers.",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Error messages sent to clients, by code.",
		}, []string{"code"}),
		SlowPeerDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_peer_drops_total",
			Help:      "Connections dropped for a stalled send queue.",
		}),
	}

	m.registry.MustRegister(
		m.SessionsCreated,
		m.SessionsExpired,
		m.Connections,
		m.MessagesRelayed,
		m.BytesRelayed,
		m.Errors,
		m.SlowPeerDrops,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Live sessions.",
		}, activeSessions),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Open WebSocket connections.",
		}, activeConns),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves this registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ErrorSent increments the per-code error counter.
func (m *Metrics) ErrorSent(code string) {
	m.Errors.WithLabelValues(code).Inc()
}
