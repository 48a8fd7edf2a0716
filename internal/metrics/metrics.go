// Package metrics exposes gateway counters on a per-runtime Prometheus
// registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	handshakes   *prometheus.CounterVec
	events       *prometheus.CounterVec
	rateLimited  *prometheus.CounterVec
	connections  prometheus.Gauge
	deliveries   prometheus.Counter
	droppedSends prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaygate",
			Name:      "handshakes_total",
			Help:      "Connection handshakes by result and error code.",
		}, []string{"result", "code"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaygate",
			Name:      "events_total",
			Help:      "Inbound events by name and result.",
		}, []string{"event", "result"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaygate",
			Name:      "rate_limited_total",
			Help:      "Events rejected by a rate limit, by tenant.",
		}, []string{"tenant"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaygate",
			Name:      "connections",
			Help:      "Live connections on this process.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaygate",
			Name:      "deliveries_total",
			Help:      "Frames queued to connections.",
		}),
		droppedSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaygate",
			Name:      "dropped_sends_total",
			Help:      "Frames dropped because a connection's send queue was full.",
		}),
	}
	m.registry.MustRegister(
		m.handshakes, m.events, m.rateLimited, m.connections, m.deliveries, m.droppedSends,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handshake(result, code string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result, code).Inc()
}

func (m *Metrics) Event(event, result string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event, result).Inc()
}

func (m *Metrics) RateLimited(tenant string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(tenant).Inc()
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) Delivered() {
	if m == nil {
		return
	}
	m.deliveries.Inc()
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.droppedSends.Inc()
}
