// Package metrics exposes Prometheus instrumentation for the registry. All
// methods are safe on a nil receiver so callers never have to guard for an
// unconfigured collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcomes as recorded on the request counter.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeTimeout  = "timeout"
	OutcomeRejected = "rejected"
)

// Metrics holds the registry's collectors bound to one Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	notifications   *prometheus.CounterVec
	connectionState *prometheus.GaugeVec
	breakerState    *prometheus.GaugeVec
}

// New creates collectors on a fresh Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpfleet",
			Name:      "requests_total",
			Help:      "Requests issued to capability servers, by outcome.",
		}, []string{"server", "method", "outcome"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcpfleet",
			Name:      "request_duration_seconds",
			Help:      "Wall-clock latency of requests to capability servers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"server", "method"}),

		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpfleet",
			Name:      "notifications_total",
			Help:      "Out-of-band notifications received, by method.",
		}, []string{"server", "method"}),

		connectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mcpfleet",
			Name:      "connection_state",
			Help:      "Connection state per server: 0 disconnected, 1 connecting, 2 connected, 3 error.",
		}, []string{"server"}),

		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mcpfleet",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per server: 0 closed, 1 open, 2 half-open.",
		}, []string{"server"}),
	}
}

// Registry returns the underlying Prometheus registry for scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}

	return m.registry
}

// ObserveRequest records one completed request attempt.
func (m *Metrics) ObserveRequest(server, method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}

	m.requests.WithLabelValues(server, method, outcome).Inc()
	m.requestDuration.WithLabelValues(server, method).Observe(elapsed.Seconds())
}

// ObserveNotification records one inbound notification.
func (m *Metrics) ObserveNotification(server, method string) {
	if m == nil {
		return
	}

	m.notifications.WithLabelValues(server, method).Inc()
}

// SetConnectionState records the server's current connection state code.
func (m *Metrics) SetConnectionState(server string, state int) {
	if m == nil {
		return
	}

	m.connectionState.WithLabelValues(server).Set(float64(state))
}

// SetBreakerState records the server's current breaker state code.
func (m *Metrics) SetBreakerState(server string, state int) {
	if m == nil {
		return
	}

	m.breakerState.WithLabelValues(server).Set(float64(state))
}

// RemoveServer drops every series labeled with the given server.
func (m *Metrics) RemoveServer(server string) {
	if m == nil {
		return
	}

	labels := prometheus.Labels{"server": server}

	m.requests.DeletePartialMatch(labels)
	m.requestDuration.DeletePartialMatch(labels)
	m.notifications.DeletePartialMatch(labels)
	m.connectionState.DeletePartialMatch(labels)
	m.breakerState.DeletePartialMatch(labels)
}
