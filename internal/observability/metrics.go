// Package observability collects the runtime telemetry surface: Prometheus
// operation metrics, a bounded in-memory RUM buffer and system snapshots.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Operation outcome labels.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Metrics holds the per-operation Prometheus collectors on a private
// registry, so tests can create instances freely without duplicate
// registration panics.
type Metrics struct {
	registry *prometheus.Registry

	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	cacheOps   *prometheus.CounterVec
	aiCalls    *prometheus.CounterVec
	wsClients  prometheus.Gauge
}

// NewMetrics creates a registry with process and Go collectors plus the
// cellar operation metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellar",
			Name:      "operations_total",
			Help:      "Domain operations by name and outcome.",
		}, []string{"operation", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cellar",
			Name:      "operation_duration_seconds",
			Help:      "Domain operation latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"operation"}),
		cacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellar",
			Name:      "cache_requests_total",
			Help:      "Cache fabric lookups by result.",
		}, []string{"cache", "result"}),
		aiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellar",
			Name:      "ai_calls_total",
			Help:      "LLM provider calls by outcome.",
		}, []string{"status"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cellar",
			Name:      "stream_subscribers",
			Help:      "Currently connected SSE and websocket subscribers.",
		}),
	}
	registry.MustRegister(m.operations, m.durations, m.cacheOps, m.aiCalls, m.wsClients)
	return m
}

// ObserveOperation records one completed operation.
func (m *Metrics) ObserveOperation(operation string, err error, elapsed time.Duration) {
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	m.operations.WithLabelValues(operation, status).Inc()
	m.durations.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// Timed wraps an operation and records its outcome and latency.
func (m *Metrics) Timed(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	m.ObserveOperation(operation, err, time.Since(start))
	return err
}

// ObserveCache records one cache lookup. result is "hit" or "miss".
func (m *Metrics) ObserveCache(cache, result string) {
	m.cacheOps.WithLabelValues(cache, result).Inc()
}

// ObserveAICall records one LLM provider call.
func (m *Metrics) ObserveAICall(err error) {
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	m.aiCalls.WithLabelValues(status).Inc()
}

// StreamSubscriberDelta adjusts the connected-subscriber gauge.
func (m *Metrics) StreamSubscriberDelta(delta int) {
	m.wsClients.Add(float64(delta))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test assertions.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
