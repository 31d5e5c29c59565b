// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for probe runs.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the metrics provider.
type MetricsConfig struct {
	Namespace   string
	ConstLabels prometheus.Labels
	// HistogramBuckets are in milliseconds.
	HistogramBuckets []float64
}

// Metrics holds the probe's metric collectors on a private registry, so two
// providers in one process never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	RequestDuration *prometheus.HistogramVec
	RequestTotal    *prometheus.CounterVec
	TransportEvents *prometheus.CounterVec
	RetryTotal      *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec
	ProbeOutcomes   *prometheus.CounterVec
}

// NewMetrics creates and registers the probe metrics.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "mcpprobe"
	}
	if cfg.HistogramBuckets == nil {
		cfg.HistogramBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Name:        "request_duration_milliseconds",
			Help:        "Duration of MCP requests in milliseconds",
			Buckets:     cfg.HistogramBuckets,
			ConstLabels: cfg.ConstLabels,
		},
		[]string{"method", "status"},
	)
	m.RequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "request_total",
			Help:        "Total number of MCP requests",
			ConstLabels: cfg.ConstLabels,
		},
		[]string{"method", "status"},
	)
	m.TransportEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "transport_events_total",
			Help:        "Transport lifecycle events by kind",
			ConstLabels: cfg.ConstLabels,
		},
		[]string{"transport", "event"},
	)
	m.RetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "retry_total",
			Help:        "Retry attempts by operation",
			ConstLabels: cfg.ConstLabels,
		},
		[]string{"operation"},
	)
	m.BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "breaker_state",
			Help:        "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			ConstLabels: cfg.ConstLabels,
		},
		[]string{"breaker"},
	)
	m.ProbeOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "probe_outcomes_total",
			Help:        "Probe outcomes by target and verdict",
			ConstLabels: cfg.ConstLabels,
		},
		[]string{"target", "verdict"},
	)

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.RequestDuration,
		m.RequestTotal,
		m.TransportEvents,
		m.RetryTotal,
		m.BreakerState,
		m.ProbeOutcomes,
	)
	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one request outcome.
func (m *Metrics) ObserveRequest(method, status string, millis float64) {
	m.RequestDuration.WithLabelValues(method, status).Observe(millis)
	m.RequestTotal.WithLabelValues(method, status).Inc()
}
