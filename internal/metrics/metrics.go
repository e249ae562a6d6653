// Package metrics exposes Kestrel's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kestrel"

// Metrics holds the collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	AnalysesTotal        *prometheus.CounterVec
	AnalysisDuration     prometheus.Histogram
	TransactionsAnalyzed prometheus.Counter
	RingsFound           prometheus.Gauge
	SuspiciousNodes      prometheus.Gauge
	CacheLookups         *prometheus.CounterVec
	RateLimited          prometheus.Counter

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates a registry with Go runtime collectors and Kestrel metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		AnalysesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "analysis",
				Name:      "runs_total",
				Help:      "Analyses by outcome (completed, failed, cached)",
			},
			[]string{"status"},
		),
		AnalysisDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "analysis",
				Name:      "duration_seconds",
				Help:      "Wall time of a full analysis run",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
			},
		),
		TransactionsAnalyzed: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "analysis",
				Name:      "transactions_total",
				Help:      "Transactions ingested by completed analyses",
			},
		),
		RingsFound: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "analysis",
				Name:      "last_ring_count",
				Help:      "Rings reported by the most recent analysis",
			},
		),
		SuspiciousNodes: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "analysis",
				Name:      "last_suspicious_count",
				Help:      "Suspicious accounts reported by the most recent analysis",
			},
		),
		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Result cache lookups by outcome",
			},
			[]string{"result"},
		),
		RateLimited: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "rate_limited_total",
				Help:      "Analysis submissions rejected by the per-tenant limit",
			},
		),

		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
			},
			[]string{"method", "route"},
		),
	}
}

// ObserveAnalysis records a finished run.
func (m *Metrics) ObserveAnalysis(status string, elapsed time.Duration, transactions, rings, suspicious int) {
	if m == nil {
		return
	}
	m.AnalysesTotal.WithLabelValues(status).Inc()
	if status != "completed" {
		return
	}
	m.AnalysisDuration.Observe(elapsed.Seconds())
	m.TransactionsAnalyzed.Add(float64(transactions))
	m.RingsFound.Set(float64(rings))
	m.SuspiciousNodes.Set(float64(suspicious))
}

// CacheLookup records a result cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.CacheLookups.WithLabelValues("miss").Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
