package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics implements Metrics on a private Prometheus registry
type PrometheusMetrics struct {
	allowed atomic.Uint64
	denied  atomic.Uint64

	decisionsTotal   *prometheus.CounterVec
	decisionErrors   *prometheus.CounterVec
	decisionDuration prometheus.Histogram

	auditEntries    *prometheus.CounterVec
	auditDropped    prometheus.Counter
	auditQueueDepth prometheus.Gauge

	sessionEvents *prometheus.CounterVec
	bundleReloads *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	// Register standard Go metrics
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	decisionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total number of access decisions by verdict and deciding stage",
		},
		[]string{"verdict", "source"},
	)

	decisionErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_errors_total",
			Help:      "Decisions that failed closed, by error code",
		},
		[]string{"code"},
	)

	decisionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_duration_microseconds",
			Help:      "Decision latency in microseconds",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000, 25000},
		},
	)

	auditEntries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_entries_total",
			Help:      "Audit entries by outcome",
		},
		[]string{"status"},
	)

	auditDropped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_dropped_total",
			Help:      "Audit entries dropped because the buffer was full",
		},
	)

	auditQueueDepth := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_queue_depth",
			Help:      "Audit entries waiting to be flushed",
		},
	)

	sessionEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events",
		},
		[]string{"event"},
	)

	bundleReloads := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundle_reloads_total",
			Help:      "Policy bundle reloads by status",
		},
		[]string{"status"},
	)

	registry.MustRegister(
		decisionsTotal,
		decisionErrors,
		decisionDuration,
		auditEntries,
		auditDropped,
		auditQueueDepth,
		sessionEvents,
		bundleReloads,
	)

	return &PrometheusMetrics{
		decisionsTotal:   decisionsTotal,
		decisionErrors:   decisionErrors,
		decisionDuration: decisionDuration,
		auditEntries:     auditEntries,
		auditDropped:     auditDropped,
		auditQueueDepth:  auditQueueDepth,
		sessionEvents:    sessionEvents,
		bundleReloads:    bundleReloads,
		registry:         registry,
	}
}

// RecordDecision records one verdict
func (p *PrometheusMetrics) RecordDecision(verdict, source string, duration time.Duration) {
	if verdict == "allow" {
		p.allowed.Add(1)
	} else {
		p.denied.Add(1)
	}
	p.decisionsTotal.WithLabelValues(verdict, source).Inc()
	p.decisionDuration.Observe(float64(duration.Microseconds()))
}

// RecordDecisionError records a decision that returned an error
func (p *PrometheusMetrics) RecordDecisionError(code string) {
	p.decisionErrors.WithLabelValues(code).Inc()
}

// RecordAuditEntry records an audit entry outcome (recorded, failed)
func (p *PrometheusMetrics) RecordAuditEntry(status string) {
	p.auditEntries.WithLabelValues(status).Inc()
}

// RecordAuditDropped records an entry lost to buffer overflow
func (p *PrometheusMetrics) RecordAuditDropped() {
	p.auditDropped.Inc()
}

// UpdateAuditQueueDepth sets the pending audit entry count
func (p *PrometheusMetrics) UpdateAuditQueueDepth(depth int) {
	p.auditQueueDepth.Set(float64(depth))
}

// RecordSessionEvent records a session lifecycle event (opened, closed)
func (p *PrometheusMetrics) RecordSessionEvent(event string) {
	p.sessionEvents.WithLabelValues(event).Inc()
}

// RecordBundleReload records a bundle reload outcome
func (p *PrometheusMetrics) RecordBundleReload(status string) {
	p.bundleReloads.WithLabelValues(status).Inc()
}

// Totals returns the allow and deny counts seen so far
func (p *PrometheusMetrics) Totals() (allowed, denied uint64) {
	return p.allowed.Load(), p.denied.Load()
}

// HTTPHandler returns the Prometheus HTTP handler for /metrics endpoint
func (p *PrometheusMetrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
