// Package metrics provides observability for the row-level access engine
package metrics

import (
	"net/http"
	"time"
)

// Metrics provides observability for the row-level access engine
type Metrics interface {
	// Decision metrics; source is the stage that settled the verdict
	// (rule, policy, or default)
	RecordDecision(verdict, source string, duration time.Duration)
	RecordDecisionError(code string)

	// Audit metrics
	RecordAuditEntry(status string)
	RecordAuditDropped()
	UpdateAuditQueueDepth(depth int)

	// Session and bundle metrics
	RecordSessionEvent(event string)
	RecordBundleReload(status string)

	// HTTP handler for Prometheus scraping
	HTTPHandler() http.Handler
}

// NoOpMetrics provides a no-op implementation for testing/disabled monitoring
type NoOpMetrics struct{}

// NewNoOpMetrics creates a new no-op metrics instance
func NewNoOpMetrics() *NoOpMetrics {
	return &NoOpMetrics{}
}

func (n *NoOpMetrics) RecordDecision(verdict, source string, duration time.Duration) {}
func (n *NoOpMetrics) RecordDecisionError(code string)                               {}
func (n *NoOpMetrics) RecordAuditEntry(status string)                                {}
func (n *NoOpMetrics) RecordAuditDropped()                                           {}
func (n *NoOpMetrics) UpdateAuditQueueDepth(depth int)                               {}
func (n *NoOpMetrics) RecordSessionEvent(event string)                               {}
func (n *NoOpMetrics) RecordBundleReload(status string)                              {}

// HTTPHandler returns a no-op handler
func (n *NoOpMetrics) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("# NoOp metrics - monitoring disabled\n"))
	})
}
