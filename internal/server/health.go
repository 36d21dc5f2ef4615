package server

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Check reports whether a dependency can serve traffic
type Check func(ctx context.Context) error

// HealthHandler handles health check endpoints
type HealthHandler struct {
	logger    *zap.Logger
	startTime time.Time
	timeout   time.Duration

	mu     sync.RWMutex
	ready  bool
	checks map[string]Check
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Uptime      string            `json:"uptime,omitempty"`
	Version     string            `json:"version,omitempty"`
	Checks      map[string]string `json:"checks,omitempty"`
	Description string            `json:"description,omitempty"`
}

// NewHealthHandler creates a health handler that starts out not ready
func NewHealthHandler(logger *zap.Logger, timeout time.Duration) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger:    logger,
		startTime: time.Now(),
		timeout:   timeout,
		checks:    make(map[string]Check),
	}
}

// SetReady updates the readiness status
func (h *HealthHandler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// IsReady returns the current readiness status
func (h *HealthHandler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// AddCheck registers a named dependency check run by Ready
func (h *HealthHandler) AddCheck(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Health handles GET /health - Basic liveness check
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{
		Status:      "UP",
		Timestamp:   time.Now().UTC(),
		Uptime:      time.Since(h.startTime).Round(time.Second).String(),
		Description: "Access engine is running",
	})
}

// Ready handles GET /health/ready - Readiness with dependency checks
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	allReady := h.ready
	names := make([]string, 0, len(h.checks))
	checks := make(map[string]Check, len(h.checks))
	for name, c := range h.checks {
		names = append(names, name)
		checks[name] = c
	}
	h.mu.RUnlock()
	sort.Strings(names)

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			results[name] = "not_ready"
			allReady = false
			h.logger.Warn("Readiness check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		results[name] = "ready"
	}

	statusCode := http.StatusOK
	status := HealthStatus{
		Status:      "UP",
		Timestamp:   time.Now().UTC(),
		Checks:      results,
		Description: "Ready to accept traffic",
	}
	if !allReady {
		statusCode = http.StatusServiceUnavailable
		status.Status = "DOWN"
		status.Description = "Not all dependencies are ready"
	}

	WriteJSON(w, statusCode, status)

	h.logger.Debug("Readiness check completed",
		zap.String("status", status.Status),
		zap.Bool("ready", allReady),
	)
}
