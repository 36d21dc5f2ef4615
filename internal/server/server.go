// Package server provides the admin HTTP surface: health, readiness,
// Prometheus scraping and per-organization statistics
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/authz-engine/rls-engine/internal/audit"
	"github.com/authz-engine/rls-engine/internal/engine"
	"github.com/authz-engine/rls-engine/internal/ratelimit"
)

// StatsProvider computes organization statistics
type StatsProvider interface {
	GetStats(ctx context.Context, orgID string, windows ...audit.Window) (*audit.Stats, error)
}

// Config configures the admin server
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// ReadyTimeout bounds the dependency checks of one readiness request
	ReadyTimeout time.Duration
}

// DefaultConfig returns default admin server configuration
func DefaultConfig() Config {
	return Config{
		Port:         9090,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		ReadyTimeout: 2 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid admin port %d", c.Port)
	}
	return nil
}

// Server is the admin HTTP server
type Server struct {
	config     Config
	stats      StatsProvider
	metrics    http.Handler
	health     *HealthHandler
	limiter    ratelimit.Limiter
	router     *mux.Router
	httpServer *http.Server
	logger     *zap.Logger
}

// New creates the admin server. A nil metrics handler leaves /metrics unrouted.
func New(cfg Config, stats StatsProvider, metricsHandler http.Handler, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if stats == nil {
		return nil, errors.New("stats provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		config:  cfg,
		stats:   stats,
		metrics: metricsHandler,
		health:  NewHealthHandler(logger, cfg.ReadyTimeout),
		router:  mux.NewRouter(),
		logger:  logger,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)

	s.router.HandleFunc("/health", s.health.Health).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", s.health.Ready).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(s.rateLimitMiddleware)
	v1.HandleFunc("/organizations/{org}/stats", s.statsHandler).Methods(http.MethodGet)
}

// WithLimiter throttles /v1 requests per organization
func (s *Server) WithLimiter(l ratelimit.Limiter) *Server {
	s.limiter = l
	return s
}

// Health returns the handler whose readiness the caller controls
func (s *Server) Health() *HealthHandler {
	return s.health
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Starting admin server", zap.Int("port", s.config.Port))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the admin server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down admin server")
	s.health.SetReady(false)
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// statsHandler handles GET /v1/organizations/{org}/stats. Each repeated
// window query parameter is a Go duration, e.g. ?window=1h&window=30m.
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	org := mux.Vars(r)["org"]

	var windows []audit.Window
	for _, raw := range r.URL.Query()["window"] {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			WriteError(w, http.StatusBadRequest, "invalid window", fmt.Errorf("window %q must be a positive duration", raw))
			return
		}
		windows = append(windows, audit.Window{Label: raw, Duration: d})
	}

	st, err := s.stats.GetStats(r.Context(), org, windows...)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, engine.ErrInvalidInput):
			status = http.StatusBadRequest
		case errors.Is(err, engine.ErrStoreUnavailable):
			status = http.StatusServiceUnavailable
		}
		s.logger.Warn("Stats request failed", zap.String("organization_id", org), zap.Error(err))
		WriteError(w, status, "failed to compute stats", err)
		return
	}

	WriteJSON(w, http.StatusOK, st)
}

// WriteJSON writes data as a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// WriteError writes an error response
func WriteError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]interface{}{
		"error":  message,
		"status": status,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	WriteJSON(w, status, response)
}
