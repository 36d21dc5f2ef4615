// Package service is the in-process entry point used by data services: it
// decides access, records what was done with the verdict and reports on it.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/authz-engine/rls-engine/internal/audit"
	"github.com/authz-engine/rls-engine/internal/engine"
	"github.com/authz-engine/rls-engine/internal/generator"
	"github.com/authz-engine/rls-engine/internal/metrics"
	"github.com/authz-engine/rls-engine/internal/policy"
	"github.com/authz-engine/rls-engine/internal/session"
	"github.com/authz-engine/rls-engine/pkg/types"
)

// Deps are the collaborators a Service drives. Sessions is optional.
type Deps struct {
	Engine    *engine.Engine
	Policies  policy.Store
	Sessions  session.Store
	Recorder  *audit.Recorder
	Reporter  *audit.Reporter
	Generator *generator.Generator
}

// Service exposes decisions, policy synthesis, access recording and stats
type Service struct {
	engine    *engine.Engine
	sessions  session.Store
	recorder  *audit.Recorder
	reporter  *audit.Reporter
	generator *generator.Generator
	metrics   metrics.Metrics
	logger    *zap.Logger
}

// New creates a service. A Generator is built over Policies when none is given.
func New(deps Deps, logger *zap.Logger) (*Service, error) {
	if deps.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if deps.Recorder == nil {
		return nil, errors.New("audit recorder is required")
	}
	if deps.Reporter == nil {
		return nil, errors.New("stats reporter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	gen := deps.Generator
	if gen == nil {
		if deps.Policies == nil {
			return nil, errors.New("policy store or generator is required")
		}
		gen = generator.New(deps.Policies, logger)
	}

	return &Service{
		engine:    deps.Engine,
		sessions:  deps.Sessions,
		recorder:  deps.Recorder,
		reporter:  deps.Reporter,
		generator: gen,
		metrics:   metrics.NewNoOpMetrics(),
		logger:    logger,
	}, nil
}

// WithMetrics sets the metrics sink for session events
func (s *Service) WithMetrics(m metrics.Metrics) *Service {
	if m != nil {
		s.metrics = m
	}
	return s
}

// Decide evaluates op for the given context
func (s *Service) Decide(ctx context.Context, sc *types.SecurityContext, op *types.Operation) (*types.Verdict, error) {
	return s.engine.Decide(ctx, sc, op)
}

// DecideSession resolves the session's context and evaluates op for it.
// An unknown or expired session is invalid input; an unreachable session
// store is a store failure.
func (s *Service) DecideSession(ctx context.Context, sessionID string, op *types.Operation) (*types.Verdict, error) {
	sc, err := s.LookupSession(ctx, sessionID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			return nil, fmt.Errorf("%w: %v", engine.ErrInvalidInput, err)
		case errors.Is(err, session.ErrUnavailable):
			return nil, fmt.Errorf("%w: %v", engine.ErrStoreUnavailable, err)
		}
		return nil, err
	}
	return s.engine.Decide(ctx, sc, op)
}

// SynthesizePolicy builds and stores a policy from access requirements
func (s *Service) SynthesizePolicy(ctx context.Context, orgID, resource string, req generator.Requirements) (*types.Policy, error) {
	if _, err := generator.Build(orgID, resource, req); err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrInvalidInput, err)
	}
	p, err := s.generator.Synthesize(ctx, orgID, resource, req)
	if err != nil {
		switch {
		case errors.Is(err, policy.ErrExists):
			return nil, err
		case errors.Is(err, policy.ErrInvalid):
			return nil, fmt.Errorf("%w: %v", engine.ErrInvalidInput, err)
		}
		return nil, fmt.Errorf("%w: %v", engine.ErrStoreUnavailable, err)
	}
	return p, nil
}

// RecordAccess appends an audit entry supplied by the caller after acting
// on a verdict
func (s *Service) RecordAccess(ctx context.Context, entry *types.AuditLogEntry) (*types.AuditLogEntry, error) {
	return s.recorder.Record(ctx, entry)
}

// RecordVerdict builds the audit entry for v and records it
func (s *Service) RecordVerdict(ctx context.Context, sc *types.SecurityContext, op *types.Operation, v *types.Verdict, recordsReturned int) (*types.AuditLogEntry, error) {
	if sc == nil || op == nil || v == nil {
		return nil, fmt.Errorf("%w: context, operation and verdict are required", engine.ErrInvalidInput)
	}
	return s.recorder.Record(ctx, v.AuditEntry(sc, op, recordsReturned))
}

// GetStats reports on an organization's policies, rules and audit trail.
// Queued audit entries are flushed first so the report includes them.
func (s *Service) GetStats(ctx context.Context, orgID string, windows ...audit.Window) (*audit.Stats, error) {
	if orgID == "" {
		return nil, fmt.Errorf("%w: organization is required", engine.ErrInvalidInput)
	}
	if err := s.recorder.Flush(ctx); err != nil {
		s.logger.Warn("Failed to flush audit log before stats",
			zap.String("organization_id", orgID),
			zap.Error(err),
		)
	}
	st, err := s.reporter.Stats(ctx, orgID, windows...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrStoreUnavailable, err)
	}
	return st, nil
}

// OpenSession issues a security context for a new session
func (s *Service) OpenSession(ctx context.Context, params session.OpenParams) (*types.SecurityContext, error) {
	store, err := s.sessionStore()
	if err != nil {
		return nil, err
	}
	sc, err := store.Open(ctx, params)
	if err != nil {
		s.metrics.RecordSessionEvent("open_failed")
		return nil, err
	}
	s.metrics.RecordSessionEvent("opened")
	s.logger.Debug("Session opened",
		zap.String("session_id", sc.SessionID),
		zap.String("subject_id", sc.SubjectID),
		zap.String("organization_id", sc.OrganizationID),
	)
	return sc, nil
}

// LookupSession resolves the context of an open session
func (s *Service) LookupSession(ctx context.Context, sessionID string) (*types.SecurityContext, error) {
	store, err := s.sessionStore()
	if err != nil {
		return nil, err
	}
	sc, err := store.Lookup(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.metrics.RecordSessionEvent("miss")
		}
		return nil, err
	}
	s.metrics.RecordSessionEvent("hit")
	return sc, nil
}

// CloseSession ends a session; closing an unknown session is not an error
func (s *Service) CloseSession(ctx context.Context, sessionID string) error {
	store, err := s.sessionStore()
	if err != nil {
		return err
	}
	if err := store.Close(ctx, sessionID); err != nil {
		return err
	}
	s.metrics.RecordSessionEvent("closed")
	return nil
}

func (s *Service) sessionStore() (session.Store, error) {
	if s.sessions == nil {
		return nil, errors.New("sessions are not configured")
	}
	return s.sessions, nil
}

// Shutdown flushes pending audit entries and stops background work
func (s *Service) Shutdown(ctx context.Context) error {
	start := time.Now()
	defer func() {
		s.logger.Info("Service stopped", zap.Duration("elapsed", time.Since(start)))
	}()

	s.engine.Close()
	if err := s.recorder.Flush(ctx); err != nil {
		s.logger.Warn("Failed to flush audit log on shutdown", zap.Error(err))
	}
	return s.recorder.Close()
}
