package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/authz-engine/rls-engine/internal/cache"
	"github.com/authz-engine/rls-engine/pkg/types"
)

// MemoryStore keeps sessions in a process-local LRU with TTL eviction
type MemoryStore struct {
	lru    *cache.LRU[*types.SecurityContext]
	now    func() time.Time
	logger *zap.Logger
}

// NewMemoryStore creates an in-memory session store
func NewMemoryStore(cfg Config, logger *zap.Logger) (*MemoryStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		lru:    cache.NewLRU[*types.SecurityContext](cfg.MaxSessions, cfg.TTL),
		now:    time.Now,
		logger: logger,
	}, nil
}

// WithClock replaces the time source for issuing and expiring sessions
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	s.lru.WithClock(now)
	return s
}

// Open issues a new security context. A caller-supplied session id that
// is still live is rejected.
func (s *MemoryStore) Open(_ context.Context, params OpenParams) (*types.SecurityContext, error) {
	sc, err := newContext(params, s.now())
	if err != nil {
		return nil, err
	}
	if !s.lru.SetIfAbsent(sc.SessionID, sc) {
		return nil, fmt.Errorf("open session %s: %w", sc.SessionID, ErrExists)
	}
	s.logger.Debug("Session opened",
		zap.String("session_id", sc.SessionID),
		zap.String("subject_id", sc.SubjectID),
		zap.String("organization_id", sc.OrganizationID),
	)
	return sc.Clone(), nil
}

// Lookup returns the context for a live session
func (s *MemoryStore) Lookup(_ context.Context, sessionID string) (*types.SecurityContext, error) {
	sc, ok := s.lru.Get(sessionID)
	if !ok {
		return nil, ErrNotFound
	}
	return sc.Clone(), nil
}

// Close ends a session. Closing an unknown session is not an error.
func (s *MemoryStore) Close(_ context.Context, sessionID string) error {
	if s.lru.Delete(sessionID) {
		s.logger.Debug("Session closed", zap.String("session_id", sessionID))
	}
	return nil
}

// Sweep drops expired sessions and returns how many were removed
func (s *MemoryStore) Sweep() int {
	return s.lru.Cleanup()
}

// Len returns the number of held sessions
func (s *MemoryStore) Len() int {
	return s.lru.Len()
}
