// Package audit records access decisions and reports statistics over them
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/authz-engine/rls-engine/pkg/types"
)

// Filter narrows List results. Zero fields do not filter.
type Filter struct {
	Since     time.Time
	Until     time.Time
	SubjectID string
	Limit     int
}

func (f Filter) matches(e *types.AuditLogEntry) bool {
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	return true
}

// Store is the append-only audit log storage
type Store interface {
	// Append persists entries in order
	Append(ctx context.Context, entries ...*types.AuditLogEntry) error
	// List returns an organization's entries oldest first
	List(ctx context.Context, orgID string, f Filter) ([]*types.AuditLogEntry, error)
	// Last returns the newest entry of an organization, or nil when it has none
	Last(ctx context.Context, orgID string) (*types.AuditLogEntry, error)
}

// MemoryStore keeps the audit log in process memory
type MemoryStore struct {
	mu    sync.RWMutex
	byOrg map[string][]*types.AuditLogEntry
}

// NewMemoryStore creates an empty in-memory audit store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byOrg: make(map[string][]*types.AuditLogEntry)}
}

// Append stores copies of the entries
func (s *MemoryStore) Append(_ context.Context, entries ...*types.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		s.byOrg[e.OrganizationID] = append(s.byOrg[e.OrganizationID], e.Clone())
	}
	return nil
}

// List returns copies of matching entries oldest first
func (s *MemoryStore) List(_ context.Context, orgID string, f Filter) ([]*types.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.AuditLogEntry
	for _, e := range s.byOrg[orgID] {
		if !f.matches(e) {
			continue
		}
		out = append(out, e.Clone())
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// Last returns the newest entry of the organization
func (s *MemoryStore) Last(_ context.Context, orgID string) (*types.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.byOrg[orgID]
	if len(list) == 0 {
		return nil, nil
	}
	return list[len(list)-1].Clone(), nil
}

// Len returns the number of entries of an organization
func (s *MemoryStore) Len(orgID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byOrg[orgID])
}
