package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/authz-engine/rls-engine/pkg/types"
)

// MemoryStore implements an in-memory policy store
type MemoryStore struct {
	byOrg map[string][]*types.Policy
	byID  map[string]*types.Policy
	now   func() time.Time
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory policy store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byOrg: make(map[string][]*types.Policy),
		byID:  make(map[string]*types.Policy),
		now:   time.Now,
	}
}

// WithClock replaces the time source used for timestamps
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// List returns matching policies by priority, ties in insertion order
func (s *MemoryStore) List(_ context.Context, orgID string, f Filter) ([]*types.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*types.Policy
	for _, p := range s.byOrg[orgID] {
		if f.matches(p) {
			result = append(result, p.Clone())
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Configuration.Priority > result[j].Configuration.Priority
	})
	return result, nil
}

// Get retrieves a policy by id
func (s *MemoryStore) Get(_ context.Context, orgID, id string) (*types.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.byID[id]
	if !ok || p.OrganizationID != orgID {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.Clone(), nil
}

// Create adds a policy to the store
func (s *MemoryStore) Create(_ context.Context, p *types.Policy) (*types.Policy, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := p.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if _, exists := s.byID[stored.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrExists, stored.ID)
	}

	now := s.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	if stored.Metadata.Version == 0 {
		stored.Metadata.Version = 1
	}

	s.byID[stored.ID] = stored
	s.byOrg[stored.OrganizationID] = append(s.byOrg[stored.OrganizationID], stored)
	return stored.Clone(), nil
}

// Update replaces an existing policy in place, keeping its position
func (s *MemoryStore) Update(_ context.Context, p *types.Policy) (*types.Policy, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byID[p.ID]
	if !ok || current.OrganizationID != p.OrganizationID {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}

	updated := p.Clone()
	updated.CreatedAt = current.CreatedAt
	updated.UpdatedAt = s.now()
	updated.Metadata.Version = current.Metadata.Version + 1
	if updated.Metadata.CreatedBy == "" {
		updated.Metadata.CreatedBy = current.Metadata.CreatedBy
	}

	list := s.byOrg[p.OrganizationID]
	for i, existing := range list {
		if existing.ID == p.ID {
			list[i] = updated
			break
		}
	}
	s.byID[p.ID] = updated
	return updated.Clone(), nil
}

// Delete removes a policy from the store
func (s *MemoryStore) Delete(_ context.Context, orgID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[id]
	if !ok || p.OrganizationID != orgID {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	delete(s.byID, id)
	list := s.byOrg[orgID]
	for i, existing := range list {
		if existing.ID == id {
			s.byOrg[orgID] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	return nil
}

// All returns every policy of the organization in insertion order
func (s *MemoryStore) All(_ context.Context, orgID string) ([]*types.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.byOrg[orgID]
	result := make([]*types.Policy, len(list))
	for i, p := range list {
		result[i] = p.Clone()
	}
	return result, nil
}

// Count returns the number of policies across organizations
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
