package rule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/authz-engine/rls-engine/pkg/types"
)

// MemoryStore implements an in-memory rule store
type MemoryStore struct {
	byOrg map[string][]*types.Rule
	byID  map[string]*types.Rule
	now   func() time.Time
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory rule store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byOrg: make(map[string][]*types.Rule),
		byID:  make(map[string]*types.Rule),
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

// List returns matching rules by priority, then evaluation order, then insertion order
func (s *MemoryStore) List(_ context.Context, orgID string, f Filter) ([]*types.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*types.Rule
	for _, r := range s.byOrg[orgID] {
		if f.matches(r) {
			result = append(result, r.Clone())
		}
	}
	SortForEvaluation(result)
	return result, nil
}

// Get retrieves a rule by id
func (s *MemoryStore) Get(_ context.Context, orgID, id string) (*types.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.byID[id]
	if !ok || r.OrganizationID != orgID {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.Clone(), nil
}

// Create adds a rule to the store
func (s *MemoryStore) Create(_ context.Context, r *types.Rule) (*types.Rule, error) {
	if err := Validate(r); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := r.Clone()
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

// Update replaces an existing rule in place and bumps its version
func (s *MemoryStore) Update(_ context.Context, r *types.Rule) (*types.Rule, error) {
	if err := Validate(r); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byID[r.ID]
	if !ok || current.OrganizationID != r.OrganizationID {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, r.ID)
	}

	updated := r.Clone()
	updated.CreatedAt = current.CreatedAt
	updated.UpdatedAt = s.now()
	updated.Metadata.Version = current.Metadata.Version + 1
	if updated.Metadata.CreatedBy == "" {
		updated.Metadata.CreatedBy = current.Metadata.CreatedBy
	}

	list := s.byOrg[r.OrganizationID]
	for i, existing := range list {
		if existing.ID == r.ID {
			list[i] = updated
			break
		}
	}
	s.byID[r.ID] = updated
	return updated.Clone(), nil
}

// Delete removes a rule from the store
func (s *MemoryStore) Delete(_ context.Context, orgID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byID[id]
	if !ok || r.OrganizationID != orgID {
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

// All returns every rule of the organization in insertion order
func (s *MemoryStore) All(_ context.Context, orgID string) ([]*types.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.byOrg[orgID]
	result := make([]*types.Rule, len(list))
	for i, r := range list {
		result[i] = r.Clone()
	}
	return result, nil
}
