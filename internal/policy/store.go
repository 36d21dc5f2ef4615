// Package policy provides policy storage, validation, and bundle loading
package policy

import (
	"context"
	"errors"

	"github.com/authz-engine/rls-engine/pkg/types"
)

var (
	// ErrNotFound is returned when a policy does not exist in the organization
	ErrNotFound = errors.New("policy not found")
	// ErrExists is returned when creating a policy whose id is taken
	ErrExists = errors.New("policy already exists")
	// ErrInvalid is returned when a policy fails validation
	ErrInvalid = errors.New("invalid policy")
)

// Filter narrows List results
type Filter struct {
	// Resource matches the policy resource exactly when set
	Resource string
	// Operation matches policies declared for it or for ALL when set
	Operation types.OperationType
	// ActiveOnly drops inactive policies
	ActiveOnly bool
}

// Store defines the policy storage interface.
// Implementations return copies; callers may not mutate stored policies.
type Store interface {
	// List returns matching policies ordered by priority descending,
	// ties in insertion order
	List(ctx context.Context, orgID string, f Filter) ([]*types.Policy, error)

	// Get retrieves a policy by id
	Get(ctx context.Context, orgID, id string) (*types.Policy, error)

	// Create stores a new policy, assigning id, timestamps, and version
	Create(ctx context.Context, p *types.Policy) (*types.Policy, error)

	// Update replaces a policy and bumps its version
	Update(ctx context.Context, p *types.Policy) (*types.Policy, error)

	// Delete removes a policy
	Delete(ctx context.Context, orgID, id string) error

	// All returns every policy of the organization in insertion order
	All(ctx context.Context, orgID string) ([]*types.Policy, error)
}

// matches applies the filter to a single policy
func (f Filter) matches(p *types.Policy) bool {
	if f.ActiveOnly && !p.Configuration.Active {
		return false
	}
	if f.Resource != "" && p.Resource != f.Resource {
		return false
	}
	if f.Operation != "" && !p.AppliesTo(f.Operation) {
		return false
	}
	return true
}
