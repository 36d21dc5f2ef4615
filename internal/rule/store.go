// Package rule stores the organization-wide override rules evaluated before policies
package rule

import (
	"context"
	"errors"
	"sort"

	"github.com/authz-engine/rls-engine/pkg/types"
)

var (
	// ErrNotFound is returned when a rule does not exist in the organization
	ErrNotFound = errors.New("rule not found")
	// ErrExists is returned when creating a rule whose id is taken
	ErrExists = errors.New("rule already exists")
	// ErrInvalid is returned when a rule fails validation
	ErrInvalid = errors.New("invalid rule")
)

// Filter narrows List results
type Filter struct {
	ActiveOnly bool
	// Role keeps rules whose context role is unset or equal to it
	Role string
}

// Store defines the rule storage interface
type Store interface {
	// List returns matching rules by priority descending, then evaluation
	// order ascending, then insertion order
	List(ctx context.Context, orgID string, f Filter) ([]*types.Rule, error)
	Get(ctx context.Context, orgID, id string) (*types.Rule, error)
	Create(ctx context.Context, r *types.Rule) (*types.Rule, error)
	Update(ctx context.Context, r *types.Rule) (*types.Rule, error)
	Delete(ctx context.Context, orgID, id string) error
	// All returns every rule of the organization in insertion order
	All(ctx context.Context, orgID string) ([]*types.Rule, error)
}

func (f Filter) matches(r *types.Rule) bool {
	if f.ActiveOnly && !r.Configuration.Active {
		return false
	}
	if f.Role != "" && r.Conditions.Context.Role != "" && r.Conditions.Context.Role != f.Role {
		return false
	}
	return true
}

// SortForEvaluation orders rules in place for evaluation, keeping
// insertion order among equals
func SortForEvaluation(rules []*types.Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i].Configuration, rules[j].Configuration
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.EvaluationOrder < b.EvaluationOrder
	})
}
