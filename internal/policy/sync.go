package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/authz-engine/rls-engine/internal/rule"
	"github.com/authz-engine/rls-engine/pkg/types"
)

// SyncResult summarizes one bundle application
type SyncResult struct {
	PolicyIDs []string
	// Warnings are lint findings keyed by policy name; they never block a bundle
	Warnings  map[string][]Issue
	RuleIDs   []string
	Created   int
	Updated   int
	Unchanged int
	Deleted   int
}

// Syncer applies bundles to the stores. Entries loaded by an earlier
// bundle and missing from the next one are deleted; entries created
// through the API are never touched.
type Syncer struct {
	policies Store
	rules    rule.Store
	logger   *zap.Logger

	mu             sync.Mutex
	loadedPolicies map[string]string // id -> organization
	loadedRules    map[string]string
}

// NewSyncer creates a bundle syncer
func NewSyncer(policies Store, rules rule.Store, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		policies:       policies,
		rules:          rules,
		logger:         logger,
		loadedPolicies: make(map[string]string),
		loadedRules:    make(map[string]string),
	}
}

// Apply validates the whole bundle and then writes it to the stores
func (s *Syncer) Apply(ctx context.Context, b *Bundle) (*SyncResult, error) {
	var errs []error
	warnings := make(map[string][]Issue)
	for _, p := range b.Policies {
		if err := Validate(p); err != nil {
			errs = append(errs, err)
			continue
		}
		if issues := Lint(p); len(issues) > 0 {
			warnings[p.Name] = issues
			for _, is := range issues {
				s.logger.Warn("Policy lint warning",
					zap.String("policy", p.Name),
					zap.String("check", is.ID),
					zap.String("severity", string(is.Severity)),
					zap.String("message", is.Message),
				)
			}
		}
	}
	for _, r := range b.Rules {
		if err := rule.Validate(r); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("bundle rejected: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// ids are tracked as soon as they are written, so entries applied before
	// a failure are still removed by a later bundle that omits them
	res := &SyncResult{Warnings: warnings}
	seenPolicies := make(map[string]struct{}, len(b.Policies))
	for _, p := range b.Policies {
		if err := s.applyPolicy(ctx, p, res); err != nil {
			return res, err
		}
		s.loadedPolicies[p.ID] = p.OrganizationID
		seenPolicies[p.ID] = struct{}{}
		res.PolicyIDs = append(res.PolicyIDs, p.ID)
	}

	seenRules := make(map[string]struct{}, len(b.Rules))
	for _, r := range b.Rules {
		if err := s.applyRule(ctx, r, res); err != nil {
			return res, err
		}
		s.loadedRules[r.ID] = r.OrganizationID
		seenRules[r.ID] = struct{}{}
		res.RuleIDs = append(res.RuleIDs, r.ID)
	}

	for id, org := range s.loadedPolicies {
		if _, ok := seenPolicies[id]; ok {
			continue
		}
		if err := s.policies.Delete(ctx, org, id); err != nil && !errors.Is(err, ErrNotFound) {
			return res, fmt.Errorf("failed to remove policy %s: %w", id, err)
		}
		delete(s.loadedPolicies, id)
		res.Deleted++
	}
	for id, org := range s.loadedRules {
		if _, ok := seenRules[id]; ok {
			continue
		}
		if err := s.rules.Delete(ctx, org, id); err != nil && !errors.Is(err, rule.ErrNotFound) {
			return res, fmt.Errorf("failed to remove rule %s: %w", id, err)
		}
		delete(s.loadedRules, id)
		res.Deleted++
	}

	s.logger.Info("Bundle applied",
		zap.Int("policies", len(res.PolicyIDs)),
		zap.Int("rules", len(res.RuleIDs)),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("deleted", res.Deleted),
	)
	return res, nil
}

func (s *Syncer) applyPolicy(ctx context.Context, p *types.Policy, res *SyncResult) error {
	current, err := s.policies.Get(ctx, p.OrganizationID, p.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		if _, err := s.policies.Create(ctx, p); err != nil {
			return fmt.Errorf("failed to create policy %s: %w", p.Name, err)
		}
		res.Created++
		return nil
	case err != nil:
		return fmt.Errorf("failed to read policy %s: %w", p.Name, err)
	}

	if sameContent(stripPolicy(current), stripPolicy(p)) {
		res.Unchanged++
		return nil
	}
	if _, err := s.policies.Update(ctx, p); err != nil {
		return fmt.Errorf("failed to update policy %s: %w", p.Name, err)
	}
	res.Updated++
	return nil
}

func (s *Syncer) applyRule(ctx context.Context, r *types.Rule, res *SyncResult) error {
	current, err := s.rules.Get(ctx, r.OrganizationID, r.ID)
	switch {
	case errors.Is(err, rule.ErrNotFound):
		if _, err := s.rules.Create(ctx, r); err != nil {
			return fmt.Errorf("failed to create rule %s: %w", r.Name, err)
		}
		res.Created++
		return nil
	case err != nil:
		return fmt.Errorf("failed to read rule %s: %w", r.Name, err)
	}

	if sameContent(stripRule(current), stripRule(r)) {
		res.Unchanged++
		return nil
	}
	if _, err := s.rules.Update(ctx, r); err != nil {
		return fmt.Errorf("failed to update rule %s: %w", r.Name, err)
	}
	res.Updated++
	return nil
}

// stripPolicy drops store-managed fields before comparing
func stripPolicy(p *types.Policy) *types.Policy {
	c := p.Clone()
	c.CreatedAt, c.UpdatedAt = time.Time{}, time.Time{}
	c.Metadata.Version = 0
	return c
}

func stripRule(r *types.Rule) *types.Rule {
	c := r.Clone()
	c.CreatedAt, c.UpdatedAt = time.Time{}, time.Time{}
	c.Metadata.Version = 0
	return c
}

func sameContent(a, b interface{}) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
