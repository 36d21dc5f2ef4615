package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/authz-engine/rls-engine/internal/policy"
	"github.com/authz-engine/rls-engine/internal/rule"
	"github.com/authz-engine/rls-engine/pkg/types"
)

// DefaultTopN is the length of the most-consulted lists
const DefaultTopN = 10

// Window is a trailing period reported separately
type Window struct {
	Label    string        `json:"label"`
	Duration time.Duration `json:"duration"`
}

// DefaultWindows are the last day and the last week
var DefaultWindows = []Window{
	{Label: "last24Hours", Duration: 24 * time.Hour},
	{Label: "last7Days", Duration: 7 * 24 * time.Hour},
}

// Counts is a total and how many of those are active
type Counts struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

// Summary aggregates a set of audit entries
type Summary struct {
	Total         int     `json:"totalAccessAttempts"`
	Allowed       int     `json:"allowedAccess"`
	Denied        int     `json:"deniedAccess"`
	AllowedRatio  float64 `json:"allowedRatio"`
	AvgDurationMs float64 `json:"averageDurationMs"`
}

// WindowStats is the Summary of the entries inside one Window
type WindowStats struct {
	Window
	Since time.Time `json:"since"`
	Summary
}

// Usage is how often a policy or rule was consulted
type Usage struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

// Stats is the reporting aggregate of one organization
type Stats struct {
	OrganizationID string                      `json:"organizationId"`
	GeneratedAt    time.Time                   `json:"generatedAt"`
	Policies       Counts                      `json:"policies"`
	Rules          Counts                      `json:"rules"`
	Access         Summary                     `json:"accessStats"`
	Windows        []WindowStats               `json:"windows"`
	ByOperation    map[types.OperationType]int `json:"byOperation"`
	ByResource     map[string]int              `json:"byResource"`
	BySubject      map[string]int              `json:"bySubject"`
	TopPolicies    []Usage                     `json:"topPolicies"`
	TopRules       []Usage                     `json:"topRules"`
}

// Reporter computes Stats from the audit log and the policy and rule stores
type Reporter struct {
	audit    Store
	policies policy.Store
	rules    rule.Store
	now      func() time.Time
	topN     int
}

// NewReporter creates a reporter
func NewReporter(audit Store, policies policy.Store, rules rule.Store) *Reporter {
	return &Reporter{
		audit:    audit,
		policies: policies,
		rules:    rules,
		now:      time.Now,
		topN:     DefaultTopN,
	}
}

// WithClock sets the reference time for windows
func (r *Reporter) WithClock(now func() time.Time) *Reporter {
	r.now = now
	return r
}

// WithTopN sets the length of the most-consulted lists
func (r *Reporter) WithTopN(n int) *Reporter {
	if n > 0 {
		r.topN = n
	}
	return r
}

// Stats reports on an organization. With no windows, DefaultWindows are used.
func (r *Reporter) Stats(ctx context.Context, orgID string, windows ...Window) (*Stats, error) {
	policies, err := r.policies.All(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	rules, err := r.rules.All(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	entries, err := r.audit.List(ctx, orgID, Filter{})
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	if len(windows) == 0 {
		windows = DefaultWindows
	}

	st := ComputeStats(entries, policies, rules, r.now(), windows, r.topN)
	st.OrganizationID = orgID
	return st, nil
}

// ComputeStats aggregates entries. Policies and rules are expected in
// insertion order, which breaks ties in the top lists.
func ComputeStats(entries []*types.AuditLogEntry, policies []*types.Policy, rules []*types.Rule,
	now time.Time, windows []Window, topN int) *Stats {

	st := &Stats{
		GeneratedAt: now,
		Access:      summarize(entries, time.Time{}),
		ByOperation: make(map[types.OperationType]int, len(types.ConcreteOperations)),
		ByResource:  make(map[string]int),
		BySubject:   make(map[string]int),
		Windows:     make([]WindowStats, 0, len(windows)),
	}

	for _, p := range policies {
		st.Policies.Total++
		if p.Configuration.Active {
			st.Policies.Active++
		}
	}
	for _, r := range rules {
		st.Rules.Total++
		if r.Configuration.Active {
			st.Rules.Active++
		}
	}

	for _, w := range windows {
		since := now.Add(-w.Duration)
		st.Windows = append(st.Windows, WindowStats{
			Window:  w,
			Since:   since,
			Summary: summarize(entries, since),
		})
	}

	for _, op := range types.ConcreteOperations {
		st.ByOperation[op] = 0
	}
	for _, e := range entries {
		st.ByOperation[e.Operation.Type]++
		st.ByResource[e.Operation.Resource]++
		st.BySubject[e.SubjectID]++
	}

	policyOrder := make([]string, len(policies))
	for i, p := range policies {
		policyOrder[i] = p.ID
	}
	ruleOrder := make([]string, len(rules))
	for i, r := range rules {
		ruleOrder[i] = r.ID
	}
	st.TopPolicies = topUsage(entries, policyOrder, topN, func(e *types.AuditLogEntry) []string {
		return e.SecurityContext.PoliciesConsulted
	})
	st.TopRules = topUsage(entries, ruleOrder, topN, func(e *types.AuditLogEntry) []string {
		return e.SecurityContext.RulesConsulted
	})
	return st
}

// summarize aggregates entries at or after since; a zero since keeps all
func summarize(entries []*types.AuditLogEntry, since time.Time) Summary {
	var s Summary
	var totalMs float64
	for _, e := range entries {
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		s.Total++
		if e.Result.Allowed {
			s.Allowed++
		} else {
			s.Denied++
		}
		totalMs += e.Result.DurationMs
	}
	if s.Total > 0 {
		s.AllowedRatio = float64(s.Allowed) / float64(s.Total)
		s.AvgDurationMs = totalMs / float64(s.Total)
	}
	return s
}

// topUsage counts consulted ids and ranks them by count, then by position in
// order; ids missing from order rank after it by first appearance
func topUsage(entries []*types.AuditLogEntry, order []string, n int, ids func(*types.AuditLogEntry) []string) []Usage {
	rank := make(map[string]int, len(order))
	for i, id := range order {
		rank[id] = i
	}

	counts := make(map[string]int)
	var seen []string
	for _, e := range entries {
		for _, id := range ids(e) {
			if counts[id] == 0 {
				seen = append(seen, id)
				if _, known := rank[id]; !known {
					rank[id] = len(order) + len(seen)
				}
			}
			counts[id]++
		}
	}

	out := make([]Usage, 0, len(seen))
	for _, id := range seen {
		out = append(out, Usage{ID: id, Count: counts[id]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return rank[out[i].ID] < rank[out[j].ID]
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
