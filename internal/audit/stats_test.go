package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authz-engine/rls-engine/internal/policy"
	"github.com/authz-engine/rls-engine/internal/rule"
	"github.com/authz-engine/rls-engine/pkg/types"
)

func consulted(e *types.AuditLogEntry, policies, rules []string, durationMs float64) *types.AuditLogEntry {
	e.SecurityContext.PoliciesConsulted = policies
	e.SecurityContext.RulesConsulted = rules
	e.Result.DurationMs = durationMs
	return e
}

func TestComputeStats(t *testing.T) {
	policies := []*types.Policy{
		{ID: "p1", Configuration: types.PolicyConfiguration{Active: true}},
		{ID: "p2", Configuration: types.PolicyConfiguration{Active: false}},
		{ID: "p3", Configuration: types.PolicyConfiguration{Active: true}},
	}
	rules := []*types.Rule{
		{ID: "r1", Configuration: types.RuleConfiguration{Active: true}},
	}

	entries := []*types.AuditLogEntry{
		consulted(testEntry("org-1", "old", "user-1", true, fixedNow.Add(-10*24*time.Hour)), []string{"p3"}, nil, 1),
		consulted(testEntry("org-1", "week", "user-2", false, fixedNow.Add(-3*24*time.Hour)), []string{"p1", "p3"}, []string{"r1"}, 2),
		consulted(testEntry("org-1", "day1", "user-1", true, fixedNow.Add(-time.Hour)), []string{"p1"}, []string{"gone"}, 3),
		consulted(testEntry("org-1", "day2", "user-1", false, fixedNow.Add(-24*time.Hour)), []string{"p2", "deleted"}, nil, 2),
	}
	entries[2].Operation = types.Operation{Type: types.OpDelete, Resource: "customers"}

	st := ComputeStats(entries, policies, rules, fixedNow, DefaultWindows, 10)

	assert.Equal(t, Counts{Total: 3, Active: 2}, st.Policies)
	assert.Equal(t, Counts{Total: 1, Active: 1}, st.Rules)

	assert.Equal(t, 4, st.Access.Total)
	assert.Equal(t, 2, st.Access.Allowed)
	assert.Equal(t, 2, st.Access.Denied)
	assert.InDelta(t, 0.5, st.Access.AllowedRatio, 1e-9)
	assert.InDelta(t, 2.0, st.Access.AvgDurationMs, 1e-9)

	require.Len(t, st.Windows, 2)
	day, week := st.Windows[0], st.Windows[1]
	assert.Equal(t, "last24Hours", day.Label)
	assert.Equal(t, 2, day.Total, "the window includes its start instant")
	assert.Equal(t, 1, day.Allowed)
	assert.Equal(t, 3, week.Total)
	assert.Equal(t, 2, week.Denied)

	assert.Equal(t, 3, st.ByOperation[types.OpSelect])
	assert.Equal(t, 1, st.ByOperation[types.OpDelete])
	assert.Equal(t, 0, st.ByOperation[types.OpInsert])
	assert.Equal(t, map[string]int{"invoices": 3, "customers": 1}, st.ByResource)
	assert.Equal(t, map[string]int{"user-1": 3, "user-2": 1}, st.BySubject)

	// p1 and p3 tie at 2; p1 was inserted first. Unknown ids trail known ones.
	assert.Equal(t, []Usage{{"p1", 2}, {"p3", 2}, {"p2", 1}, {"deleted", 1}}, st.TopPolicies)
	assert.Equal(t, []Usage{{"r1", 1}, {"gone", 1}}, st.TopRules)
}

func TestComputeStats_Empty(t *testing.T) {
	st := ComputeStats(nil, nil, nil, fixedNow, DefaultWindows, 10)

	assert.Zero(t, st.Access.Total)
	assert.Zero(t, st.Access.AllowedRatio)
	assert.Zero(t, st.Access.AvgDurationMs)
	assert.Len(t, st.ByOperation, 4)
	assert.Empty(t, st.TopPolicies)
}

func TestTopUsage_Truncates(t *testing.T) {
	var entries []*types.AuditLogEntry
	for i := 0; i < 15; i++ {
		id := string(rune('a' + i))
		entries = append(entries, consulted(testEntry("org-1", id, "u", true, fixedNow), []string{id}, nil, 0))
	}

	st := ComputeStats(entries, nil, nil, fixedNow, nil, DefaultTopN)
	require.Len(t, st.TopPolicies, 10)
	assert.Equal(t, "a", st.TopPolicies[0].ID, "first appearance orders unknown ids")
}

func TestReporter_Stats(t *testing.T) {
	ctx := context.Background()
	policies := policy.NewMemoryStore()
	rules := rule.NewMemoryStore()
	auditStore := NewMemoryStore()

	p, err := policies.Create(ctx, &types.Policy{
		OrganizationID: "org-1",
		Resource:       "invoices",
		Name:           "users",
		Configuration:  types.PolicyConfiguration{Operation: types.OpAll, Active: true},
		Condition:      types.PolicyCondition{Kind: types.ConditionSimple, Expression: "true"},
	})
	require.NoError(t, err)

	require.NoError(t, auditStore.Append(ctx,
		consulted(testEntry("org-1", "a1", "user-1", true, fixedNow.Add(-time.Minute)), []string{p.ID}, nil, 1),
		consulted(testEntry("org-2", "b1", "user-9", true, fixedNow), []string{"x"}, nil, 1),
	))

	st, err := NewReporter(auditStore, policies, rules).
		WithClock(func() time.Time { return fixedNow }).
		WithTopN(5).
		Stats(ctx, "org-1")
	require.NoError(t, err)

	assert.Equal(t, "org-1", st.OrganizationID)
	assert.Equal(t, 1, st.Policies.Total)
	assert.Equal(t, 1, st.Access.Total)
	assert.Equal(t, []Usage{{p.ID, 1}}, st.TopPolicies)
	assert.Len(t, st.Windows, 2)

	custom, err := NewReporter(auditStore, policies, rules).
		WithClock(func() time.Time { return fixedNow }).
		Stats(ctx, "org-1", Window{Label: "lastHour", Duration: time.Hour})
	require.NoError(t, err)
	require.Len(t, custom.Windows, 1)
	assert.Equal(t, 1, custom.Windows[0].Total)
}
