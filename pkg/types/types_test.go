package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validContext() *SecurityContext {
	return &SecurityContext{
		SubjectID:      "user-1",
		OrganizationID: "org-1",
		Role:           "admin",
		Permissions:    []string{"read", "write"},
		SessionID:      "session-1",
		Origin:         "192.168.1.100",
		Client:         "Mozilla/5.0",
		IssuedAt:       time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
}

func TestValidateContext(t *testing.T) {
	assert.NoError(t, ValidateContext(validContext()))

	t.Run("nil context", func(t *testing.T) {
		assert.Error(t, ValidateContext(nil))
	})

	t.Run("missing organization", func(t *testing.T) {
		sc := validContext()
		sc.OrganizationID = ""
		err := ValidateContext(sc)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "OrganizationID is required")
	})

	t.Run("malformed origin", func(t *testing.T) {
		sc := validContext()
		sc.Origin = "not-an-ip"
		err := ValidateContext(sc)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Origin must be an IP address")
	})

	t.Run("empty origin allowed", func(t *testing.T) {
		sc := validContext()
		sc.Origin = ""
		assert.NoError(t, ValidateContext(sc))
	})
}

func TestValidateOperation(t *testing.T) {
	assert.NoError(t, ValidateOperation(&Operation{Type: OpSelect, Resource: "invoices"}))
	assert.Error(t, ValidateOperation(nil))

	err := ValidateOperation(&Operation{Type: "TRUNCATE", Resource: "invoices"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Type must be one of")

	err = ValidateOperation(&Operation{Type: OpAll, Resource: "invoices"})
	assert.Error(t, err, "ALL is a policy-only operation")

	err = ValidateOperation(&Operation{Type: OpUpdate})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Resource is required")
}

func TestPolicy_AppliesTo(t *testing.T) {
	p := &Policy{Configuration: PolicyConfiguration{Operation: OpAll}}
	for _, op := range ConcreteOperations {
		assert.True(t, p.AppliesTo(op))
	}

	p.Configuration.Operation = OpSelect
	assert.True(t, p.AppliesTo(OpSelect))
	assert.False(t, p.AppliesTo(OpDelete))
}

func TestPolicy_CloneIsDeep(t *testing.T) {
	p := &Policy{
		ID:        "p1",
		Condition: PolicyCondition{Parameters: map[string]Value{"regions": StringList("eu")}},
		AccessRules: AccessRules{
			Roles:   []string{"admin"},
			Time:    &TimeRestriction{DaysOfWeek: []int{1, 2}},
			Network: &NetworkRestriction{BlockedIPs: []string{"10.0.0.1"}},
		},
	}

	c := p.Clone()
	c.AccessRules.Roles[0] = "user"
	c.AccessRules.Time.DaysOfWeek[0] = 6
	c.AccessRules.Network.BlockedIPs[0] = "10.0.0.2"
	c.Condition.Parameters["regions"].List[0] = "us"

	assert.Equal(t, "admin", p.AccessRules.Roles[0])
	assert.Equal(t, 1, p.AccessRules.Time.DaysOfWeek[0])
	assert.Equal(t, "10.0.0.1", p.AccessRules.Network.BlockedIPs[0])
	assert.Equal(t, "eu", p.Condition.Parameters["regions"].List[0])
}

func TestVerdict_AuditEntry(t *testing.T) {
	sc := validContext()
	op := &Operation{Type: OpSelect, Resource: "invoices", RecordID: "inv-7", Columns: []string{"id", "amount"}}
	v := &Verdict{
		Allowed:           true,
		Reason:            "allowed by policy invoices_org_access",
		PoliciesConsulted: []string{"p1", "p2"},
		RulesConsulted:    []string{"r1"},
		PoliciesMatched:   1,
		DurationMs:        0.25,
	}

	entry := v.AuditEntry(sc, op, 15)

	assert.Equal(t, "org-1", entry.OrganizationID)
	assert.Equal(t, "user-1", entry.SubjectID)
	assert.Equal(t, "session-1", entry.SessionID)
	assert.Equal(t, op.Columns, entry.Operation.Columns)
	assert.Equal(t, []string{"p1", "p2"}, entry.SecurityContext.PoliciesConsulted)
	assert.Equal(t, []string{"r1"}, entry.SecurityContext.RulesConsulted)
	assert.Equal(t, 15, entry.Result.RecordsReturned)
	assert.True(t, entry.Result.Allowed)
	assert.Equal(t, 1, entry.Result.PoliciesMatched)

	v.PoliciesConsulted[0] = "mutated"
	assert.Equal(t, "p1", entry.SecurityContext.PoliciesConsulted[0])
}

func TestRuleActionType(t *testing.T) {
	assert.True(t, ActionAllow.Terminal())
	assert.True(t, ActionDeny.Terminal())
	for _, a := range []RuleActionType{ActionModify, ActionLog, ActionRedirect} {
		assert.True(t, a.IsValid())
		assert.False(t, a.Terminal())
	}
	assert.False(t, RuleActionType("escalate").IsValid())
}

func TestParseClock(t *testing.T) {
	m, err := ParseClock("09:30")
	require.NoError(t, err)
	assert.Equal(t, 570, m)

	m, err = ParseClock("23:59")
	require.NoError(t, err)
	assert.Equal(t, 1439, m)

	for _, bad := range []string{"", "9", "24:00", "12:60", "noon"} {
		_, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseDate(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	d, err := ParseDate("2026-02-28", loc)
	require.NoError(t, err)
	assert.Equal(t, loc, d.Location())
	assert.Equal(t, 28, d.Day())

	_, err = ParseDate("28/02/2026", nil)
	assert.Error(t, err)
}
