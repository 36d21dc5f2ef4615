package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authz-engine/rls-engine/pkg/types"
)

func testEntry(org, id, subject string, allowed bool, at time.Time) *types.AuditLogEntry {
	return &types.AuditLogEntry{
		ID:             id,
		OrganizationID: org,
		SubjectID:      subject,
		SessionID:      "session-" + subject,
		Operation:      types.Operation{Type: types.OpSelect, Resource: "invoices"},
		SecurityContext: types.AuditSecurityContext{
			Role:              "user",
			PoliciesConsulted: []string{"p1"},
			RulesConsulted:    []string{},
		},
		Result:    types.AuditResult{Allowed: allowed, DurationMs: 0.5},
		Timestamp: at,
	}
}

func TestHashChain_Link(t *testing.T) {
	hc := NewHashChain()
	assert.False(t, hc.IsInitialized("org-1"))

	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	first := testEntry("org-1", "a1", "user-1", true, at)
	require.NoError(t, hc.Link(first))

	assert.Empty(t, first.PrevHash)
	assert.Len(t, first.Hash, 64)
	assert.Equal(t, first.Hash, hc.LastHash("org-1"))

	second := testEntry("org-1", "a2", "user-1", false, at.Add(time.Second))
	require.NoError(t, hc.Link(second))
	assert.Equal(t, first.Hash, second.PrevHash)

	other := testEntry("org-2", "b1", "user-9", true, at)
	require.NoError(t, hc.Link(other))
	assert.Empty(t, other.PrevHash, "organizations have independent chains")
}

func TestHashChain_Initialize(t *testing.T) {
	hc := NewHashChain()
	hc.Initialize("org-1", "abc123")

	e := testEntry("org-1", "a1", "user-1", true, time.Now())
	require.NoError(t, hc.Link(e))

	assert.True(t, hc.IsInitialized("org-1"))
	assert.Equal(t, "abc123", e.PrevHash)
}

func TestVerifyChain(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	build := func() []*types.AuditLogEntry {
		hc := NewHashChain()
		var entries []*types.AuditLogEntry
		for i := 0; i < 4; i++ {
			e := testEntry("org-1", string(rune('a'+i)), "user-1", i%2 == 0, at.Add(time.Duration(i)*time.Minute))
			require.NoError(t, hc.Link(e))
			entries = append(entries, e)
		}
		return entries
	}

	t.Run("intact", func(t *testing.T) {
		assert.NoError(t, VerifyChain(build()))
		assert.NoError(t, VerifyChain(nil))
	})

	t.Run("tampered content", func(t *testing.T) {
		entries := build()
		entries[2].Result.Allowed = !entries[2].Result.Allowed
		err := VerifyChain(entries)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "entry 2")
		assert.Contains(t, err.Error(), "invalid hash")
	})

	t.Run("removed entry", func(t *testing.T) {
		entries := build()
		entries = append(entries[:1], entries[2:]...)
		err := VerifyChain(entries)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken chain")
	})

	t.Run("suffix of a longer chain", func(t *testing.T) {
		assert.NoError(t, VerifyChain(build()[2:]))
	})

	t.Run("empty and missing lists hash alike", func(t *testing.T) {
		entries := build()
		entries[0].SecurityContext.RulesConsulted = nil
		assert.NoError(t, VerifyChain(entries))
	})
}
