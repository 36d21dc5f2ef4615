package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authz-engine/rls-engine/internal/audit"
	"github.com/authz-engine/rls-engine/internal/engine"
	"github.com/authz-engine/rls-engine/internal/generator"
	"github.com/authz-engine/rls-engine/internal/metrics"
	"github.com/authz-engine/rls-engine/internal/policy"
	"github.com/authz-engine/rls-engine/internal/rule"
	"github.com/authz-engine/rls-engine/internal/session"
	"github.com/authz-engine/rls-engine/pkg/types"
)

// tuesday 2026-03-03 11:00 UTC
var tuesday = time.Date(2026, 3, 3, 11, 0, 0, 0, time.UTC)

type sessionEvents struct {
	metrics.NoOpMetrics
	mu     sync.Mutex
	events []string
}

func (s *sessionEvents) RecordSessionEvent(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

type fixture struct {
	svc      *Service
	policies *policy.MemoryStore
	audit    *audit.MemoryStore
	events   *sessionEvents
}

func newFixture(t *testing.T, async bool) *fixture {
	t.Helper()
	now := func() time.Time { return tuesday }

	policies := policy.NewMemoryStore()
	rules := rule.NewMemoryStore()
	auditStore := audit.NewMemoryStore()

	eng, err := engine.New(engine.DefaultConfig(), policies, rules)
	require.NoError(t, err)
	eng.WithClock(now)

	cfg := audit.DefaultConfig()
	cfg.Async = async
	cfg.FlushInterval = time.Hour
	rec, err := audit.NewRecorder(cfg, auditStore, nil, nil)
	require.NoError(t, err)
	rec.WithClock(now)

	sessions, err := session.NewMemoryStore(session.DefaultConfig(), nil)
	require.NoError(t, err)
	sessions.WithClock(now)

	svc, err := New(Deps{
		Engine:   eng,
		Policies: policies,
		Sessions: sessions,
		Recorder: rec,
		Reporter: audit.NewReporter(auditStore, policies, rules).WithClock(now),
	}, nil)
	require.NoError(t, err)

	events := &sessionEvents{}
	svc.WithMetrics(events)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	return &fixture{svc: svc, policies: policies, audit: auditStore, events: events}
}

func userParams() session.OpenParams {
	return session.OpenParams{
		SubjectID:      "user-1",
		OrganizationID: "org-1",
		Role:           "user",
		Origin:         "10.1.2.3",
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, nil)
	assert.Error(t, err)
}

func TestSynthesizeThenDecide(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	p, err := f.svc.SynthesizePolicy(ctx, "org-1", "invoices", generator.Requirements{
		AccessLevel: generator.LevelOrganization,
		Roles:       []string{"user"},
	})
	require.NoError(t, err)
	assert.Equal(t, "invoices_organization_access", p.Name)

	sc, err := f.svc.OpenSession(ctx, userParams())
	require.NoError(t, err)

	v, err := f.svc.DecideSession(ctx, sc.SessionID, &types.Operation{Type: types.OpSelect, Resource: "invoices"})
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Equal(t, p.ID, v.MatchedPolicyID)
}

func TestSynthesizePolicy_InvalidInput(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.svc.SynthesizePolicy(context.Background(), "org-1", "invoices", generator.Requirements{AccessLevel: "galaxy"})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrInvalidInput)

	all, err := f.policies.All(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSynthesizePolicy_RejectedCondition(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.svc.SynthesizePolicy(context.Background(), "org-1", "invoices", generator.Requirements{
		AccessLevel:          generator.LevelOrganization,
		Roles:                []string{"user"},
		AdditionalConditions: "status = 'open' OR 1=1",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
	assert.NotErrorIs(t, err, engine.ErrStoreUnavailable)
	assert.Equal(t, engine.CodeInvalidInput, engine.CodeOf(err))

	all, err := f.policies.All(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Empty(t, all)
}

type rejectingStore struct {
	*policy.MemoryStore
}

func (rejectingStore) Create(context.Context, *types.Policy) (*types.Policy, error) {
	return nil, fmt.Errorf("%w: rejected by store", policy.ErrInvalid)
}

func TestSynthesizePolicy_StoreRejectsPolicy(t *testing.T) {
	f := newFixture(t, false)
	f.svc.generator = generator.New(rejectingStore{policy.NewMemoryStore()}, nil)

	_, err := f.svc.SynthesizePolicy(context.Background(), "org-1", "invoices", generator.Requirements{
		AccessLevel: generator.LevelOrganization,
		Roles:       []string{"user"},
	})
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
	assert.NotErrorIs(t, err, engine.ErrStoreUnavailable)
}

func TestDecideSession_StoreUnavailable(t *testing.T) {
	f := newFixture(t, false)
	client, mock := redismock.NewClientMock()
	mock.ExpectGet("rls:session:s1").SetErr(errors.New("connection refused"))

	store, err := session.NewRedisStoreWithClient(client, session.Config{TTL: time.Minute}, "rls:session:", nil)
	require.NoError(t, err)
	f.svc.sessions = store

	_, err = f.svc.DecideSession(context.Background(), "s1", &types.Operation{Type: types.OpSelect, Resource: "invoices"})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrStoreUnavailable)
	assert.Equal(t, engine.CodeStoreUnavailable, engine.CodeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecideSession_UnknownSession(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.svc.DecideSession(context.Background(), "nope", &types.Operation{Type: types.OpSelect, Resource: "invoices"})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	sc, err := f.svc.OpenSession(ctx, userParams())
	require.NoError(t, err)
	assert.Equal(t, tuesday, sc.IssuedAt)

	got, err := f.svc.LookupSession(ctx, sc.SessionID)
	require.NoError(t, err)
	assert.Equal(t, sc.SubjectID, got.SubjectID)

	require.NoError(t, f.svc.CloseSession(ctx, sc.SessionID))
	_, err = f.svc.LookupSession(ctx, sc.SessionID)
	assert.ErrorIs(t, err, session.ErrNotFound)

	assert.Equal(t, []string{"opened", "hit", "closed", "miss"}, f.events.events)
}

func TestOpenSession_InvalidContext(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.svc.OpenSession(context.Background(), session.OpenParams{SubjectID: "user-1"})
	assert.Error(t, err)
	assert.Equal(t, []string{"open_failed"}, f.events.events)
}

func TestSessionsNotConfigured(t *testing.T) {
	f := newFixture(t, false)
	f.svc.sessions = nil

	_, err := f.svc.OpenSession(context.Background(), userParams())
	assert.Error(t, err)
}

func TestRecordVerdictAndStats(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	p, err := f.svc.SynthesizePolicy(ctx, "org-1", "invoices", generator.Requirements{
		AccessLevel: generator.LevelPublic,
		Operations:  []types.OperationType{types.OpSelect},
		Roles:       []string{"user"},
	})
	require.NoError(t, err)

	sc := &types.SecurityContext{SubjectID: "user-1", OrganizationID: "org-1", Role: "user", SessionID: "s1"}
	allowedOp := &types.Operation{Type: types.OpSelect, Resource: "invoices"}
	deniedOp := &types.Operation{Type: types.OpDelete, Resource: "invoices", RecordID: "inv-1"}

	for _, op := range []*types.Operation{allowedOp, deniedOp} {
		v, err := f.svc.Decide(ctx, sc, op)
		require.NoError(t, err)
		_, err = f.svc.RecordVerdict(ctx, sc, op, v, 3)
		require.NoError(t, err)
	}
	// nothing is persisted until the recorder flushes
	assert.Zero(t, f.audit.Len("org-1"))

	st, err := f.svc.GetStats(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 2, f.audit.Len("org-1"))
	assert.Equal(t, 2, st.Access.Total)
	assert.Equal(t, 1, st.Access.Allowed)
	assert.Equal(t, 1, st.Access.Denied)
	assert.Equal(t, 1, st.Policies.Active)
	assert.Equal(t, []audit.Usage{{ID: p.ID, Count: 1}}, st.TopPolicies)

	entries, err := f.audit.List(ctx, "org-1", audit.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 3, entries[0].Result.RecordsReturned)
	assert.NoError(t, audit.VerifyChain(entries))
}

func TestRecordAccess(t *testing.T) {
	f := newFixture(t, false)

	got, err := f.svc.RecordAccess(context.Background(), &types.AuditLogEntry{
		OrganizationID: "org-1",
		SubjectID:      "user-1",
		Operation:      types.Operation{Type: types.OpUpdate, Resource: "customers"},
		Result:         types.AuditResult{Allowed: true, RecordsReturned: 1},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, tuesday, got.Timestamp)
	assert.NotEmpty(t, got.Hash)
	assert.Equal(t, 1, f.audit.Len("org-1"))
}

func TestRecordVerdict_RequiresVerdict(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.svc.RecordVerdict(context.Background(), &types.SecurityContext{}, &types.Operation{}, nil, 0)
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
}

func TestGetStats_RequiresOrganization(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.svc.GetStats(context.Background(), "")
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
}
