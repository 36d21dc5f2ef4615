package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/authz-engine/rls-engine/internal/engine"
	"github.com/authz-engine/rls-engine/internal/metrics"
	"github.com/authz-engine/rls-engine/internal/policy"
	"github.com/authz-engine/rls-engine/internal/rule"
	"github.com/authz-engine/rls-engine/internal/session"
	"github.com/authz-engine/rls-engine/pkg/types"
)

func TestInitLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, err := initLogger("debug", format)
		require.NoError(t, err)
		assert.True(t, logger.Core().Enabled(zap.DebugLevel))
	}

	logger, err := initLogger("bogus", "json")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestLoadBundles_Demo(t *testing.T) {
	ctx := context.Background()
	policies := policy.NewMemoryStore()
	rules := rule.NewMemoryStore()
	m := metrics.NewPrometheusMetrics("rls_test")

	watcher, err := loadBundles(ctx, options{bundleDir: "../../configs/bundles"}, policies, rules, m, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, watcher)
	assert.Equal(t, 2, policies.Count())

	eng, err := engine.New(engine.DefaultConfig(), policies, rules)
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	// Wednesday 2026-03-04 10:00 in Madrid
	eng.WithClock(func() time.Time { return time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC) })

	admin := &types.SecurityContext{
		SubjectID:      "admin_1",
		OrganizationID: "default",
		Role:           "admin",
		Permissions:    []string{"admin"},
		SessionID:      "s-admin",
		Origin:         "203.0.113.9",
	}
	v, err := eng.Decide(ctx, admin, &types.Operation{Type: types.OpDelete, Resource: "invoices"})
	require.NoError(t, err)
	assert.True(t, v.Allowed, "the admin rule allows any operation from anywhere")
	assert.NotEmpty(t, v.MatchedRuleID)

	user := &types.SecurityContext{
		SubjectID:      "user_1",
		OrganizationID: "default",
		Role:           "user",
		SessionID:      "s-user",
		Origin:         "192.168.1.20",
	}
	v, err = eng.Decide(ctx, user, &types.Operation{Type: types.OpSelect, Resource: "invoices"})
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	require.Len(t, v.Deferred, 1)
	assert.Equal(t, types.ActionModify, v.Deferred[0].Action)
	assert.True(t, v.Deferred[0].Parameters["createdBy"].Equal(types.String("user_1")))

	user.Origin = "172.16.0.1"
	v, err = eng.Decide(ctx, user, &types.Operation{Type: types.OpSelect, Resource: "invoices"})
	require.NoError(t, err)
	assert.False(t, v.Allowed, "outside the corporate ranges")
}

func TestLoadBundles_MissingDir(t *testing.T) {
	_, err := loadBundles(context.Background(), options{bundleDir: t.TempDir() + "/absent"},
		policy.NewMemoryStore(), rule.NewMemoryStore(), metrics.NewNoOpMetrics(), zap.NewNop())
	assert.Error(t, err)
}

func TestNewSessionStore(t *testing.T) {
	ctx := context.Background()
	opts := options{sessionTTL: time.Minute, maxSessions: 10}

	store, redisStore, err := newSessionStore(ctx, opts, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, store)
	assert.Nil(t, redisStore)

	opts.redisAddr = "not-an-address"
	_, _, err = newSessionStore(ctx, opts, zap.NewNop())
	assert.Error(t, err)

	s := miniredis.RunT(t)
	opts.redisAddr = s.Addr()
	store, redisStore, err = newSessionStore(ctx, opts, zap.NewNop())
	if err != nil {
		// some go-redis versions send CLIENT SETINFO on connect
		t.Skipf("miniredis rejected the handshake: %v", err)
	}
	defer redisStore.Shutdown()
	assert.Same(t, store, redisStore)
}

func TestNewLimiter_Memory(t *testing.T) {
	l, err := newLimiter(options{statsRate: 1}, nil, zap.NewNop())
	require.NoError(t, err)

	r, err := l.Allow(context.Background(), "org:default")
	require.NoError(t, err)
	assert.True(t, r.Allowed)
	r, err = l.Allow(context.Background(), "org:default")
	require.NoError(t, err)
	assert.False(t, r.Allowed)
}

func TestSweepSessions(t *testing.T) {
	cfg := session.DefaultConfig()
	cfg.TTL = time.Minute
	store, err := session.NewMemoryStore(cfg, nil)
	require.NoError(t, err)

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	var offset atomic.Int64
	store.WithClock(func() time.Time { return base.Add(time.Duration(offset.Load())) })

	_, err = store.Open(context.Background(), session.OpenParams{SubjectID: "user-1", OrganizationID: "org-1", Role: "user"})
	require.NoError(t, err)
	require.Equal(t, 1, store.Len())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweepSessions(ctx, store, 5*time.Millisecond, zap.NewNop())
		close(done)
	}()

	offset.Store(int64(2 * time.Minute))
	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on cancel")
	}
}
