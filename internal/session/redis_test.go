package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupMiniredisStore creates a Redis session store backed by miniredis
func setupMiniredisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	s := miniredis.RunT(t)

	// Build the client directly to avoid CLIENT SETINFO, which miniredis rejects
	client := redis.NewClient(&redis.Options{
		Addr:             s.Addr(),
		DisableIndentity: true,
	})
	t.Cleanup(func() {
		client.Close()
	})

	store, err := NewRedisStoreWithClient(client, Config{TTL: 30 * time.Minute}, "test:session:", nil)
	require.NoError(t, err)
	return store, s
}

func TestRedisStore_OpenLookup(t *testing.T) {
	ctx := context.Background()
	store, s := setupMiniredisStore(t)

	sc, err := store.Open(ctx, adminParams())
	require.NoError(t, err)
	assert.True(t, s.Exists("test:session:"+sc.SessionID))
	assert.Equal(t, 30*time.Minute, s.TTL("test:session:"+sc.SessionID))

	got, err := store.Lookup(ctx, sc.SessionID)
	require.NoError(t, err)
	assert.Equal(t, sc.SubjectID, got.SubjectID)
	assert.Equal(t, sc.Permissions, got.Permissions)
	assert.True(t, got.Attributes["region"].Equal(sc.Attributes["region"]))
	assert.True(t, sc.IssuedAt.Equal(got.IssuedAt))
}

func TestRedisStore_Expiry(t *testing.T) {
	ctx := context.Background()
	store, s := setupMiniredisStore(t)

	sc, err := store.Open(ctx, adminParams())
	require.NoError(t, err)

	s.FastForward(31 * time.Minute)

	_, err = store.Lookup(ctx, sc.SessionID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_OpenDuplicateID(t *testing.T) {
	ctx := context.Background()
	store, _ := setupMiniredisStore(t)

	params := adminParams()
	params.SessionID = "s-fixed"
	_, err := store.Open(ctx, params)
	require.NoError(t, err)

	params.Role = "user"
	_, err = store.Open(ctx, params)
	assert.ErrorIs(t, err, ErrExists)
	assert.NotErrorIs(t, err, ErrUnavailable)

	got, err := store.Lookup(ctx, "s-fixed")
	require.NoError(t, err)
	assert.Equal(t, "admin", got.Role)
}

func TestRedisStore_Close(t *testing.T) {
	ctx := context.Background()
	store, s := setupMiniredisStore(t)

	sc, err := store.Open(ctx, adminParams())
	require.NoError(t, err)

	require.NoError(t, store.Close(ctx, sc.SessionID))
	assert.False(t, s.Exists("test:session:"+sc.SessionID))
}

func TestRedisStore_Unavailable(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(mock redismock.ClientMock)
		call      func(store *RedisStore) error
	}{
		{
			name: "lookup failure",
			setupMock: func(mock redismock.ClientMock) {
				mock.ExpectGet("rls:session:s-1").SetErr(redis.ErrClosed)
			},
			call: func(store *RedisStore) error {
				_, err := store.Lookup(context.Background(), "s-1")
				return err
			},
		},
		{
			name: "open failure",
			setupMock: func(mock redismock.ClientMock) {
				mock.ExpectSetNX("rls:session:s-2", mock.AnyArg(), 30*time.Minute).SetErr(redis.ErrClosed)
			},
			call: func(store *RedisStore) error {
				params := adminParams()
				params.SessionID = "s-2"
				_, err := store.Open(context.Background(), params)
				return err
			},
		},
		{
			name: "close failure",
			setupMock: func(mock redismock.ClientMock) {
				mock.ExpectDel("rls:session:s-3").SetErr(redis.ErrClosed)
			},
			call: func(store *RedisStore) error {
				return store.Close(context.Background(), "s-3")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, mock := redismock.NewClientMock()
			tt.setupMock(mock)

			store, err := NewRedisStoreWithClient(client, Config{TTL: 30 * time.Minute}, "rls:session:", nil)
			require.NoError(t, err)

			err = tt.call(store)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUnavailable)
			assert.ErrorIs(t, err, redis.ErrClosed)
			assert.NotErrorIs(t, err, ErrNotFound)

			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRedisStore_MissingKeyIsNotFound(t *testing.T) {
	client, mock := redismock.NewClientMock()
	mock.ExpectGet("rls:session:gone").RedisNil()

	store, err := NewRedisStoreWithClient(client, Config{TTL: time.Minute}, "rls:session:", nil)
	require.NoError(t, err)

	_, err = store.Lookup(context.Background(), "gone")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultRedisConfig().Validate())

	cfg := DefaultRedisConfig()
	cfg.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultRedisConfig()
	cfg.Host = ""
	assert.Error(t, cfg.Validate())
	assert.Equal(t, "localhost:6379", DefaultRedisConfig().Addr())
}

func TestRedisStore_Ping(t *testing.T) {
	store, s := setupMiniredisStore(t)
	require.NoError(t, store.Ping(context.Background()))

	s.Close()
	assert.ErrorIs(t, store.Ping(context.Background()), ErrUnavailable)
}
