package session

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/authz-engine/rls-engine/pkg/types"
)

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	// Connection settings
	Host     string
	Port     int
	Password string
	DB       int

	// Pool settings
	PoolSize    int
	PoolTimeout time.Duration

	TLS *tls.Config

	// Key prefix for namespacing
	KeyPrefix string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration
}

// DefaultRedisConfig returns a configuration with sensible defaults
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Host:         "localhost",
		Port:         6379,
		PoolSize:     10,
		PoolTimeout:  4 * time.Second,
		KeyPrefix:    "rls:session:",
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		DialTimeout:  5 * time.Second,
	}
}

// Validate checks the configuration for validity
func (c *RedisConfig) Validate() error {
	if c.Host == "" {
		return errors.New("redis host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("redis port must be between 1 and 65535, got %d", c.Port)
	}
	if c.PoolSize <= 0 {
		return errors.New("redis pool size must be greater than 0")
	}
	return nil
}

// Addr returns host:port
func (c *RedisConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// RedisStore shares sessions between engine instances through Redis.
// Entries expire server-side with SET EX.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewRedisStore dials Redis and verifies the connection
func NewRedisStore(ctx context.Context, cfg Config, rcfg *RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if rcfg == nil {
		rcfg = DefaultRedisConfig()
	}
	if err := rcfg.Validate(); err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:         rcfg.Addr(),
		Password:     rcfg.Password,
		DB:           rcfg.DB,
		PoolSize:     rcfg.PoolSize,
		PoolTimeout:  rcfg.PoolTimeout,
		ReadTimeout:  rcfg.ReadTimeout,
		WriteTimeout: rcfg.WriteTimeout,
		DialTimeout:  rcfg.DialTimeout,
		TLSConfig:    rcfg.TLS,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg, rcfg.KeyPrefix, logger)
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client redis.UniversalClient, cfg Config, prefix string, logger *zap.Logger) (*RedisStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		now:    time.Now,
		logger: logger,
	}, nil
}

// WithClock replaces the time source used for IssuedAt
func (s *RedisStore) WithClock(now func() time.Time) *RedisStore {
	s.now = now
	return s
}

// Open issues a new security context and stores it with the session TTL.
// The key is only written when absent, so a live session is never replaced.
func (s *RedisStore) Open(ctx context.Context, params OpenParams) (*types.SecurityContext, error) {
	sc, err := newContext(params, s.now())
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(sc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}

	stored, err := s.client.SetNX(ctx, s.key(sc.SessionID), data, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w: %w", sc.SessionID, ErrUnavailable, err)
	}
	if !stored {
		return nil, fmt.Errorf("open session %s: %w", sc.SessionID, ErrExists)
	}
	return sc, nil
}

// Lookup returns the context for a live session
func (s *RedisStore) Lookup(ctx context.Context, sessionID string) (*types.SecurityContext, error) {
	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		s.logger.Warn("Session lookup failed", zap.String("session_id", sessionID), zap.Error(err))
		return nil, fmt.Errorf("lookup session %s: %w: %w", sessionID, ErrUnavailable, err)
	}

	var sc types.SecurityContext
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}
	return &sc, nil
}

// Close deletes the session key
func (s *RedisStore) Close(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("close session %s: %w: %w", sessionID, ErrUnavailable, err)
	}
	return nil
}

// Client returns the underlying client for components that share the connection
func (s *RedisStore) Client() redis.UniversalClient {
	return s.client
}

// Ping reports whether Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Shutdown closes the Redis client
func (s *RedisStore) Shutdown() error {
	return s.client.Close()
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}
