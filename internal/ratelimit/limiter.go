// Package ratelimit throttles expensive admin requests per key with a
// token bucket, in process or shared through Redis
package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// Limiter decides whether one more request is allowed for a key
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// Result holds the result of a rate limit check
type Result struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long until one token is available again
	RetryAfter time.Duration
}

// Config holds rate limiter configuration
type Config struct {
	// Rate is the number of requests refilled per Window
	Rate int
	// Window is the refill period for Rate
	Window time.Duration
	// Burst is the bucket capacity; zero means Rate
	Burst int
	// KeyPrefix namespaces Redis keys
	KeyPrefix string
	// FailOpen allows requests when the backing store cannot be reached
	FailOpen bool
}

// DefaultConfig returns default rate limiter configuration
func DefaultConfig() Config {
	return Config{
		Rate:      30,
		Window:    time.Minute,
		KeyPrefix: "rls:ratelimit",
		FailOpen:  true,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Rate <= 0 {
		return errors.New("rate must be positive")
	}
	if c.Window <= 0 {
		return errors.New("window must be positive")
	}
	if c.Burst < 0 {
		return errors.New("burst cannot be negative")
	}
	return nil
}

func (c Config) capacity() int {
	if c.Burst > 0 {
		return c.Burst
	}
	return c.Rate
}

// refillRate is tokens per second
func (c Config) refillRate() float64 {
	return float64(c.Rate) / c.Window.Seconds()
}

func retryAfter(tokens, rate float64) time.Duration {
	if tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tokens) / rate * float64(time.Second)).Round(time.Millisecond)
}

type bucket struct {
	tokens float64
	last   time.Time
}

// MemoryLimiter keeps buckets in process
type MemoryLimiter struct {
	config  Config
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewMemoryLimiter creates an in-process limiter
func NewMemoryLimiter(cfg Config) (*MemoryLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MemoryLimiter{
		config:  cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}, nil
}

// WithClock replaces the time source
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

// Allow takes one token from the key's bucket
func (l *MemoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	now := l.now()
	capacity := float64(l.config.capacity())
	rate := l.config.refillRate()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: capacity, last: now}
		l.buckets[key] = b
	}
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = math.Min(capacity, b.tokens+elapsed*rate)
	}
	b.last = now

	if b.tokens < 1 {
		return Result{Allowed: false, RetryAfter: retryAfter(b.tokens, rate)}, nil
	}
	b.tokens--
	return Result{Allowed: true, Remaining: int(b.tokens)}, nil
}
