package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// KEYS[1] bucket key
// ARGV[1] now in seconds, ARGV[2] refill rate per second, ARGV[3] capacity
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])

local tokens = tonumber(redis.call('HGET', key, 'tokens'))
local last = tonumber(redis.call('HGET', key, 'last'))
if tokens == nil then
	tokens = capacity
	last = now
end

local elapsed = now - last
if elapsed > 0 then
	tokens = math.min(capacity, tokens + elapsed * rate)
end

local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last', tostring(now))
redis.call('EXPIRE', key, math.ceil(capacity / rate) + 1)

return {allowed, tostring(tokens)}
`)

// RedisLimiter shares buckets between engine instances. The bucket update
// runs as one Lua script so concurrent instances cannot overspend.
type RedisLimiter struct {
	client redis.UniversalClient
	config Config
	now    func() time.Time
	logger *zap.Logger
}

// NewRedisLimiter creates a Redis-backed limiter over an existing client
func NewRedisLimiter(client redis.UniversalClient, cfg Config, logger *zap.Logger) (*RedisLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLimiter{client: client, config: cfg, now: time.Now, logger: logger}, nil
}

// WithClock replaces the time source
func (l *RedisLimiter) WithClock(now func() time.Time) *RedisLimiter {
	l.now = now
	return l
}

// Allow takes one token from the key's bucket
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	now := l.now()
	rate := l.config.refillRate()

	res, err := tokenBucketScript.Run(ctx, l.client,
		[]string{fmt.Sprintf("%s:%s", l.config.KeyPrefix, key)},
		float64(now.UnixNano())/1e9,
		rate,
		l.config.capacity(),
	).Slice()
	if err != nil {
		if l.config.FailOpen {
			l.logger.Warn("Rate limit check failed, allowing request", zap.String("key", key), zap.Error(err))
			return Result{Allowed: true}, nil
		}
		return Result{}, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(res) != 2 {
		return Result{}, fmt.Errorf("unexpected rate limit script result: %v", res)
	}

	allowed, _ := res[0].(int64)
	var tokens float64
	if s, ok := res[1].(string); ok {
		fmt.Sscanf(s, "%g", &tokens)
	}

	if allowed != 1 {
		return Result{Allowed: false, RetryAfter: retryAfter(tokens, rate)}, nil
	}
	return Result{Allowed: true, Remaining: int(math.Floor(tokens))}, nil
}
