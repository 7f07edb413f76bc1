package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/meridianlabs/conductor/pkg/faults"
)

// TenantLimiter bounds intent acceptance per tenant.
type TenantLimiter interface {
	Allow(ctx context.Context, tenantID string) (bool, error)
}

// NopLimiter admits everything.
type NopLimiter struct{}

// Allow implements TenantLimiter.
func (NopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// LocalLimiter is an in-process per-tenant token bucket.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewLocalLimiter creates a limiter admitting rps intents per second per
// tenant with the given burst.
func NewLocalLimiter(rps float64, burst int) *LocalLimiter {
	return &LocalLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow implements TenantLimiter.
func (l *LocalLimiter) Allow(ctx context.Context, tenantID string) (bool, error) {
	l.mu.Lock()
	lim := l.limiters[tenantID]
	if lim == nil {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[tenantID] = lim
	}
	l.mu.Unlock()
	return lim.Allow(), nil
}

// redisTokenBucketScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = current unix timestamp (seconds)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisLimiter shares one token bucket per tenant across nodes.
type RedisLimiter struct {
	client *redis.Client
	rps    float64
	burst  int
	now    func() float64
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(client *redis.Client, rps float64, burst int, now func() float64) *RedisLimiter {
	return &RedisLimiter{client: client, rps: rps, burst: burst, now: now}
}

// Allow implements TenantLimiter.
func (l *RedisLimiter) Allow(ctx context.Context, tenantID string) (bool, error) {
	key := fmt.Sprintf("intent_limiter:%s", tenantID)
	res, err := redisTokenBucketScript.Run(ctx, l.client, []string{key},
		l.rps, l.burst, 1, l.now()).Int()
	if err != nil {
		return false, faults.Transient(err, "rate limiter unavailable")
	}
	return res == 1, nil
}
