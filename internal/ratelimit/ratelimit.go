// Package ratelimit implements the gateway's per-client token bucket.
// The in-memory store is grounded on the continuous-refill formula used
// for the execution adapter's own outbound rate limiting in the trading
// bot; the optional Redis-backed store is grounded on the atomic
// Lua-script token bucket used by the rate-limiting gateway example,
// adapted from a reverse-proxy gate to a per-identifier check called
// from the dispatcher's middleware chain.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed      bool
	RetryAfterMs int64
	Remaining    float64
	ResetAtMs    int64
}

// Store is implemented by both the in-memory and Redis-backed limiters.
type Store interface {
	// Allow consumes cost tokens from identifier's bucket (created with
	// capacity/refillRate on first use) and returns the decision.
	Allow(ctx context.Context, identifier string, capacity, refillRate, cost float64) (Decision, error)
	// Cleanup evicts buckets unseen for longer than maxAge. No-op for
	// stores that expire entries natively (e.g. Redis TTL).
	Cleanup(maxAge time.Duration)
}

// MemoryStore is a process-local token bucket per identifier, guarded by
// a single map lock with a short critical section per spec.md's
// shared-resource policy for rate limiters.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// NewMemoryStore creates an empty in-memory token bucket store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*bucket), now: time.Now}
}

// Allow refills identifier's bucket to min(capacity, tokens +
// elapsed*refillRate) then attempts to consume cost tokens.
func (s *MemoryStore) Allow(_ context.Context, identifier string, capacity, refillRate, cost float64) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.buckets[identifier]
	if !ok {
		b = &bucket{tokens: capacity, lastSeen: now}
		s.buckets[identifier] = b
	}

	elapsed := now.Sub(b.lastSeen).Seconds()
	if elapsed > 0 {
		b.tokens = min(capacity, b.tokens+elapsed*refillRate)
	}
	b.lastSeen = now

	if b.tokens >= cost {
		b.tokens -= cost
		resetAt := now
		if refillRate > 0 {
			missing := capacity - b.tokens
			resetAt = now.Add(time.Duration(missing / refillRate * float64(time.Second)))
		}
		return Decision{Allowed: true, Remaining: b.tokens, ResetAtMs: resetAt.UnixMilli()}, nil
	}

	var retryAfter time.Duration
	if refillRate > 0 {
		deficit := cost - b.tokens
		retryAfter = time.Duration(deficit / refillRate * float64(time.Second))
	}
	return Decision{
		Allowed:      false,
		RetryAfterMs: retryAfter.Milliseconds(),
		Remaining:    b.tokens,
		ResetAtMs:    now.Add(retryAfter).UnixMilli(),
	}, nil
}

// Cleanup removes buckets whose last activity is older than maxAge.
func (s *MemoryStore) Cleanup(maxAge time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-maxAge)
	for id, b := range s.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(s.buckets, id)
		}
	}
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// RedisStore is a distributed token bucket backed by Redis, for gateway
// deployments running more than one instance behind a shared limiter.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore creates a Redis-backed store using client, namespacing
// every key under prefix (e.g. "veloz:ratelimit:").
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// tokenBucketScript performs an atomic refill-then-consume against a
// Redis hash, avoiding a read-modify-write race across gateway
// instances sharing the same bucket.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local tokens = tonumber(redis.call('HGET', key, 'tokens'))
local last_seen = tonumber(redis.call('HGET', key, 'last_seen'))
if tokens == nil then
    tokens = capacity
    last_seen = now
end

local elapsed = now - last_seen
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * refill_rate)
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_seen', now)
redis.call('EXPIRE', key, 3600)

return {allowed, tostring(tokens)}
`)

// Allow runs the atomic Lua script against identifier's bucket key.
func (s *RedisStore) Allow(ctx context.Context, identifier string, capacity, refillRate, cost float64) (Decision, error) {
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	res, err := tokenBucketScript.Run(ctx, s.client, []string{s.prefix + identifier}, capacity, refillRate, cost, now).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis script: %w", err)
	}

	row, ok := res.([]any)
	if !ok || len(row) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected redis script result: %v", res)
	}
	allowedN, _ := row[0].(int64)
	var remaining float64
	fmt.Sscanf(fmt.Sprint(row[1]), "%f", &remaining)

	if allowedN == 1 {
		return Decision{Allowed: true, Remaining: remaining}, nil
	}
	var retryAfter time.Duration
	if refillRate > 0 {
		deficit := cost - remaining
		retryAfter = time.Duration(deficit / refillRate * float64(time.Second))
	}
	return Decision{Allowed: false, Remaining: remaining, RetryAfterMs: retryAfter.Milliseconds()}, nil
}

// Cleanup is a no-op: Redis keys expire on their own via EXPIRE.
func (s *RedisStore) Cleanup(time.Duration) {}
