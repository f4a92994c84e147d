package ratelimit

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisStoreTokenBucket exercises RedisStore against a live server,
// grounded on the rate-limiter example's integration_test.go (testify
// assert/require, a REDIS_ADDR-gated live-server test rather than a
// mock). Run with REDIS_ADDR=localhost:6379 go test ./internal/ratelimit/...
func TestRedisStoreTokenBucket(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping live Redis integration test")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err(), "redis must be reachable")

	key := "veloz-test:" + t.Name()
	defer client.Del(ctx, "veloz:ratelimit:"+key)

	store := NewRedisStore(client, "veloz:ratelimit:")

	for i := 0; i < 3; i++ {
		d, err := store.Allow(ctx, key, 3, 1, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be within capacity", i)
	}

	d, err := store.Allow(ctx, key, 3, 1, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "4th request should exceed capacity")
	assert.Greater(t, d.RetryAfterMs, int64(0))
}
