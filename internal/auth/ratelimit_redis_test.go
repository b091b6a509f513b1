//go:build integration

package auth

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIntegrationRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return client
}

func TestRedisRateLimiter_BlocksAndResets(t *testing.T) {
	ctx := context.Background()
	client := newIntegrationRedis(t)
	prefix := "test:" + uuid.NewString() + ":"
	limiter := NewRedisRateLimiter(client, prefix, RateLimitOptions{Points: 3, Window: time.Minute, Block: time.Minute})

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Consume(ctx, "203.0.113.7"))
	}

	var limited *RateLimitedError
	require.ErrorAs(t, limiter.Consume(ctx, "203.0.113.7"), &limited)
	assert.Equal(t, time.Minute, limited.RetryAfter)

	require.ErrorAs(t, limiter.Consume(ctx, "203.0.113.7"), &limited)
	assert.LessOrEqual(t, limited.RetryAfter, time.Minute)

	require.NoError(t, limiter.Reset(ctx, "203.0.113.7"))
	require.NoError(t, limiter.Consume(ctx, "203.0.113.7"))
}
