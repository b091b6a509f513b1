package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
)

// RedisRateLimiter shares counters across instances with a fixed window
// (INCR + EXPIRE) and a separate block key.
type RedisRateLimiter struct {
	client *redis.Client
	prefix string
	opts   RateLimitOptions
}

func NewRedisRateLimiter(client *redis.Client, prefix string, opts RateLimitOptions) *RedisRateLimiter {
	if prefix == "" {
		prefix = "rl:login:"
	}
	return &RedisRateLimiter{client: client, prefix: prefix, opts: opts.withDefaults()}
}

func (l *RedisRateLimiter) Consume(ctx context.Context, key string) error {
	pts, blk := l.keys(key)

	ttl, err := l.client.PTTL(ctx, blk).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return oops.Code("RATE_LIMIT_UNAVAILABLE").With("key", key).Wrap(err)
	}
	if ttl > 0 {
		return &RateLimitedError{RetryAfter: ttl}
	}

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, pts)
	pipe.ExpireNX(ctx, pts, l.opts.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return oops.Code("RATE_LIMIT_UNAVAILABLE").With("key", key).Wrap(err)
	}

	if incr.Val() <= int64(l.opts.Points) {
		return nil
	}

	if err := l.client.SetNX(ctx, blk, 1, l.opts.Block).Err(); err != nil {
		return oops.Code("RATE_LIMIT_UNAVAILABLE").With("key", key).Wrap(err)
	}
	return &RateLimitedError{RetryAfter: l.opts.Block}
}

func (l *RedisRateLimiter) Reset(ctx context.Context, key string) error {
	pts, blk := l.keys(key)
	if err := l.client.Del(ctx, pts, blk).Err(); err != nil {
		return oops.Code("RATE_LIMIT_UNAVAILABLE").With("key", key).Wrap(err)
	}
	return nil
}

func (l *RedisRateLimiter) keys(key string) (string, string) {
	k := strings.ReplaceAll(key, " ", "_")
	return l.prefix + "pts:" + k, l.prefix + "blk:" + k
}
