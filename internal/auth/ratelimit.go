package auth

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// RateLimiter counts attempts per key. Consume returns *RateLimitedError once
// the key has used its points within the window, and keeps failing until the
// block expires. Reset clears the key.
type RateLimiter interface {
	Consume(ctx context.Context, key string) error
	Reset(ctx context.Context, key string) error
}

type RateLimitOptions struct {
	Points int
	Window time.Duration
	Block  time.Duration
}

func DefaultRateLimitOptions() RateLimitOptions {
	return RateLimitOptions{Points: 5, Window: 5 * time.Minute, Block: 15 * time.Minute}
}

func (o RateLimitOptions) withDefaults() RateLimitOptions {
	defaults := DefaultRateLimitOptions()
	if o.Points <= 0 {
		o.Points = defaults.Points
	}
	if o.Window <= 0 {
		o.Window = defaults.Window
	}
	if o.Block <= 0 {
		o.Block = defaults.Block
	}
	return o
}

// MemoryRateLimiter keeps fixed-window counters in process memory. Counter
// updates go through go-cache's locked Add/IncrementInt, so concurrent
// Consume calls for one key never lose a point.
type MemoryRateLimiter struct {
	opts  RateLimitOptions
	cache *gocache.Cache
}

func NewMemoryRateLimiter(opts RateLimitOptions) *MemoryRateLimiter {
	opts = opts.withDefaults()
	return &MemoryRateLimiter{
		opts:  opts,
		cache: gocache.New(opts.Window, time.Minute),
	}
}

func (l *MemoryRateLimiter) Consume(_ context.Context, key string) error {
	now := time.Now()
	if until, ok := l.blockedUntil(key); ok && now.Before(until) {
		return &RateLimitedError{RetryAfter: until.Sub(now)}
	}

	hits, err := l.hit(key)
	if err != nil {
		return err
	}
	if hits <= l.opts.Points {
		return nil
	}

	// The counter is left to expire with its window so callers that raced
	// past the block check above still see an exhausted budget.
	if until, ok := l.blockedUntil(key); ok && now.Before(until) {
		return &RateLimitedError{RetryAfter: until.Sub(now)}
	}
	l.cache.Set(blockKey(key), now.Add(l.opts.Block), l.opts.Block)
	return &RateLimitedError{RetryAfter: l.opts.Block}
}

func (l *MemoryRateLimiter) Reset(_ context.Context, key string) error {
	l.cache.Delete(pointsKey(key))
	l.cache.Delete(blockKey(key))
	return nil
}

// hit increments the window counter, opening a new window when none is live.
func (l *MemoryRateLimiter) hit(key string) (int, error) {
	k := pointsKey(key)
	for {
		if err := l.cache.Add(k, 1, l.opts.Window); err == nil {
			return 1, nil
		}
		n, err := l.cache.IncrementInt(k, 1)
		if err == nil {
			return n, nil
		}
		// The window expired between Add and IncrementInt; start over.
	}
}

func (l *MemoryRateLimiter) blockedUntil(key string) (time.Time, bool) {
	v, ok := l.cache.Get(blockKey(key))
	if !ok {
		return time.Time{}, false
	}
	until, ok := v.(time.Time)
	return until, ok
}

func pointsKey(key string) string { return "pts:" + key }
func blockKey(key string) string  { return "blk:" + key }

// RetryAfterSeconds rounds a retry interval up to whole seconds, minimum 1.
func RetryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
