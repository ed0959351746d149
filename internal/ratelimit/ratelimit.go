// Package ratelimit bounds per-client request rates with a sliding window,
// in memory by default or backed by Redis when configured.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"emr-query-engine/internal/config"
)

// Limiter answers whether one more request from the given key is allowed
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryLimiter keeps per-key request timestamps and prunes those outside
// the window on each check.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time

	window time.Duration
	max    int
	now    func() time.Time
}

// NewMemoryLimiter creates an in-memory sliding-window limiter
func NewMemoryLimiter(cfg *config.RateLimitConfig) *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[string][]time.Time),
		window:  cfg.Window(),
		max:     cfg.MaxRequests,
		now:     time.Now,
	}
}

// Allow records the request and reports whether it fits the window
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := l.windows[key]
	kept := stamps[:0]
	for _, t := range stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.max {
		l.windows[key] = kept
		return false, nil
	}
	l.windows[key] = append(kept, now)
	return true, nil
}

// RedisLimiter implements the sliding window on a Redis sorted set so the
// limit holds across replicas.
type RedisLimiter struct {
	client *redis.Client
	window time.Duration
	max    int
	now    func() time.Time
}

// NewRedisLimiter creates a Redis-backed limiter
func NewRedisLimiter(client *redis.Client, cfg *config.RateLimitConfig) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		window: cfg.Window(),
		max:    cfg.MaxRequests,
		now:    time.Now,
	}
}

// Allow trims the window, counts the survivors, and records the request
// when it fits.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := l.now()
	redisKey := "ratelimit:" + key
	windowStart := now.Add(-l.window).UnixNano()

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart))
	count := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	if count.Val() >= int64(l.max) {
		return false, nil
	}

	record := l.client.TxPipeline()
	record.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	record.Expire(ctx, redisKey, l.window)
	if _, err := record.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit record failed: %w", err)
	}
	return true, nil
}
