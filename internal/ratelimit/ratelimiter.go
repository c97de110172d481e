// Package ratelimit enforces per-API-key request limits.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Result describes one limiter decision.
type Result struct {
	Allowed   bool
	Limit     int // 0 means unlimited
	Remaining int
	ResetAt   time.Time // when the oldest counted request leaves the window
}

// Limiter is used to enforce per-key rate limits.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// NoopLimiter allows every request.
type NoopLimiter struct{}

func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

func (l *NoopLimiter) Allow(context.Context, string) (Result, error) {
	return Result{Allowed: true}, nil
}

// slidingWindow trims the window, counts it and records the request only
// when it is admitted. Returns {allowed, remaining, reset_ms}.
var slidingWindow = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local member = ARGV[4]

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
	local count = redis.call('ZCARD', key)

	local reset = now + window
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if oldest[2] then
		reset = tonumber(oldest[2]) + window
	end

	if count >= limit then
		return {0, 0, reset}
	end

	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, window * 2)
	return {1, limit - count - 1, reset}
`)

// RedisLimiter is a sliding-window limiter over Redis sorted sets, shared
// by every proxy instance pointing at the same Redis.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRedisLimiter allows limit requests per window per key. A limit of
// zero or less disables limiting.
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: "jihu_proxy:ratelimit:",
		now:    time.Now,
	}
}

// Allow admits or rejects one request for key.
func (rl *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	if rl.limit <= 0 {
		return Result{Allowed: true}, nil
	}

	now := rl.now()
	vals, err := slidingWindow.Run(ctx, rl.client,
		[]string{rl.prefix + key},
		now.UnixMilli(),
		rl.window.Milliseconds(),
		rl.limit,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("rate limit check failed: unexpected reply %v", vals)
	}

	return Result{
		Allowed:   vals[0] == 1,
		Limit:     rl.limit,
		Remaining: int(vals[1]),
		ResetAt:   time.UnixMilli(vals[2]),
	}, nil
}

// Usage returns the number of requests counted in the current window.
func (rl *RedisLimiter) Usage(ctx context.Context, key string) (int64, error) {
	k := rl.prefix + key
	windowStart := rl.now().Add(-rl.window).UnixMilli()

	pipe := rl.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", fmt.Sprintf("%d", windowStart))
	count := pipe.ZCard(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to get current usage: %w", err)
	}
	return count.Val(), nil
}

// Reset clears the window for key.
func (rl *RedisLimiter) Reset(ctx context.Context, key string) error {
	return rl.client.Del(ctx, rl.prefix+key).Err()
}
