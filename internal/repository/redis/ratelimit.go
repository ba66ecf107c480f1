package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const rateLimitPrefix = "ratelimit:"

// RateLimiter is a fixed one-minute window counter per key
type RateLimiter struct {
	client *Client
	limit  int64
	now    func() time.Time
}

// NewRateLimiter allows requestsPerMinute+burst hits per key and window
func NewRateLimiter(client *Client, requestsPerMinute, burst int) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  int64(requestsPerMinute + burst),
		now:    time.Now,
	}
}

// Limit is the number of requests allowed per window
func (r *RateLimiter) Limit() int {
	return int(r.limit)
}

// Allow counts one hit for key.
// Returns (allowed, remaining, resetTime, error)
func (r *RateLimiter) Allow(ctx context.Context, key string) (bool, int, time.Time, error) {
	now := r.now()
	window := now.Truncate(time.Minute)
	fullKey := fmt.Sprintf("%s%s:%d", rateLimitPrefix, key, window.Unix())

	pipe := r.client.rdb.Pipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.ExpireNX(ctx, fullKey, time.Minute)

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return false, 0, time.Time{}, fmt.Errorf("failed to execute rate limit check: %w", err)
	}

	count := incr.Val()
	remaining := int(r.limit - count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= r.limit, remaining, window.Add(time.Minute), nil
}

// Reset clears the current window for key
func (r *RateLimiter) Reset(ctx context.Context, key string) error {
	window := r.now().Truncate(time.Minute)
	return r.client.rdb.Del(ctx, fmt.Sprintf("%s%s:%d", rateLimitPrefix, key, window.Unix())).Err()
}
