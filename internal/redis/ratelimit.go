package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum requests allowed per window
	Window time.Duration // Fixed window length
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter implements fixed-window rate limiting using Redis INCR.
// A window bucket is keyed by the truncated window start, so all instances
// sharing the Redis see the same counter.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Allow checks if a request is allowed under the rate limit.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	now := time.Now()
	windowStart := now.Truncate(r.config.Window)
	resetAt := windowStart.Add(r.config.Window)

	redisKey := fmt.Sprintf("ratelimit:%s:%d", key, windowStart.Unix())

	pipe := r.client.rdb.Pipeline()
	countCmd := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, r.config.Window+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	count := int(countCmd.Val())
	if count > r.config.Limit {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("count", count),
			zap.Int("limit", r.config.Limit),
		)
		return &RateLimitResult{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   resetAt,
		}, nil
	}

	return &RateLimitResult{
		Allowed:   true,
		Remaining: r.config.Limit - count,
		ResetAt:   resetAt,
	}, nil
}
