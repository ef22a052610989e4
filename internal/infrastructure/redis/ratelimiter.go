package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const rateLimitKeyPrefix = "rate_limit:"

// slidingWindow admits a request when fewer than limit requests were seen in
// the window. Returns {allowed, retry_after_ms}.
var slidingWindow = redis.NewScript(`
	local key = KEYS[1]
	local window_start = tonumber(ARGV[1])
	local now = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local window_ms = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
	local current = redis.call('ZCARD', key)
	if current < limit then
		redis.call('ZADD', key, now, now .. ':' .. math.random())
		redis.call('PEXPIRE', key, window_ms)
		return {1, 0}
	end

	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local retry = window_ms
	if #oldest > 0 then
		retry = tonumber(oldest[2]) + window_ms - now
	end
	return {0, retry}
`)

// RateLimiter is a sliding-window limiter shared by every API replica
type RateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRateLimiter admits limit requests per key in each window
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, limit: limit, window: window}
}

// Allow records a request for key and reports whether it is admitted
func (r *RateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := time.Now()
	res, err := slidingWindow.Run(ctx, r.client, []string{rateLimitKeyPrefix + key},
		now.Add(-r.window).UnixMilli(), now.UnixMilli(), r.limit, r.window.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected result format from rate limiter")
	}
	retry := time.Duration(res[1]) * time.Millisecond
	if retry < 0 {
		retry = 0
	}
	return res[0] == 1, retry, nil
}

// Reset forgets the requests recorded for key
func (r *RateLimiter) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, rateLimitKeyPrefix+key).Err()
}
