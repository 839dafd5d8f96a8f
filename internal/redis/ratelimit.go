package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/ratelimit"
)

// slidingWindowScript trims the window, counts it and adds the new hit in
// one round trip so concurrent workers never overshoot the limit.
// Returns {allowed, remaining, retryAfterMs}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return {1, limit - count - 1, 0}
end

local retry = window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
  retry = tonumber(oldest[2]) + window - now
end
if retry < 1 then
  retry = 1
end
return {0, 0, retry}
`)

// SlidingWindowStore is the shared ratelimit.Store backed by Redis sorted sets.
type SlidingWindowStore struct {
	client *Client
	logger *zap.Logger
}

// NewSlidingWindowStore creates a rate limit store on the given client.
func NewSlidingWindowStore(client *Client, logger *zap.Logger) *SlidingWindowStore {
	return &SlidingWindowStore{
		client: client,
		logger: logger,
	}
}

// Consume implements ratelimit.Store.
func (s *SlidingWindowStore) Consume(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (ratelimit.Decision, error) {
	redisKey := fmt.Sprintf("ratelimit:%s", key)
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())

	res, err := slidingWindowScript.Run(ctx, s.client.rdb,
		[]string{redisKey},
		now.UnixMilli(), window.Milliseconds(), limit, member,
	).Int64Slice()
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("redis rate limit script failed: %w", err)
	}
	if len(res) != 3 {
		return ratelimit.Decision{}, fmt.Errorf("unexpected rate limit reply: %v", res)
	}

	return ratelimit.Decision{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

// NewRateLimiter returns a limiter whose counters live under
// "ratelimit:<key>" in Redis.
func NewRateLimiter(client *Client, logger *zap.Logger, opts ...ratelimit.Option) *ratelimit.Limiter {
	return ratelimit.New(NewSlidingWindowStore(client, logger), logger, opts...)
}
