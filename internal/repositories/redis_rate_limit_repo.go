package repositories

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisRateLimitPrefix = "ratelimit:"

// slidingWindowScript prunes, counts, and appends in one atomic step.
// Scores are unix milliseconds. Returns {allowed, count, oldest_ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local oldest_ms = now
  if oldest[2] then
    oldest_ms = tonumber(oldest[2])
  end
  return {0, count, oldest_ms}
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
return {1, count + 1, 0}
`)

// RedisRateLimitRepository is the Redis sliding-window store, one sorted set per scope key
type RedisRateLimitRepository struct {
	client redis.UniversalClient
}

func NewRedisRateLimitRepository(client redis.UniversalClient) *RedisRateLimitRepository {
	return &RedisRateLimitRepository{client: client}
}

func (r *RedisRateLimitRepository) CheckAndConsume(ctx context.Context, scopeKey string, window time.Duration, max int, now time.Time) (*models.RateLimitDecision, error) {
	vals, err := slidingWindowScript.Run(ctx, r.client,
		[]string{redisRateLimitPrefix + scopeKey},
		now.UnixMilli(), window.Milliseconds(), max, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("sliding window script: %w", err)
	}
	if len(vals) < 3 {
		return nil, fmt.Errorf("unexpected redis script result: %v", vals)
	}

	if vals[0] == 1 {
		return &models.RateLimitDecision{Allowed: true, Remaining: max - int(vals[1])}, nil
	}
	return &models.RateLimitDecision{
		Allowed:    false,
		Remaining:  0,
		RetryAfter: time.UnixMilli(vals[2]).Add(window),
	}, nil
}

func (r *RedisRateLimitRepository) Peek(ctx context.Context, scopeKey string, window time.Duration, now time.Time) (*models.RateLimitWindow, error) {
	z, err := r.client.ZRangeByScoreWithScores(ctx, redisRateLimitPrefix+scopeKey, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now.Add(-window).UnixMilli(), 10),
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to peek window: %w", err)
	}

	w := &models.RateLimitWindow{Count: len(z)}
	if len(z) > 0 {
		oldest := time.UnixMilli(int64(z[0].Score))
		w.Oldest = &oldest
	}
	return w, nil
}

func (r *RedisRateLimitRepository) Clear(ctx context.Context, scopeKey string) error {
	if err := r.client.Del(ctx, redisRateLimitPrefix+scopeKey).Err(); err != nil {
		return fmt.Errorf("failed to clear scope: %w", err)
	}
	return nil
}

// PurgeBefore is a no-op: the script prunes each set and keys carry a TTL
func (r *RedisRateLimitRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
