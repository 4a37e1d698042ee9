package ratecoord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStoreUnavailable wraps any Redis failure so Coordinator.ReserveRefresh
// can fail closed rather than silently granting a reservation it could not
// actually check.
var ErrStoreUnavailable = errors.New("ratecoord: redis store unavailable")

// reserveRefreshScript atomically trims the sorted set to the last
// RefreshWindow seconds, checks both the min-gap and max-count rules, and —
// only if both pass — appends `now`. Running this as one Lua script is what
// makes "no more than one per 180s, no more than ten per 600s" hold across
// concurrent broker instances sharing the same Redis: the whole
// check-then-append is one atomic operation from Redis's perspective, so two
// instances racing to refresh the same tenant cannot both win.
const reserveRefreshScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local min_gap = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local max_count = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local last = redis.call('ZRANGE', key, -1, -1, 'WITHSCORES')
if #last > 0 then
	local lastTs = tonumber(last[2])
	if now - lastTs < min_gap then
		return {0, min_gap - (now - lastTs)}
	end
end

local count = redis.call('ZCARD', key)
if count >= max_count then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local oldestTs = tonumber(oldest[2])
	local retry = window - (now - oldestTs)
	if retry < 0 then retry = 0 end
	return {0, retry}
end

redis.call('ZADD', key, now, tostring(now))
redis.call('EXPIRE', key, window)
return {1, 0}
`

// recordCallScript is a simple fixed-window counter with TTL: INCR then, on
// the first increment of the window, set the expiry.
const recordCallScript = `
local key = KEYS[1]
local size = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])

if limit <= 0 then
	return {1, 0}
end

local count = redis.call('INCR', key)
if count == 1 then
	redis.call('EXPIRE', key, size)
end

if count > limit then
	local ttl = redis.call('TTL', key)
	if ttl < 0 then ttl = size end
	return {0, ttl}
end

return {1, 0}
`

// RedisStore shares rate-coordinator state across broker instances via
// Redis, grounded in wisbric-nightowl's internal/platform/redis.go client
// construction and Generativebots-ocx-backend-go-svc's go-redis dependency.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an already-constructed redis.Client.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "sdpbridge:ratecoord:"
	}
	return &RedisStore{client: client, prefix: keyPrefix}
}

func (s *RedisStore) ReserveRefresh(ctx context.Context, tenantID string, now time.Time) (Decision, error) {
	key := s.prefix + "refresh:" + tenantID
	res, err := s.client.Eval(ctx, reserveRefreshScript, []string{key},
		now.Unix(), int64(RefreshMinGap.Seconds()), int64(RefreshWindow.Seconds()), RefreshMax).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return decodeDecision(res)
}

func (s *RedisStore) RecordCall(ctx context.Context, tenantID string, now time.Time, limits CallLimits) (Decision, error) {
	windows := []struct {
		suffix string
		size   time.Duration
		limit  int
	}{
		{"minute", time.Minute, limits.PerMinute},
		{"hour", time.Hour, limits.PerHour},
		{"day", 24 * time.Hour, limits.PerDay},
	}

	for _, w := range windows {
		key := fmt.Sprintf("%scalls:%s:%s", s.prefix, tenantID, w.suffix)
		res, err := s.client.Eval(ctx, recordCallScript, []string{key}, int64(w.size.Seconds()), w.limit).Result()
		if err != nil {
			return Decision{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		d, err := decodeDecision(res)
		if err != nil {
			return Decision{}, err
		}
		if !d.Allowed {
			return d, nil
		}
	}
	return Decision{Allowed: true}, nil
}

func (s *RedisStore) Reset(ctx context.Context, tenantID string) error {
	keys := []string{
		s.prefix + "refresh:" + tenantID,
		fmt.Sprintf("%scalls:%s:minute", s.prefix, tenantID),
		fmt.Sprintf("%scalls:%s:hour", s.prefix, tenantID),
		fmt.Sprintf("%scalls:%s:day", s.prefix, tenantID),
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func decodeDecision(res interface{}) (Decision, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return Decision{}, fmt.Errorf("%w: unexpected script result shape", ErrStoreUnavailable)
	}
	allowed, ok1 := arr[0].(int64)
	retryAfter, ok2 := arr[1].(int64)
	if !ok1 || !ok2 {
		return Decision{}, fmt.Errorf("%w: unexpected script result types", ErrStoreUnavailable)
	}
	return Decision{Allowed: allowed == 1, RetryAfter: time.Duration(retryAfter) * time.Second}, nil
}
