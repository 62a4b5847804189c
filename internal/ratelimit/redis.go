package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/abuseguard/internal/storage"
)

// KEYS[1] window key; ARGV: now ms, exclusive cutoff, ttl ms, member.
var redisWindowScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[4])
if tonumber(ARGV[3]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
local count = redis.call("ZCARD", KEYS[1])
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local oldestScore = tonumber(ARGV[1])
if #oldest > 0 then
  oldestScore = tonumber(oldest[2])
end
return {count, oldestScore}
`)

// RedisCounterStore implements a sliding window counter backed by a Redis sorted set.
// Every call is a single server-side script, so concurrent callers never lose increments.
type RedisCounterStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCounterStore constructs a RedisCounterStore.
func NewRedisCounterStore(client *redis.Client, prefix string) *RedisCounterStore {
	return &RedisCounterStore{
		client: client,
		prefix: strings.TrimSpace(prefix),
	}
}

// RecordAndCount implements CounterStore.
func (s *RedisCounterStore) RecordAndCount(ctx context.Context, key string, nowMs int64, windowSeconds int, ttlMs int64) (Window, error) {
	if s == nil || s.client == nil {
		return Window{}, storage.Unavailable(errors.New("rate limit redis: client not configured"))
	}
	cutoff := nowMs - int64(windowSeconds)*1000
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()
	res, errEval := redisWindowScript.Run(ctx, s.client, []string{storage.Key(s.prefix, key)},
		nowMs, "("+strconv.FormatInt(cutoff, 10), ttlMs, member).Result()
	if errEval != nil {
		return Window{}, storage.Unavailable(fmt.Errorf("rate limit redis: %w", errEval))
	}
	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return Window{}, errors.New("rate limit redis: unexpected response type")
	}
	count, okCount := toInt64(values[0])
	oldest, okOldest := toInt64(values[1])
	if !okCount || !okOldest {
		return Window{}, errors.New("rate limit redis: unexpected response type")
	}
	return Window{Count: int(count), OldestMs: oldest}, nil
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint64:
		return int64(n), true
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}
