package ban

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/abuseguard/internal/storage"
)

// KEYS[1] ban hash; ARGV: tier, rank, reason, created ms, expires ms (0 = never), ttl ms (0 = persist).
var redisSetBanScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "rank")
if current and tonumber(current) > tonumber(ARGV[2]) then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1], "tier", ARGV[1], "rank", ARGV[2], "reason", ARGV[3], "created_at", ARGV[4], "expires_at", ARGV[5])
if tonumber(ARGV[6]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[6])
end
return 1
`)

// RedisRegistry stores ban records as Redis hashes. Temporary and extended
// bans carry a key TTL; permanent flags have none.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	nowFn  func() time.Time
}

// NewRedisRegistry constructs a RedisRegistry.
func NewRedisRegistry(client *redis.Client, prefix string, nowFn func() time.Time) *RedisRegistry {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &RedisRegistry{client: client, prefix: strings.TrimSpace(prefix), nowFn: nowFn}
}

func (r *RedisRegistry) key(identityKey string) string {
	return storage.Key(r.prefix, "ban", identityKey)
}

// SetBan implements Registry.
func (r *RedisRegistry) SetBan(ctx context.Context, key string, tier Tier, duration time.Duration, reason string) (bool, error) {
	if errValidate := validate(key, tier, duration); errValidate != nil {
		return false, errValidate
	}
	if r == nil || r.client == nil {
		return false, storage.Unavailable(errors.New("ban redis: client not configured"))
	}
	now := r.nowFn()
	var expiresMs, ttlMs int64
	if tier != TierPermanent {
		ttlMs = duration.Milliseconds()
		expiresMs = now.Add(duration).UnixMilli()
	}
	res, errEval := redisSetBanScript.Run(ctx, r.client, []string{r.key(key)},
		string(tier), tier.Rank(), reason, now.UnixMilli(), expiresMs, ttlMs).Int64()
	if errEval != nil {
		return false, storage.Unavailable(fmt.Errorf("ban redis: set: %w", errEval))
	}
	return res == 1, nil
}

// Lookup implements Registry.
func (r *RedisRegistry) Lookup(ctx context.Context, key string) (Record, error) {
	if r == nil || r.client == nil {
		return Record{}, storage.Unavailable(errors.New("ban redis: client not configured"))
	}
	fields, errGet := r.client.HGetAll(ctx, r.key(key)).Result()
	if errGet != nil {
		return Record{}, storage.Unavailable(fmt.Errorf("ban redis: lookup: %w", errGet))
	}
	record := Record{Key: key, Tier: TierNone}
	tier := ParseTier(fields["tier"])
	if tier == TierNone {
		return record, nil
	}

	record.Tier = tier
	record.Reason = fields["reason"]
	if createdMs, errParse := strconv.ParseInt(fields["created_at"], 10, 64); errParse == nil {
		record.CreatedAt = time.UnixMilli(createdMs).UTC()
	}
	if tier == TierPermanent {
		return record, nil
	}
	expiresMs, errParse := strconv.ParseInt(fields["expires_at"], 10, 64)
	if errParse != nil || expiresMs <= 0 {
		return record, nil
	}
	expiresAt := time.UnixMilli(expiresMs).UTC()
	if !r.nowFn().Before(expiresAt) {
		return Record{Key: key, Tier: TierNone}, nil
	}
	record.ExpiresAt = &expiresAt
	return record, nil
}
