package storage

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/abuseguard/internal/config"
)

// RedisClientFactory constructs a Redis client for the given options.
type RedisClientFactory func(options *redis.Options) *redis.Client

// NewRedisClient builds the shared store client. It returns nil when Redis is disabled.
func NewRedisClient(cfg config.RedisConfig, factory RedisClientFactory) *redis.Client {
	if !cfg.Enabled || strings.TrimSpace(cfg.Addr) == "" {
		return nil
	}
	if factory == nil {
		factory = redis.NewClient
	}
	db := cfg.DB
	if db < 0 {
		db = 0
	}
	return factory(&redis.Options{
		Addr:     strings.TrimSpace(cfg.Addr),
		Password: cfg.Password,
		DB:       db,
	})
}

// Ping checks the client within timeout and reports the result to health.
func Ping(ctx context.Context, client *redis.Client, health *Health, timeout time.Duration) error {
	if client == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctxPing, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if errPing := client.Ping(ctxPing).Err(); errPing != nil {
		errUnavailable := Unavailable(errPing)
		health.Fail(errUnavailable)
		return errUnavailable
	}
	health.Recover()
	return nil
}

// Key joins a prefix and key parts with colons, skipping empty parts.
func Key(prefix string, parts ...string) string {
	out := make([]string, 0, len(parts)+1)
	if trimmed := strings.Trim(strings.TrimSpace(prefix), ":"); trimmed != "" {
		out = append(out, trimmed)
	}
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return strings.Join(out, ":")
}
