package ratelimit

import (
	"context"
	"time"

	"github.com/router-for-me/abuseguard/internal/storage"
)

// FailoverStore prefers the shared primary store and falls back to a local
// store while the primary is failing. It never returns the primary's error.
type FailoverStore struct {
	primary  CounterStore
	fallback CounterStore
	health   *storage.Health
	timeout  time.Duration
}

// NewFailoverStore constructs a FailoverStore. A nil primary always uses the fallback.
func NewFailoverStore(primary, fallback CounterStore, health *storage.Health, timeout time.Duration) *FailoverStore {
	if fallback == nil {
		fallback = NewLocalCounterStore()
	}
	return &FailoverStore{
		primary:  primary,
		fallback: fallback,
		health:   health,
		timeout:  timeout,
	}
}

// RecordAndCount implements CounterStore using the best available backend.
func (s *FailoverStore) RecordAndCount(ctx context.Context, key string, nowMs int64, windowSeconds int, ttlMs int64) (Window, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.primary != nil && s.health.Available() {
		if window, ok := s.recordPrimary(ctx, key, nowMs, windowSeconds, ttlMs); ok {
			return window, nil
		}
	}
	return s.fallback.RecordAndCount(ctx, key, nowMs, windowSeconds, ttlMs)
}

func (s *FailoverStore) recordPrimary(ctx context.Context, key string, nowMs int64, windowSeconds int, ttlMs int64) (Window, bool) {
	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	window, errRecord := s.primary.RecordAndCount(callCtx, key, nowMs, windowSeconds, ttlMs)
	if errRecord != nil {
		// A caller that gave up is not evidence the store is down.
		if ctx.Err() == nil {
			s.health.Fail(errRecord)
		}
		return Window{}, false
	}
	s.health.Recover()
	return window, true
}

// Degraded reports whether the store is currently serving from the local fallback.
func (s *FailoverStore) Degraded() bool {
	if s.primary == nil {
		return true
	}
	return s.health.Degraded()
}
