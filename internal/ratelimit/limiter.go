package ratelimit

import (
	"context"
	"time"
)

// Limiter answers whether an identity is over a policy's sliding window limit.
type Limiter struct {
	store CounterStore
	nowFn func() time.Time
}

// NewLimiter constructs a Limiter with default dependencies when nil.
func NewLimiter(store CounterStore, nowFn func() time.Time) *Limiter {
	if store == nil {
		store = NewLocalCounterStore()
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Limiter{store: store, nowFn: nowFn}
}

// Consume records one event for key under policy and reports the resulting quota.
func (l *Limiter) Consume(ctx context.Context, key string, policy Policy) (Result, error) {
	if errValidate := policy.Validate(); errValidate != nil {
		return Result{}, errValidate
	}
	if key == "" {
		return Result{Allowed: true, Remaining: policy.Limit}, nil
	}

	nowMs := l.nowFn().UnixMilli()
	windowMs := int64(policy.WindowSeconds) * 1000
	window, errRecord := l.store.RecordAndCount(ctx, KeyForPolicy(policy.Name, key), nowMs, policy.WindowSeconds, windowMs)
	if errRecord != nil {
		return Result{}, errRecord
	}
	return buildResult(window, policy, nowMs), nil
}

func buildResult(window Window, policy Policy, nowMs int64) Result {
	consumed := window.Count
	if consumed < 1 {
		consumed = 1
	}
	oldest := window.OldestMs
	if oldest <= 0 || oldest > nowMs {
		oldest = nowMs
	}
	resetMs := oldest + int64(policy.WindowSeconds)*1000

	remaining := policy.Limit - consumed
	if remaining < 0 {
		remaining = 0
	}
	result := Result{
		Allowed:   consumed <= policy.Limit,
		Consumed:  consumed,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(resetMs).UTC(),
	}
	if !result.Allowed {
		retry := CeilSeconds(resetMs - nowMs)
		result.RetryAfterSeconds = &retry
	}
	return result
}

// CeilSeconds converts a millisecond duration to whole seconds rounding up, never below 1.
func CeilSeconds(ms int64) int {
	if ms <= 0 {
		return 1
	}
	secs := (ms + 999) / 1000
	if secs < 1 {
		secs = 1
	}
	return int(secs)
}
