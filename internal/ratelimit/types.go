package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Window describes a key's sliding window right after an event was recorded.
type Window struct {
	Count    int
	OldestMs int64
}

// CounterStore records events into per-key sliding windows.
//
// RecordAndCount must, as one atomic step, drop entries older than
// nowMs-windowSeconds*1000, insert an entry at nowMs, refresh the key expiry
// to ttlMs and return the resulting count and oldest remaining timestamp.
type CounterStore interface {
	RecordAndCount(ctx context.Context, key string, nowMs int64, windowSeconds int, ttlMs int64) (Window, error)
}

// ErrInvalidPolicy is returned for policies that cannot be enforced.
var ErrInvalidPolicy = errors.New("rate limit: invalid policy")

// Policy is a per call-site limit.
type Policy struct {
	Name          string
	Limit         int
	WindowSeconds int
}

// Validate checks the policy can be enforced.
func (p Policy) Validate() error {
	if p.Limit < 1 {
		return fmt.Errorf("%w: %q limit must be at least 1, got %d", ErrInvalidPolicy, p.Name, p.Limit)
	}
	if p.WindowSeconds < 1 {
		return fmt.Errorf("%w: %q window must be at least 1s, got %d", ErrInvalidPolicy, p.Name, p.WindowSeconds)
	}
	return nil
}

// Result describes the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Consumed  int
	Remaining int
	// RetryAfterSeconds is set only when the request is denied.
	RetryAfterSeconds *int
	ResetAt           time.Time
}
