package ban

import (
	"context"
	"errors"
	"time"

	"github.com/router-for-me/abuseguard/internal/storage"
)

// FailoverRegistry prefers the shared registry and falls back to a local one
// while the shared store is failing. Lookups consult both so bans written
// during an outage keep applying on this instance after recovery.
type FailoverRegistry struct {
	primary  Registry
	fallback *MemoryRegistry
	health   *storage.Health
	timeout  time.Duration
}

// NewFailoverRegistry constructs a FailoverRegistry. A nil primary always uses the fallback.
func NewFailoverRegistry(primary Registry, fallback *MemoryRegistry, health *storage.Health, timeout time.Duration) *FailoverRegistry {
	if fallback == nil {
		fallback = NewMemoryRegistry(nil)
	}
	return &FailoverRegistry{primary: primary, fallback: fallback, health: health, timeout: timeout}
}

// SetBan implements Registry.
func (r *FailoverRegistry) SetBan(ctx context.Context, key string, tier Tier, duration time.Duration, reason string) (bool, error) {
	if errValidate := validate(key, tier, duration); errValidate != nil {
		return false, errValidate
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if r.primary != nil && r.health.Available() {
		callCtx, cancel := r.withTimeout(ctx)
		applied, errSet := r.primary.SetBan(callCtx, key, tier, duration, reason)
		cancel()
		if errSet == nil {
			r.health.Recover()
			return applied, nil
		}
		r.fail(ctx, errSet)
	}
	return r.fallback.SetBan(ctx, key, tier, duration, reason)
}

// Lookup implements Registry, returning the more severe of the shared and local records.
func (r *FailoverRegistry) Lookup(ctx context.Context, key string) (Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	local, errLocal := r.fallback.Lookup(ctx, key)
	if errLocal != nil {
		return Record{}, errLocal
	}
	if r.primary == nil || !r.health.Available() {
		return local, nil
	}

	callCtx, cancel := r.withTimeout(ctx)
	shared, errShared := r.primary.Lookup(callCtx, key)
	cancel()
	if errShared != nil {
		r.fail(ctx, errShared)
		return local, nil
	}
	r.health.Recover()
	if local.Tier.Rank() > shared.Tier.Rank() {
		return local, nil
	}
	return shared, nil
}

// IsBanned reports whether key is under any active restriction.
func (r *FailoverRegistry) IsBanned(ctx context.Context, key string) (bool, error) {
	return IsBanned(ctx, r, key)
}

// IsPermanentlyFlagged reports whether key carries a permanent flag.
func (r *FailoverRegistry) IsPermanentlyFlagged(ctx context.Context, key string) (bool, error) {
	return IsPermanentlyFlagged(ctx, r, key)
}

// FailingOver reports whether a configured shared registry is currently being bypassed.
func (r *FailoverRegistry) FailingOver() bool {
	return r.primary != nil && r.health.Degraded()
}

// Local exposes the in-process registry, mainly for its janitor.
func (r *FailoverRegistry) Local() *MemoryRegistry { return r.fallback }

func (r *FailoverRegistry) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *FailoverRegistry) fail(ctx context.Context, err error) {
	if ctx.Err() != nil || errors.Is(err, ErrInvalidBan) {
		return
	}
	r.health.Fail(err)
}
