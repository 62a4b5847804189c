package ban

import (
	"context"
	"sync"
	"time"
)

// banState is kept apart from counter data so expiry never depends on event bookkeeping.
type banState struct {
	tier      Tier
	reason    string
	createdAt time.Time
	expiresAt time.Time
}

func (s banState) live(now time.Time) bool {
	return s.tier == TierPermanent || now.Before(s.expiresAt)
}

// MemoryRegistry is the in-process ban registry used when the shared store is unavailable.
type MemoryRegistry struct {
	nowFn func() time.Time

	mu   sync.Mutex
	bans map[string]banState
}

// NewMemoryRegistry constructs a MemoryRegistry.
func NewMemoryRegistry(nowFn func() time.Time) *MemoryRegistry {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &MemoryRegistry{nowFn: nowFn, bans: make(map[string]banState)}
}

// SetBan implements Registry.
func (r *MemoryRegistry) SetBan(_ context.Context, key string, tier Tier, duration time.Duration, reason string) (bool, error) {
	if errValidate := validate(key, tier, duration); errValidate != nil {
		return false, errValidate
	}
	now := r.nowFn()

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.bans[key]; ok && current.live(now) && current.tier.Rank() > tier.Rank() {
		return false, nil
	}
	state := banState{tier: tier, reason: reason, createdAt: now}
	if tier != TierPermanent {
		state.expiresAt = now.Add(duration)
	}
	r.bans[key] = state
	return true, nil
}

// Lookup implements Registry.
func (r *MemoryRegistry) Lookup(_ context.Context, key string) (Record, error) {
	now := r.nowFn()

	r.mu.Lock()
	state, ok := r.bans[key]
	if ok && !state.live(now) {
		delete(r.bans, key)
		ok = false
	}
	r.mu.Unlock()

	if !ok {
		return Record{Key: key, Tier: TierNone}, nil
	}
	record := Record{Key: key, Tier: state.tier, Reason: state.reason, CreatedAt: state.createdAt}
	if state.tier != TierPermanent {
		expiresAt := state.expiresAt
		record.ExpiresAt = &expiresAt
	}
	return record, nil
}

// Prune removes expired bans and returns how many were dropped.
func (r *MemoryRegistry) Prune() int {
	now := r.nowFn()
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key, state := range r.bans {
		if !state.live(now) {
			delete(r.bans, key)
			removed++
		}
	}
	return removed
}

// StartJanitor prunes expired bans on a fixed interval until ctx is done.
func (r *MemoryRegistry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Prune()
			}
		}
	}()
}
