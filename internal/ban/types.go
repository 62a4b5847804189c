package ban

import (
	"context"
	"errors"
	"time"
)

// Tier is the severity of an access restriction.
type Tier string

const (
	TierNone      Tier = "none"
	TierTemporary Tier = "temporary"
	TierExtended  Tier = "extended"
	TierPermanent Tier = "permanent"
)

// Rank orders tiers by severity.
func (t Tier) Rank() int {
	switch t {
	case TierTemporary:
		return 1
	case TierExtended:
		return 2
	case TierPermanent:
		return 3
	default:
		return 0
	}
}

// ParseTier converts a stored tier name back to a Tier.
func ParseTier(raw string) Tier {
	switch Tier(raw) {
	case TierTemporary, TierExtended, TierPermanent:
		return Tier(raw)
	default:
		return TierNone
	}
}

// ErrInvalidBan is returned for ban requests that cannot be stored.
var ErrInvalidBan = errors.New("ban: invalid request")

// Record is the active restriction for one identity key. At most one exists per key.
type Record struct {
	Key       string     `json:"key"`
	Tier      Tier       `json:"tier"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Banned reports whether the record blocks access.
func (r Record) Banned() bool { return r.Tier.Rank() > 0 }

// Permanent reports whether the record is a permanent flag.
func (r Record) Permanent() bool { return r.Tier == TierPermanent }

// RetryAfterSeconds returns the whole seconds until expiry, rounded up, or nil for permanent flags and clear keys.
func (r Record) RetryAfterSeconds(now time.Time) *int {
	if !r.Banned() || r.Permanent() || r.ExpiresAt == nil {
		return nil
	}
	ms := r.ExpiresAt.Sub(now).Milliseconds()
	secs := int((ms + 999) / 1000)
	if secs < 1 {
		secs = 1
	}
	return &secs
}

// Registry stores ban records per identity key.
//
// SetBan overwrites the key's record unless a live record of a higher tier
// exists, in which case it reports applied=false. Re-setting the same tier
// refreshes the duration. duration is ignored for TierPermanent.
type Registry interface {
	SetBan(ctx context.Context, key string, tier Tier, duration time.Duration, reason string) (applied bool, err error)
	Lookup(ctx context.Context, key string) (Record, error)
}

// FailingOver is implemented by registries that answer from a local view while
// their shared store is unavailable.
type FailingOver interface {
	FailingOver() bool
}

// IsBanned reports whether key is under any active restriction.
func IsBanned(ctx context.Context, registry Registry, key string) (bool, error) {
	record, err := registry.Lookup(ctx, key)
	if err != nil {
		return false, err
	}
	return record.Banned(), nil
}

// IsPermanentlyFlagged reports whether key carries a permanent flag.
func IsPermanentlyFlagged(ctx context.Context, registry Registry, key string) (bool, error) {
	record, err := registry.Lookup(ctx, key)
	if err != nil {
		return false, err
	}
	return record.Permanent(), nil
}

func validate(key string, tier Tier, duration time.Duration) error {
	if key == "" {
		return errors.Join(ErrInvalidBan, errors.New("empty key"))
	}
	switch tier {
	case TierPermanent:
		return nil
	case TierTemporary, TierExtended:
		if duration <= 0 {
			return errors.Join(ErrInvalidBan, errors.New("temporary and extended bans need a positive duration"))
		}
		return nil
	default:
		return errors.Join(ErrInvalidBan, errors.New("unknown tier "+string(tier)))
	}
}
