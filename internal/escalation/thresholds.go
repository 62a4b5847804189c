package escalation

import (
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/abuseguard/internal/audit"
	"github.com/router-for-me/abuseguard/internal/ban"
	"github.com/router-for-me/abuseguard/internal/config"
)

// Thresholds are the cumulative qualifying-event counts that advance an identity through the tiers.
type Thresholds struct {
	Warn                int
	TempBan             int
	ExtendedBan         int
	PermanentBan        int
	BanDuration         time.Duration
	ExtendedBanDuration time.Duration
	Window              time.Duration
}

// ThresholdsFromConfig converts the abuse config section.
func ThresholdsFromConfig(cfg config.AbuseConfig) Thresholds {
	return Thresholds{
		Warn:                cfg.WarnThreshold,
		TempBan:             cfg.TempBanThreshold,
		ExtendedBan:         cfg.ExtendedBanThreshold,
		PermanentBan:        cfg.PermanentBanThreshold,
		BanDuration:         time.Duration(cfg.BanDurationSeconds) * time.Second,
		ExtendedBanDuration: time.Duration(cfg.ExtendedBanDurationSeconds) * time.Second,
		Window:              time.Duration(cfg.SlidingWindowSeconds) * time.Second,
	}
}

// Validate rejects thresholds that are not strictly increasing and positive.
func (t Thresholds) Validate() error {
	if t.Warn < 1 {
		return &config.ConfigurationError{Field: "abuse.warn-threshold", Reason: fmt.Sprintf("must be at least 1, got %d", t.Warn)}
	}
	ordered := []struct {
		field string
		prev  int
		value int
	}{
		{"abuse.temp-ban-threshold", t.Warn, t.TempBan},
		{"abuse.extended-ban-threshold", t.TempBan, t.ExtendedBan},
		{"abuse.permanent-ban-threshold", t.ExtendedBan, t.PermanentBan},
	}
	for _, step := range ordered {
		if step.value <= step.prev {
			return &config.ConfigurationError{Field: step.field, Reason: fmt.Sprintf("must be greater than %d, got %d", step.prev, step.value)}
		}
	}
	if t.BanDuration <= 0 {
		return &config.ConfigurationError{Field: "abuse.ban-duration-seconds", Reason: "must be positive"}
	}
	if t.ExtendedBanDuration < t.BanDuration {
		return &config.ConfigurationError{Field: "abuse.extended-ban-duration-seconds", Reason: "must not be shorter than the temporary ban"}
	}
	if t.Window < time.Second {
		return &config.ConfigurationError{Field: "abuse.sliding-window-seconds", Reason: "must be at least 1s"}
	}
	return nil
}

// step is one rung of the escalation ladder.
type step struct {
	action   string
	tier     ban.Tier
	duration time.Duration
}

// classify returns the highest tier reached by count. ok is false below the warn threshold.
func (t Thresholds) classify(count int) (step, bool) {
	switch {
	case count >= t.PermanentBan:
		return step{action: audit.ActionPermanentBan, tier: ban.TierPermanent}, true
	case count >= t.ExtendedBan:
		return step{action: audit.ActionExtendedBan, tier: ban.TierExtended, duration: t.ExtendedBanDuration}, true
	case count >= t.TempBan:
		return step{action: audit.ActionTempBan, tier: ban.TierTemporary, duration: t.BanDuration}, true
	case count >= t.Warn:
		return step{action: audit.ActionWarn, tier: ban.TierNone}, true
	default:
		return step{}, false
	}
}

// Filter decides which request outcomes feed escalation.
type Filter struct {
	statuses map[int]struct{}
	prefixes []string
}

// DefaultStatuses are the response codes that always count as abuse signals.
var DefaultStatuses = []int{401, 403, 429, 500}

// NewFilter builds a Filter over statuses and sensitive path prefixes.
func NewFilter(statuses []int, prefixes []string) Filter {
	f := Filter{statuses: make(map[int]struct{}, len(statuses))}
	for _, status := range statuses {
		f.statuses[status] = struct{}{}
	}
	for _, prefix := range prefixes {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			f.prefixes = append(f.prefixes, trimmed)
		}
	}
	return f
}

// Qualifies reports whether an outcome should be counted.
func (f Filter) Qualifies(status int, path string) bool {
	if _, ok := f.statuses[status]; ok {
		return true
	}
	for _, prefix := range f.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
