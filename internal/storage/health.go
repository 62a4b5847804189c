package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	internalsettings "github.com/router-for-me/abuseguard/internal/settings"
	log "github.com/sirupsen/logrus"
)

// ErrUnavailable marks a failure to reach the shared store.
var ErrUnavailable = errors.New("shared store unavailable")

// Unavailable wraps err so callers can match it with errors.Is(err, ErrUnavailable).
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Health tracks failure episodes of the shared backend. An episode starts at the
// first failure and ends at the first success after it; one warning is logged per episode.
// While an episode is open the primary is skipped until the breaker window elapses.
type Health struct {
	name    string
	nowFn   func() time.Time
	breaker time.Duration

	mu       sync.Mutex
	degraded bool
	since    time.Time
	retryAt  time.Time
	episodes int
	onChange []func(degraded bool)
}

// NewHealth constructs a Health tracker with default dependencies when nil.
func NewHealth(name string, breaker time.Duration, nowFn func() time.Time) *Health {
	if breaker <= 0 {
		breaker = internalsettings.DefaultBreakerDuration
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Health{name: name, nowFn: nowFn, breaker: breaker}
}

// OnChange registers a callback fired when the degraded flag flips.
func (h *Health) OnChange(fn func(degraded bool)) {
	if h == nil || fn == nil {
		return
	}
	h.mu.Lock()
	h.onChange = append(h.onChange, fn)
	h.mu.Unlock()
}

// Available reports whether the primary backend should be attempted now.
func (h *Health) Available() bool {
	if h == nil {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.degraded {
		return true
	}
	return !h.nowFn().Before(h.retryAt)
}

// Fail records a primary failure, opening an episode if none is open.
func (h *Health) Fail(err error) {
	if h == nil || err == nil {
		return
	}
	now := h.nowFn()

	h.mu.Lock()
	h.retryAt = now.Add(h.breaker)
	if h.degraded {
		h.mu.Unlock()
		return
	}
	h.degraded = true
	h.since = now
	h.episodes++
	callbacks := append([]func(bool){}, h.onChange...)
	h.mu.Unlock()

	log.WithError(err).WithField("backend", h.name).Warn("abuse store: shared backend unavailable, falling back to local store")
	for _, fn := range callbacks {
		fn(true)
	}
}

// Recover closes the open episode, if any.
func (h *Health) Recover() {
	if h == nil {
		return
	}
	h.mu.Lock()
	if !h.degraded {
		h.mu.Unlock()
		return
	}
	h.degraded = false
	outage := h.nowFn().Sub(h.since)
	h.retryAt = time.Time{}
	callbacks := append([]func(bool){}, h.onChange...)
	h.mu.Unlock()

	log.WithField("backend", h.name).Infof("abuse store: shared backend recovered after %s", outage.Round(time.Millisecond))
	for _, fn := range callbacks {
		fn(false)
	}
}

// Degraded reports whether a failure episode is open.
func (h *Health) Degraded() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degraded
}

// Episodes returns the number of failure episodes observed so far.
func (h *Health) Episodes() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.episodes
}
