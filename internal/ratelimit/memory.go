package ratelimit

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type localWindow struct {
	entries   []int64
	expiresAt int64
}

// LocalCounterStore is the in-process sliding window store used when the
// shared backend is unavailable. It is not shared across instances.
type LocalCounterStore struct {
	mu      sync.Mutex
	windows map[string]*localWindow
}

// NewLocalCounterStore constructs a LocalCounterStore.
func NewLocalCounterStore() *LocalCounterStore {
	return &LocalCounterStore{
		windows: make(map[string]*localWindow),
	}
}

// RecordAndCount implements CounterStore.
func (s *LocalCounterStore) RecordAndCount(_ context.Context, key string, nowMs int64, windowSeconds int, ttlMs int64) (Window, error) {
	cutoff := nowMs - int64(windowSeconds)*1000

	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.windows[key]
	if w == nil || (w.expiresAt > 0 && nowMs >= w.expiresAt) {
		w = &localWindow{}
		s.windows[key] = w
	}
	kept := w.entries[:0]
	for _, at := range w.entries {
		if at >= cutoff {
			kept = append(kept, at)
		}
	}
	w.entries = append(kept, nowMs)
	if ttlMs > 0 {
		w.expiresAt = nowMs + ttlMs
	} else {
		w.expiresAt = 0
	}

	oldest := nowMs
	for _, at := range w.entries {
		if at < oldest {
			oldest = at
		}
	}
	return Window{Count: len(w.entries), OldestMs: oldest}, nil
}

// Prune drops entries older than retention and windows past their expiry.
// It returns the number of keys removed.
func (s *LocalCounterStore) Prune(now time.Time, retention time.Duration) int {
	nowMs := now.UnixMilli()
	cutoff := nowMs - retention.Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, w := range s.windows {
		if w.expiresAt > 0 && nowMs >= w.expiresAt {
			delete(s.windows, key)
			removed++
			continue
		}
		kept := w.entries[:0]
		for _, at := range w.entries {
			if at >= cutoff {
				kept = append(kept, at)
			}
		}
		w.entries = kept
		if len(w.entries) == 0 {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (s *LocalCounterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// StartJanitor prunes the store on a fixed interval until ctx is done.
func (s *LocalCounterStore) StartJanitor(ctx context.Context, interval, retention time.Duration, nowFn func() time.Time) {
	if interval <= 0 {
		return
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := s.Prune(nowFn(), retention); removed > 0 {
					log.WithField("removed", removed).Debug("rate limit: pruned local counter windows")
				}
			}
		}
	}()
}
