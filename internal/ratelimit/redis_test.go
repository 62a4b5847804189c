package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/abuseguard/internal/storage"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisCounterStore_SlidingWindow(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisCounterStore(client, "ag")
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

	for i := 0; i < 3; i++ {
		w, err := store.RecordAndCount(ctx, "rl:login:ip:1.2.3.4", base+int64(i)*1000, 10, 10_000)
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		if w.Count != i+1 || w.OldestMs != base {
			t.Fatalf("unexpected window after %d: %+v", i+1, w)
		}
	}

	w, err := store.RecordAndCount(ctx, "rl:login:ip:1.2.3.4", base+10_001, 10, 10_000)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if w.Count != 3 || w.OldestMs != base+1000 {
		t.Fatalf("expected first entry expired, got %+v", w)
	}

	if !mr.Exists("ag:rl:login:ip:1.2.3.4") {
		t.Fatalf("expected prefixed key to exist")
	}
	if ttl := mr.TTL("ag:rl:login:ip:1.2.3.4"); ttl <= 0 || ttl > 10*time.Second {
		t.Fatalf("expected ttl refreshed to 10s, got %s", ttl)
	}
}

func TestRedisCounterStore_SameTimestampDoesNotCollide(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisCounterStore(client, "")
	ctx := context.Background()
	now := time.Now().UnixMilli()

	const callers = 25
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.RecordAndCount(ctx, "hot", now, 60, 60_000); err != nil {
				t.Errorf("record: %v", err)
			}
		}()
	}
	wg.Wait()

	w, err := store.RecordAndCount(ctx, "hot", now, 60, 60_000)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if w.Count != callers+1 {
		t.Fatalf("expected %d entries, got %d", callers+1, w.Count)
	}
}

func TestRedisCounterStore_UnavailableError(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisCounterStore(client, "")
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if _, err := store.RecordAndCount(ctx, "k", time.Now().UnixMilli(), 60, 60_000); !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	var nilStore *RedisCounterStore
	if _, err := nilStore.RecordAndCount(ctx, "k", 1, 1, 1); !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for nil store, got %v", err)
	}
}
