package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/router-for-me/abuseguard/internal/config"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func countLevel(hook *test.Hook, level log.Level) int {
	n := 0
	for _, entry := range hook.AllEntries() {
		if entry.Level == level {
			n++
		}
	}
	return n
}

func TestHealth_WarnsOncePerEpisode(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	health := NewHealth("redis", 30*time.Second, func() time.Time { return now })

	var flips []bool
	health.OnChange(func(degraded bool) { flips = append(flips, degraded) })

	for i := 0; i < 5; i++ {
		health.Fail(errors.New("connection refused"))
	}
	if got := countLevel(hook, log.WarnLevel); got != 1 {
		t.Fatalf("expected 1 warning, got %d", got)
	}
	if !health.Degraded() {
		t.Fatalf("expected degraded")
	}
	if health.Available() {
		t.Fatalf("expected breaker to skip primary")
	}

	now = now.Add(31 * time.Second)
	if !health.Available() {
		t.Fatalf("expected probe after breaker window")
	}

	health.Recover()
	health.Recover()
	if health.Degraded() {
		t.Fatalf("expected recovered")
	}

	health.Fail(errors.New("timeout"))
	if got := countLevel(hook, log.WarnLevel); got != 2 {
		t.Fatalf("expected 2 warnings across two episodes, got %d", got)
	}
	if health.Episodes() != 2 {
		t.Fatalf("expected 2 episodes, got %d", health.Episodes())
	}
	if len(flips) != 3 || !flips[0] || flips[1] || !flips[2] {
		t.Fatalf("unexpected flips: %v", flips)
	}
}

func TestUnavailableWrapsOnce(t *testing.T) {
	err := Unavailable(Unavailable(errors.New("boom")))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable")
	}
	if Unavailable(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestPing(t *testing.T) {
	mr := miniredis.RunT(t)
	health := NewHealth("redis", time.Second, nil)
	client := NewRedisClient(config.RedisConfig{Enabled: true, Addr: mr.Addr()}, nil)
	defer func() { _ = client.Close() }()

	if err := Ping(context.Background(), client, health, time.Second); err != nil {
		t.Fatalf("ping: %v", err)
	}

	mr.Close()
	if err := Ping(context.Background(), client, health, 200*time.Millisecond); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if !health.Degraded() {
		t.Fatalf("expected degraded after failed ping")
	}
}

func TestNewRedisClientDisabled(t *testing.T) {
	if client := NewRedisClient(config.RedisConfig{Addr: "localhost:6379"}, nil); client != nil {
		t.Fatalf("expected nil client when disabled")
	}
}

func TestKey(t *testing.T) {
	if got := Key("ag:", "ban", "", "ip:1.2.3.4"); got != "ag:ban:ip:1.2.3.4" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := Key("", "ban"); got != "ban" {
		t.Fatalf("unexpected key %q", got)
	}
}
