package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/router-for-me/abuseguard/internal/audit"
	"github.com/router-for-me/abuseguard/internal/ban"
	"github.com/router-for-me/abuseguard/internal/config"
	"github.com/router-for-me/abuseguard/internal/identity"
	"github.com/router-for-me/abuseguard/internal/ratelimit"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordingSink) Log(_ context.Context, event audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, event := range s.events {
		out = append(out, event.Action)
	}
	return out
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testThresholds() Thresholds {
	return Thresholds{
		Warn:                5,
		TempBan:             10,
		ExtendedBan:         20,
		PermanentBan:        30,
		BanDuration:         15 * time.Minute,
		ExtendedBanDuration: 24 * time.Hour,
		Window:              time.Hour,
	}
}

type fixture struct {
	engine *Engine
	bans   *ban.MemoryRegistry
	sink   *recordingSink
	clock  *clock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	c := &clock{now: time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)}
	bans := ban.NewMemoryRegistry(c.Now)
	sink := &recordingSink{}
	engine, err := NewEngine(Options{
		Counters:   ratelimit.NewLocalCounterStore(),
		Bans:       bans,
		Sink:       sink,
		Thresholds: testThresholds(),
		Filter:     NewFilter(DefaultStatuses, []string{"/api/auth", "/admin"}),
		Now:        c.Now,
	})
	require.NoError(t, err)
	return fixture{engine: engine, bans: bans, sink: sink, clock: c}
}

func failedLogin(ip string) Outcome {
	return Outcome{Identity: identity.Identity{IP: ip}, Status: 401, Path: "/api/auth/login", Method: "POST"}
}

func TestEngine_FailedLoginScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		require.Empty(t, f.engine.Observe(ctx, failedLogin("1.2.3.4")), "attempt %d", i)
		f.clock.Advance(time.Second)
	}
	require.Empty(t, f.sink.actions())

	transitions := f.engine.Observe(ctx, failedLogin("1.2.3.4"))
	require.Len(t, transitions, 1)
	require.Equal(t, audit.ActionWarn, transitions[0].Action)
	require.Equal(t, 5, transitions[0].Count)

	banned, err := ban.IsBanned(ctx, f.bans, "ip:1.2.3.4")
	require.NoError(t, err)
	require.False(t, banned, "warn must not ban")

	for i := 6; i <= 10; i++ {
		f.clock.Advance(time.Second)
		f.engine.Observe(ctx, failedLogin("1.2.3.4"))
	}
	actions := f.sink.actions()
	require.Equal(t, audit.ActionTempBan, actions[len(actions)-1])

	record, err := f.bans.Lookup(ctx, "ip:1.2.3.4")
	require.NoError(t, err)
	require.Equal(t, ban.TierTemporary, record.Tier)
	require.NotNil(t, record.RetryAfterSeconds(f.clock.Now()))
	require.Equal(t, 15*60, *record.RetryAfterSeconds(f.clock.Now()))

	f.clock.Advance(15 * time.Minute)
	banned, _ = ban.IsBanned(ctx, f.bans, "ip:1.2.3.4")
	require.False(t, banned, "temporary ban must lapse")
}

func TestEngine_IgnoresNonQualifyingOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	outcomes := []Outcome{
		{Identity: identity.Identity{IP: "9.9.9.9"}, Status: 404, Path: "/api/workouts", Method: "GET"},
		{Identity: identity.Identity{IP: "9.9.9.9"}, Status: 200, Path: "/api/sessions", Method: "GET"},
		{Identity: identity.Identity{IP: "9.9.9.9"}, Status: 400, Path: "/api/profile", Method: "PUT"},
	}
	for i := 0; i < 20; i++ {
		for _, outcome := range outcomes {
			require.Empty(t, f.engine.Observe(ctx, outcome))
		}
	}
	require.Empty(t, f.sink.actions())
}

func TestEngine_SensitivePathCountsSuccess(t *testing.T) {
	f := newFixture(t)
	ok := Outcome{Identity: identity.Identity{IP: "4.4.4.4"}, Status: 200, Path: "/admin/users", Method: "GET"}
	require.True(t, f.engine.Qualifies(ok))
	for i := 0; i < 5; i++ {
		f.engine.Observe(context.Background(), ok)
	}
	require.Equal(t, []string{audit.ActionWarn}, f.sink.actions())
}

func TestEngine_IPAndUserEvaluatedIndependently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The user spreads attempts over two addresses; neither address reaches the ban tier.
	for i := 0; i < 10; i++ {
		ip := "10.0.0.1"
		if i%2 == 1 {
			ip = "10.0.0.2"
		}
		f.engine.Observe(ctx, Outcome{
			Identity: identity.Identity{IP: ip, UserID: "77", Role: "athlete"},
			Status:   403,
			Path:     "/api/teams/3",
			Method:   "DELETE",
		})
	}

	userBanned, err := ban.IsBanned(ctx, f.bans, "user:77")
	require.NoError(t, err)
	require.True(t, userBanned)
	for _, ip := range []string{"ip:10.0.0.1", "ip:10.0.0.2"} {
		banned, _ := ban.IsBanned(ctx, f.bans, ip)
		require.False(t, banned, ip)
	}

	var last audit.Event
	for _, event := range f.sink.events {
		if event.Action == audit.ActionTempBan {
			last = event
		}
	}
	require.NotNil(t, last.ActorID)
	require.Equal(t, "77", *last.ActorID)
	require.Equal(t, "user:77", last.Details["key"])
}

func TestEngine_SingleRequestCanBanBothScopes(t *testing.T) {
	f := newFixture(t)
	outcome := Outcome{Identity: identity.Identity{IP: "8.8.4.4", UserID: "5"}, Status: 500, Path: "/api/x", Method: "POST"}
	var last []Transition
	for i := 0; i < 10; i++ {
		last = f.engine.Observe(context.Background(), outcome)
	}
	require.Len(t, last, 2)
	require.Equal(t, "ip", last[0].Scope)
	require.Equal(t, "user", last[1].Scope)
	require.Equal(t, audit.ActionTempBan, last[0].Action)
	require.Equal(t, audit.ActionTempBan, last[1].Action)
}

func TestEngine_TierOnlyMovesForward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := "ip:6.6.6.6"

	var seen []ban.Tier
	for i := 1; i <= 25; i++ {
		f.engine.Observe(ctx, failedLogin("6.6.6.6"))
		record, err := f.bans.Lookup(ctx, key)
		require.NoError(t, err)
		if len(seen) == 0 || seen[len(seen)-1] != record.Tier {
			seen = append(seen, record.Tier)
		}
		f.clock.Advance(time.Second)
	}
	require.Equal(t, []ban.Tier{ban.TierNone, ban.TierTemporary, ban.TierExtended}, seen)

	// The window slides back under the extended threshold while the extended ban is live.
	f.clock.Advance(59*time.Minute + 45*time.Second)
	transitions := f.engine.Observe(ctx, failedLogin("6.6.6.6"))
	require.Len(t, transitions, 1)
	require.Equal(t, audit.ActionTempBan, transitions[0].Action)
	require.False(t, transitions[0].Applied, "temporary ban must not replace a live extended ban")
	record, _ := f.bans.Lookup(ctx, key)
	require.Equal(t, ban.TierExtended, record.Tier)
}

func TestEngine_PermanentFlagPersists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		f.engine.Observe(ctx, failedLogin("7.7.7.7"))
	}
	actions := f.sink.actions()
	require.Equal(t, audit.ActionPermanentBan, actions[len(actions)-1])

	f.clock.Advance(30 * 24 * time.Hour)
	banned, err := ban.IsBanned(ctx, f.bans, "ip:7.7.7.7")
	require.NoError(t, err)
	require.True(t, banned)
	flagged, err := ban.IsPermanentlyFlagged(ctx, f.bans, "ip:7.7.7.7")
	require.NoError(t, err)
	require.True(t, flagged)
}

type erroringStore struct{}

func (erroringStore) RecordAndCount(context.Context, string, int64, int, int64) (ratelimit.Window, error) {
	return ratelimit.Window{}, errors.New("store down")
}

type erroringRegistry struct{}

func (erroringRegistry) SetBan(context.Context, string, ban.Tier, time.Duration, string) (bool, error) {
	return false, errors.New("registry down")
}

func (erroringRegistry) Lookup(context.Context, string) (ban.Record, error) {
	return ban.Record{}, errors.New("registry down")
}

func TestEngine_SwallowsStoreErrors(t *testing.T) {
	sink := &recordingSink{}
	engine, err := NewEngine(Options{
		Counters:   erroringStore{},
		Bans:       erroringRegistry{},
		Sink:       sink,
		Thresholds: testThresholds(),
		Filter:     NewFilter(DefaultStatuses, nil),
	})
	require.NoError(t, err)
	require.NotPanics(t, func() {
		require.Empty(t, engine.Observe(context.Background(), failedLogin("1.1.1.1")))
	})

	engine, err = NewEngine(Options{
		Counters:   ratelimit.NewLocalCounterStore(),
		Bans:       erroringRegistry{},
		Sink:       sink,
		Thresholds: testThresholds(),
		Filter:     NewFilter(DefaultStatuses, nil),
	})
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		engine.Observe(context.Background(), failedLogin("1.1.1.1"))
	}
	for _, action := range sink.actions() {
		require.Equal(t, audit.ActionWarn, action, "no ban audit without a stored ban")
	}
}

func TestThresholds_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Thresholds)
		field  string
	}{
		{"ok", func(*Thresholds) {}, ""},
		{"zero warn", func(th *Thresholds) { th.Warn = 0 }, "abuse.warn-threshold"},
		{"temp equals warn", func(th *Thresholds) { th.TempBan = th.Warn }, "abuse.temp-ban-threshold"},
		{"extended below temp", func(th *Thresholds) { th.ExtendedBan = th.TempBan - 1 }, "abuse.extended-ban-threshold"},
		{"permanent equals extended", func(th *Thresholds) { th.PermanentBan = th.ExtendedBan }, "abuse.permanent-ban-threshold"},
		{"zero ban duration", func(th *Thresholds) { th.BanDuration = 0 }, "abuse.ban-duration-seconds"},
		{"short extended", func(th *Thresholds) { th.ExtendedBanDuration = time.Minute }, "abuse.extended-ban-duration-seconds"},
		{"no window", func(th *Thresholds) { th.Window = 0 }, "abuse.sliding-window-seconds"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			th := testThresholds()
			tc.mutate(&th)
			err := th.Validate()
			if tc.field == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, config.ErrInvalid)
			var cfgErr *config.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			require.Equal(t, tc.field, cfgErr.Field)
		})
	}
}

func TestNewEngine_RejectsInvalidThresholds(t *testing.T) {
	th := testThresholds()
	th.TempBan = 3
	_, err := NewEngine(Options{
		Counters:   ratelimit.NewLocalCounterStore(),
		Bans:       ban.NewMemoryRegistry(nil),
		Thresholds: th,
	})
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestThresholdsFromConfig(t *testing.T) {
	th := ThresholdsFromConfig(config.Default().Abuse)
	require.NoError(t, th.Validate())
	require.Equal(t, 15*time.Minute, th.BanDuration)
	require.Equal(t, time.Hour, th.Window)
}
