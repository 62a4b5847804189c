package escalation

import (
	"context"
	"errors"
	"time"

	"github.com/router-for-me/abuseguard/internal/audit"
	"github.com/router-for-me/abuseguard/internal/ban"
	"github.com/router-for-me/abuseguard/internal/identity"
	"github.com/router-for-me/abuseguard/internal/metrics"
	"github.com/router-for-me/abuseguard/internal/ratelimit"
	log "github.com/sirupsen/logrus"
)

// Outcome is a finished request as seen by the engine.
type Outcome struct {
	Identity identity.Identity
	Status   int
	Path     string
	Method   string
}

// Transition records a tier reached by one identity key.
type Transition struct {
	Key     string
	Scope   string
	Action  string
	Count   int
	Applied bool
}

// Options configures an Engine.
type Options struct {
	Counters   ratelimit.CounterStore
	Bans       ban.Registry
	Sink       audit.Sink
	Metrics    *metrics.Metrics
	Thresholds Thresholds
	Filter     Filter
	Now        func() time.Time
}

// Engine advances identities through the escalation tiers from request outcomes.
type Engine struct {
	counters   ratelimit.CounterStore
	bans       ban.Registry
	sink       audit.Sink
	metrics    *metrics.Metrics
	thresholds Thresholds
	filter     Filter
	nowFn      func() time.Time
}

// NewEngine validates opts and constructs an Engine.
func NewEngine(opts Options) (*Engine, error) {
	if errValidate := opts.Thresholds.Validate(); errValidate != nil {
		return nil, errValidate
	}
	if opts.Counters == nil {
		return nil, errors.New("escalation: counter store is required")
	}
	if opts.Bans == nil {
		return nil, errors.New("escalation: ban registry is required")
	}
	if opts.Sink == nil {
		opts.Sink = audit.Discard{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		counters:   opts.Counters,
		bans:       opts.Bans,
		sink:       opts.Sink,
		metrics:    opts.Metrics,
		thresholds: opts.Thresholds,
		filter:     opts.Filter,
		nowFn:      opts.Now,
	}, nil
}

// Qualifies reports whether outcome is an abuse signal.
func (e *Engine) Qualifies(outcome Outcome) bool {
	return e.filter.Qualifies(outcome.Status, outcome.Path)
}

// Observe counts a qualifying outcome against the IP and user keys independently
// and applies any tier reached. Store failures are logged and swallowed.
func (e *Engine) Observe(ctx context.Context, outcome Outcome) []Transition {
	if !e.Qualifies(outcome) {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var transitions []Transition
	scopes := []struct {
		scope string
		key   string
	}{
		{"ip", outcome.Identity.IPKey()},
		{"user", outcome.Identity.UserKey()},
	}
	for _, s := range scopes {
		if s.key == "" {
			continue
		}
		if transition, ok := e.evaluate(ctx, s.scope, s.key, outcome); ok {
			transitions = append(transitions, transition)
		}
	}
	return transitions
}

func (e *Engine) evaluate(ctx context.Context, scope, key string, outcome Outcome) (Transition, bool) {
	now := e.nowFn()
	windowSeconds := int(e.thresholds.Window / time.Second)
	window, errRecord := e.counters.RecordAndCount(ctx, ratelimit.KeyForEscalation(key), now.UnixMilli(), windowSeconds, e.thresholds.Window.Milliseconds())
	if errRecord != nil {
		log.WithError(errRecord).WithField("key", key).Warn("escalation: failed to record outcome")
		return Transition{}, false
	}

	reached, ok := e.thresholds.classify(window.Count)
	if !ok {
		return Transition{}, false
	}
	transition := Transition{Key: key, Scope: scope, Action: reached.action, Count: window.Count, Applied: true}

	if reached.tier != ban.TierNone {
		applied, errSet := e.bans.SetBan(ctx, key, reached.tier, reached.duration, reasonFor(reached.action, outcome))
		if errSet != nil {
			log.WithError(errSet).WithFields(log.Fields{"key": key, "tier": reached.tier}).Warn("escalation: failed to apply ban")
			return Transition{}, false
		}
		// A live ban of a higher tier already covers this key.
		if !applied {
			transition.Applied = false
			return transition, true
		}
	}

	e.metrics.Escalation(reached.action, scope)
	e.sink.Log(ctx, e.auditEvent(transition, reached, outcome, now))
	return transition, true
}

func (e *Engine) auditEvent(t Transition, reached step, outcome Outcome, now time.Time) audit.Event {
	details := map[string]any{
		"key":    t.Key,
		"scope":  t.Scope,
		"count":  t.Count,
		"status": outcome.Status,
		"path":   outcome.Path,
		"method": outcome.Method,
	}
	if reached.tier != ban.TierNone {
		details["tier"] = string(reached.tier)
	}
	if reached.duration > 0 {
		details["duration_seconds"] = int(reached.duration / time.Second)
	}
	event := audit.Event{
		IP:        outcome.Identity.IP,
		Action:    t.Action,
		Details:   details,
		Timestamp: now,
	}
	if outcome.Identity.UserID != "" {
		userID := outcome.Identity.UserID
		event.ActorID = &userID
	}
	if outcome.Identity.Role != "" {
		role := outcome.Identity.Role
		event.ActorRole = &role
	}
	return event
}

func reasonFor(action string, outcome Outcome) string {
	return action + " after " + outcome.Method + " " + outcome.Path
}
