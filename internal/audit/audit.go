package audit

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Actions recorded by the abuse engine.
const (
	ActionWarn         = "WARN"
	ActionTempBan      = "TEMP_BAN"
	ActionExtendedBan  = "EXTENDED_BAN"
	ActionPermanentBan = "PERMANENT_BAN"
	ActionBlocked      = "BLOCKED"
	ActionRateLimited  = "RATE_LIMITED"
)

// Event is one security-relevant action.
type Event struct {
	ActorID   *string
	ActorRole *string
	IP        string
	Action    string
	Details   map[string]any
	Timestamp time.Time
}

// Sink persists audit events. Implementations swallow and log their own failures.
type Sink interface {
	Log(ctx context.Context, event Event)
}

// LogSink writes audit events to logrus.
type LogSink struct{}

// Log implements Sink.
func (LogSink) Log(_ context.Context, event Event) {
	fields := log.Fields{"action": event.Action, "ip": event.IP}
	if event.ActorID != nil {
		fields["actor_id"] = *event.ActorID
	}
	if event.ActorRole != nil {
		fields["actor_role"] = *event.ActorRole
	}
	for k, v := range event.Details {
		if _, exists := fields[k]; !exists {
			fields[k] = v
		}
	}
	entry := log.WithFields(fields)
	switch event.Action {
	case ActionBlocked, ActionRateLimited:
		entry.Info("audit: request denied")
	default:
		entry.Warn("audit: abuse escalation")
	}
}

// Multi fans an event out to every sink.
type Multi []Sink

// Log implements Sink.
func (m Multi) Log(ctx context.Context, event Event) {
	for _, sink := range m {
		if sink != nil {
			sink.Log(ctx, event)
		}
	}
}

// Discard drops every event.
type Discard struct{}

// Log implements Sink.
func (Discard) Log(context.Context, Event) {}
