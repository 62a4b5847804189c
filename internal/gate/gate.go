package gate

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/router-for-me/abuseguard/internal/audit"
	"github.com/router-for-me/abuseguard/internal/ban"
	"github.com/router-for-me/abuseguard/internal/escalation"
	"github.com/router-for-me/abuseguard/internal/identity"
	"github.com/router-for-me/abuseguard/internal/metrics"
	"github.com/router-for-me/abuseguard/internal/ratelimit"
	"github.com/router-for-me/abuseguard/internal/tasks"
	"github.com/router-for-me/abuseguard/internal/whitelist"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Action is the gate verdict.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// Reasons attached to decisions for metrics and logs. They are never sent to clients.
const (
	ReasonClear       = "clear"
	ReasonWhitelisted = "whitelisted"
	ReasonPermanent   = "permanent_ban"
	ReasonBanned      = "temporary_ban"
	ReasonRateLimited = "rate_limited"
	ReasonFailOpen    = "fail_open"
)

// Decision is the outcome of Evaluate. HTTPStatus and RetryAfterSeconds are set only on deny.
type Decision struct {
	Action            Action
	HTTPStatus        int
	RetryAfterSeconds *int
	Reason            string
	Key               string
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool { return d.Action != ActionDeny }

// Request is the part of an inbound request the gate looks at.
type Request struct {
	Identity identity.Identity
	Path     string
	Method   string
}

// Options configures a Gate.
type Options struct {
	Resolver  identity.Resolver
	Bans      ban.Registry
	Engine    *escalation.Engine
	Limiter   *ratelimit.Limiter
	Queue     *tasks.Queue
	Sink      audit.Sink
	Metrics   *metrics.Metrics
	Whitelist *whitelist.List
	Now       func() time.Time
}

// Gate is the per-request entry point of the abuse engine.
type Gate struct {
	resolver  identity.Resolver
	bans      ban.Registry
	engine    *escalation.Engine
	limiter   *ratelimit.Limiter
	queue     *tasks.Queue
	sink      audit.Sink
	metrics   *metrics.Metrics
	whitelist *whitelist.List
	nowFn     func() time.Time

	faultNotes rate.Sometimes
}

// New constructs a Gate.
func New(opts Options) (*Gate, error) {
	if opts.Bans == nil {
		return nil, errors.New("gate: ban registry is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("gate: escalation engine is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("gate: task queue is required")
	}
	if opts.Resolver == nil {
		opts.Resolver = identity.NewJWTResolver("")
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewLimiter(nil, opts.Now)
	}
	if opts.Sink == nil {
		opts.Sink = audit.Discard{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gate{
		resolver:   opts.Resolver,
		bans:       opts.Bans,
		engine:     opts.Engine,
		limiter:    opts.Limiter,
		queue:      opts.Queue,
		sink:       opts.Sink,
		metrics:    opts.Metrics,
		whitelist:  opts.Whitelist,
		nowFn:      opts.Now,
		faultNotes: rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}, nil
}

// Whitelisted reports whether the request bypasses every check.
func (g *Gate) Whitelisted(req Request) bool {
	return g.whitelist.Contains(req.Identity.IP)
}

// Evaluate checks the ban registry for the request's IP and user keys.
// Permanent flags win over temporary bans. Registry faults fail open.
func (g *Gate) Evaluate(ctx context.Context, req Request) Decision {
	if g.Whitelisted(req) {
		g.metrics.Decision(string(ActionAllow), ReasonWhitelisted)
		return Decision{Action: ActionAllow, Reason: ReasonWhitelisted}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	keys := req.Identity.Keys()
	records := make([]ban.Record, 0, len(keys))
	for _, key := range keys {
		record, errLookup := g.bans.Lookup(ctx, key)
		if errLookup != nil {
			g.fault(errLookup, "ban lookup", key)
			continue
		}
		records = append(records, record)
	}

	for _, record := range records {
		if record.Permanent() {
			return g.deny(req, Decision{
				Action:     ActionDeny,
				HTTPStatus: http.StatusForbidden,
				Reason:     ReasonPermanent,
				Key:        record.Key,
			}, record)
		}
	}

	now := g.nowFn()
	var blocking *ban.Record
	var retryAfter *int
	for i := range records {
		record := records[i]
		if !record.Banned() {
			continue
		}
		retry := record.RetryAfterSeconds(now)
		if blocking == nil || (retry != nil && (retryAfter == nil || *retry > *retryAfter)) {
			blocking = &records[i]
			retryAfter = retry
		}
	}
	if blocking != nil {
		return g.deny(req, Decision{
			Action:            ActionDeny,
			HTTPStatus:        http.StatusTooManyRequests,
			RetryAfterSeconds: retryAfter,
			Reason:            ReasonBanned,
			Key:               blocking.Key,
		}, *blocking)
	}

	failedOpen := len(records) < len(keys)
	if !failedOpen && g.sharedBansFailing() {
		failedOpen = true
		g.metrics.FailOpen()
	}
	if failedOpen {
		g.metrics.Decision(string(ActionAllow), ReasonFailOpen)
		return Decision{Action: ActionAllow, Reason: ReasonFailOpen}
	}
	g.metrics.Decision(string(ActionAllow), ReasonClear)
	return Decision{Action: ActionAllow, Reason: ReasonClear}
}

// RecordOutcome hands a finished request to the escalation engine without blocking.
// Whitelisted requests are never counted.
func (g *Gate) RecordOutcome(req Request, status int) {
	if g.Whitelisted(req) {
		return
	}
	outcome := escalation.Outcome{Identity: req.Identity, Status: status, Path: req.Path, Method: req.Method}
	if !g.engine.Qualifies(outcome) {
		return
	}
	_ = g.queue.Submit(func(ctx context.Context) {
		g.engine.Observe(ctx, outcome)
	})
}

func (g *Gate) deny(req Request, decision Decision, record ban.Record) Decision {
	g.metrics.Decision(string(ActionDeny), decision.Reason)
	log.WithFields(log.Fields{
		"key":    decision.Key,
		"tier":   record.Tier,
		"status": decision.HTTPStatus,
		"path":   req.Path,
	}).Info("gate: request blocked")

	event := g.event(req, audit.ActionBlocked, map[string]any{
		"key":    decision.Key,
		"tier":   string(record.Tier),
		"status": decision.HTTPStatus,
		"path":   req.Path,
		"method": req.Method,
	})
	g.emit(event)
	return decision
}

func (g *Gate) emit(event audit.Event) {
	_ = g.queue.Submit(func(ctx context.Context) {
		g.sink.Log(ctx, event)
	})
}

func (g *Gate) event(req Request, action string, details map[string]any) audit.Event {
	event := audit.Event{IP: req.Identity.IP, Action: action, Details: details, Timestamp: g.nowFn()}
	if req.Identity.UserID != "" {
		userID := req.Identity.UserID
		event.ActorID = &userID
	}
	if req.Identity.Role != "" {
		role := req.Identity.Role
		event.ActorRole = &role
	}
	return event
}

// sharedBansFailing reports whether ban lookups were answered without the shared store.
func (g *Gate) sharedBansFailing() bool {
	failing, ok := g.bans.(ban.FailingOver)
	return ok && failing.FailingOver()
}

// fault records an infrastructure failure that made the gate fail open.
func (g *Gate) fault(err error, op, key string) {
	g.metrics.FailOpen()
	g.faultNotes.Do(func() {
		log.WithError(err).WithFields(log.Fields{"op": op, "key": key}).Error("gate: failing open")
	})
}
