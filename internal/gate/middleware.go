package gate

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/abuseguard/internal/audit"
	"github.com/router-for-me/abuseguard/internal/identity"
	"github.com/router-for-me/abuseguard/internal/ratelimit"
	log "github.com/sirupsen/logrus"
)

const identityContextKey = "abuseguard.identity"

// Middleware bans-checks every request and feeds its outcome to escalation once the handler chain returns.
func (g *Gate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		req := g.request(c)
		decision := g.Evaluate(c.Request.Context(), req)
		if !decision.Allowed() {
			abortDenied(c, decision)
			return
		}

		c.Next()

		g.RecordOutcome(req, c.Writer.Status())
	}
}

// RoutePolicy binds a limiter policy to a path prefix.
type RoutePolicy struct {
	PathPrefix string
	Policy     ratelimit.Policy
}

// RateLimit enforces policy on every request reaching the handler, keyed by user when authenticated and by IP otherwise.
func (g *Gate) RateLimit(policy ratelimit.Policy) gin.HandlerFunc {
	return func(c *gin.Context) {
		g.consume(c, policy)
	}
}

// RateLimitRoutes applies the policy with the longest matching path prefix. Requests matching none pass through.
func (g *Gate) RateLimitRoutes(routes []RoutePolicy) gin.HandlerFunc {
	sorted := append([]RoutePolicy(nil), routes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix)
	})
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, route := range sorted {
			if strings.HasPrefix(path, route.PathPrefix) {
				g.consume(c, route.Policy)
				return
			}
		}
		c.Next()
	}
}

func (g *Gate) consume(c *gin.Context, policy ratelimit.Policy) {
	req := g.request(c)
	if g.Whitelisted(req) {
		c.Next()
		return
	}
	key := req.Identity.UserKey()
	if key == "" {
		key = req.Identity.IPKey()
	}

	result, errConsume := g.limiter.Consume(c.Request.Context(), key, policy)
	if errConsume != nil {
		g.fault(errConsume, "rate limit "+policy.Name, key)
		c.Next()
		return
	}

	h := c.Writer.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(policy.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
	if result.Allowed {
		c.Next()
		return
	}

	g.metrics.Decision(string(ActionDeny), ReasonRateLimited)
	log.WithFields(log.Fields{"key": key, "policy": policy.Name, "consumed": result.Consumed}).Info("gate: rate limit exceeded")
	g.emit(g.event(req, audit.ActionRateLimited, map[string]any{
		"key":      key,
		"policy":   policy.Name,
		"limit":    policy.Limit,
		"consumed": result.Consumed,
		"path":     req.Path,
		"method":   req.Method,
	}))
	abortDenied(c, Decision{
		Action:            ActionDeny,
		HTTPStatus:        http.StatusTooManyRequests,
		RetryAfterSeconds: result.RetryAfterSeconds,
		Reason:            ReasonRateLimited,
		Key:               key,
	})
}

// request resolves the identity once per gin context.
func (g *Gate) request(c *gin.Context) Request {
	var id identity.Identity
	if cached, ok := c.Get(identityContextKey); ok {
		id, _ = cached.(identity.Identity)
	} else {
		id = g.resolver.Resolve(c)
		c.Set(identityContextKey, id)
	}
	return Request{Identity: id, Path: c.Request.URL.Path, Method: c.Request.Method}
}

// IdentityFromContext returns the identity resolved by the gate, if any.
func IdentityFromContext(c *gin.Context) (identity.Identity, bool) {
	cached, ok := c.Get(identityContextKey)
	if !ok {
		return identity.Identity{}, false
	}
	id, ok := cached.(identity.Identity)
	return id, ok
}

// abortDenied writes a generic deny body. Ban tiers and thresholds are never disclosed.
func abortDenied(c *gin.Context, decision Decision) {
	if decision.RetryAfterSeconds != nil {
		c.Header("Retry-After", strconv.Itoa(*decision.RetryAfterSeconds))
	}
	switch decision.HTTPStatus {
	case http.StatusForbidden:
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied"})
	default:
		body := gin.H{"error": "too many requests"}
		if decision.RetryAfterSeconds != nil {
			body["retry_after"] = *decision.RetryAfterSeconds
		}
		c.AbortWithStatusJSON(http.StatusTooManyRequests, body)
	}
}
