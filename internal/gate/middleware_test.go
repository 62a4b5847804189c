package gate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/abuseguard/internal/audit"
	"github.com/router-for-me/abuseguard/internal/ban"
	"github.com/router-for-me/abuseguard/internal/ratelimit"
)

func TestRateLimit_HeadersAndDeny(t *testing.T) {
	h := newHarness(t, ratelimit.NewLocalCounterStore(), ban.NewMemoryRegistry(nil), nil)
	policy := ratelimit.Policy{Name: "login", Limit: 3, WindowSeconds: 60}
	h.router.POST("/login", h.gate.RateLimit(policy), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	for i := 1; i <= 3; i++ {
		rec := h.do(http.MethodPost, "/login", "7.7.7.7")
		if rec.Code != http.StatusNoContent {
			t.Fatalf("attempt %d: expected 204, got %d", i, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != strconv.Itoa(3-i) {
			t.Fatalf("attempt %d: expected remaining %d, got %s", i, 3-i, got)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "3" {
			t.Fatalf("expected limit header")
		}
	}

	rec := h.do(http.MethodPost, "/login", "7.7.7.7")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on fourth attempt, got %d", rec.Code)
	}
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retry < 1 || retry > 60 {
		t.Fatalf("unexpected Retry-After %q", rec.Header().Get("Retry-After"))
	}
	eventually(t, "RATE_LIMITED audit", func() bool { return h.sink.count(audit.ActionRateLimited) == 1 })

	if rec := h.do(http.MethodPost, "/login", "8.8.8.8"); rec.Code != http.StatusNoContent {
		t.Fatalf("expected separate ip to have its own window, got %d", rec.Code)
	}
}

func TestRateLimitRoutes_LongestPrefixWins(t *testing.T) {
	h := newHarness(t, ratelimit.NewLocalCounterStore(), ban.NewMemoryRegistry(nil), nil)
	h.router.Use(h.gate.RateLimitRoutes([]RoutePolicy{
		{PathPrefix: "/v1", Policy: ratelimit.Policy{Name: "api", Limit: 100, WindowSeconds: 60}},
		{PathPrefix: "/v1/login", Policy: ratelimit.Policy{Name: "login", Limit: 1, WindowSeconds: 60}},
	}))
	h.router.GET("/v1/login", func(c *gin.Context) { c.Status(http.StatusOK) })
	h.router.GET("/v1/items", func(c *gin.Context) { c.Status(http.StatusOK) })
	h.router.GET("/other", func(c *gin.Context) { c.Status(http.StatusOK) })

	if rec := h.do(http.MethodGet, "/v1/login", "6.6.6.6"); rec.Code != http.StatusOK {
		t.Fatalf("expected first login allowed, got %d", rec.Code)
	}
	if rec := h.do(http.MethodGet, "/v1/login", "6.6.6.6"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected login policy to deny, got %d", rec.Code)
	}
	rec := h.do(http.MethodGet, "/v1/items", "6.6.6.6")
	if rec.Code != http.StatusOK || rec.Header().Get("X-RateLimit-Limit") != "100" {
		t.Fatalf("expected api policy, got %d limit=%s", rec.Code, rec.Header().Get("X-RateLimit-Limit"))
	}
	rec = h.do(http.MethodGet, "/other", "6.6.6.6")
	if rec.Header().Get("X-RateLimit-Limit") != "" {
		t.Fatalf("expected unmatched path to skip limiter")
	}
}

func TestRateLimit_RejectionsFeedEscalation(t *testing.T) {
	h := newHarness(t, ratelimit.NewLocalCounterStore(), ban.NewMemoryRegistry(nil), nil)
	h.router.GET("/search", h.gate.RateLimit(ratelimit.Policy{Name: "search", Limit: 1, WindowSeconds: 60}), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i := 0; i < 11; i++ {
		h.do(http.MethodGet, "/search", "5.5.5.5")
	}
	eventually(t, "ban from repeated 429s", func() bool {
		banned, _ := ban.IsBanned(context.Background(), h.bans, "ip:5.5.5.5")
		return banned
	})
}

func TestAbortDenied_Bodies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	retry := 42
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	abortDenied(c, Decision{Action: ActionDeny, HTTPStatus: http.StatusTooManyRequests, RetryAfterSeconds: &retry})
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "42" {
		t.Fatalf("unexpected 429 response: %d %v", rec.Code, rec.Header())
	}
	if body := rec.Body.String(); body != `{"error":"too many requests","retry_after":42}` {
		t.Fatalf("unexpected body %s", body)
	}
}

