package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/abuseguard/internal/ban"
)

// BanHandler exposes read-only ban status.
type BanHandler struct {
	bans  ban.Registry
	nowFn func() time.Time
}

// NewBanHandler constructs a BanHandler.
func NewBanHandler(bans ban.Registry, nowFn func() time.Time) *BanHandler {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &BanHandler{bans: bans, nowFn: nowFn}
}

// Get returns the active ban record for an identity key such as "ip:1.2.3.4" or "user:42".
func (h *BanHandler) Get(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	if !strings.HasPrefix(key, "ip:") && !strings.HasPrefix(key, "user:") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key must start with ip: or user:"})
		return
	}

	record, errLookup := h.bans.Lookup(c.Request.Context(), key)
	if errLookup != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ban lookup failed"})
		return
	}
	out := gin.H{
		"key":       key,
		"banned":    record.Banned(),
		"permanent": record.Permanent(),
		"tier":      record.Tier,
	}
	if record.Banned() {
		out["reason"] = record.Reason
		out["created_at"] = record.CreatedAt
		if record.ExpiresAt != nil {
			out["expires_at"] = record.ExpiresAt
			out["retry_after_seconds"] = record.RetryAfterSeconds(h.nowFn())
		}
	}
	c.JSON(http.StatusOK, out)
}
