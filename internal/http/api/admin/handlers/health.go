package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/abuseguard/internal/storage"
	"gorm.io/gorm"
)

// HealthHandler reports liveness and whether the shared store is degraded.
type HealthHandler struct {
	db       *gorm.DB
	health   *storage.Health
	degraded func() bool
}

// NewHealthHandler constructs a HealthHandler. All dependencies are optional.
func NewHealthHandler(db *gorm.DB, health *storage.Health, degraded func() bool) *HealthHandler {
	if degraded == nil {
		degraded = health.Degraded
	}
	return &HealthHandler{db: db, health: health, degraded: degraded}
}

// Healthz always answers 200 while the process serves; degraded mode is reported, not failed.
func (h *HealthHandler) Healthz(c *gin.Context) {
	body := gin.H{
		"status":   "ok",
		"degraded": h.degraded(),
		"episodes": h.health.Episodes(),
	}
	if h.db != nil {
		body["audit_db"] = "ok"
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if sqlDB, errDB := h.db.DB(); errDB != nil || sqlDB.PingContext(ctx) != nil {
			body["audit_db"] = "unreachable"
		}
	}
	c.JSON(http.StatusOK, body)
}
