package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/abuseguard/internal/audit"
	"gorm.io/gorm"
)

// AuditHandler lists persisted audit events.
type AuditHandler struct {
	db *gorm.DB
}

// NewAuditHandler constructs an AuditHandler.
func NewAuditHandler(db *gorm.DB) *AuditHandler {
	return &AuditHandler{db: db}
}

// List returns recent audit events filtered by action, ip and identity key.
func (h *AuditHandler) List(c *gin.Context) {
	if h.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit persistence disabled"})
		return
	}
	filter := audit.Filter{
		Action: strings.TrimSpace(c.Query("action")),
		IP:     strings.TrimSpace(c.Query("ip")),
		Key:    strings.TrimSpace(c.Query("key")),
	}
	if rawLimit := strings.TrimSpace(c.Query("limit")); rawLimit != "" {
		limit, errParse := strconv.Atoi(rawLimit)
		if errParse != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = limit
	}

	rows, errList := audit.List(c.Request.Context(), h.db, filter)
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list audit events failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		var details map[string]any
		if len(row.Details) > 0 {
			_ = json.Unmarshal(row.Details, &details)
		}
		out = append(out, gin.H{
			"id":         row.ID,
			"actor_id":   row.ActorID,
			"actor_role": row.ActorRole,
			"ip":         row.IP,
			"action":     row.Action,
			"details":    details,
			"created_at": row.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"audit_events": out})
}
