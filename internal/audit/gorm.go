package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/router-for-me/abuseguard/internal/db"
	"github.com/router-for-me/abuseguard/internal/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GormSink persists audit events with GORM.
type GormSink struct {
	db *gorm.DB
}

// NewGormSink constructs a GormSink backed by GORM.
func NewGormSink(db *gorm.DB) *GormSink { return &GormSink{db: db} }

// Log implements Sink. Write failures are logged and dropped.
func (s *GormSink) Log(ctx context.Context, event Event) {
	if s == nil || s.db == nil {
		return
	}

	// Audit writes outlive the request that caused them.
	dbCtx, cancel := context.WithTimeout(context.WithoutCancel(orBackground(ctx)), 5*time.Second)
	defer cancel()

	details := datatypes.JSON([]byte("{}"))
	if len(event.Details) > 0 {
		raw, errMarshal := json.Marshal(event.Details)
		if errMarshal != nil {
			log.WithError(errMarshal).WithField("action", event.Action).Warn("audit: failed to encode details")
		} else {
			details = datatypes.JSON(raw)
		}
	}
	createdAt := event.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	row := models.AuditEvent{
		ActorID:   event.ActorID,
		ActorRole: event.ActorRole,
		IP:        strings.TrimSpace(event.IP),
		Action:    event.Action,
		Details:   details,
		CreatedAt: createdAt.UTC(),
	}
	if errCreate := s.db.WithContext(dbCtx).Create(&row).Error; errCreate != nil {
		log.WithError(errCreate).WithField("action", event.Action).Warn("audit: failed to persist event")
	}
}

// Filter narrows an audit listing.
type Filter struct {
	Action string
	IP     string
	// Key matches the identity key stored in the event details.
	Key   string
	Limit int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// List returns the most recent audit rows matching filter.
func List(ctx context.Context, conn *gorm.DB, filter Filter) ([]models.AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	q := conn.WithContext(ctx).Model(&models.AuditEvent{})
	if action := strings.ToUpper(strings.TrimSpace(filter.Action)); action != "" {
		q = q.Where("action = ?", action)
	}
	if ip := strings.TrimSpace(filter.IP); ip != "" {
		q = q.Where("ip = ?", ip)
	}
	if key := strings.TrimSpace(filter.Key); key != "" {
		q = q.Where(db.DialectOf(conn).JSONText("details", "key")+" = ?", key)
	}

	var rows []models.AuditEvent
	if errFind := q.Order("created_at DESC, id DESC").Limit(limit).Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
