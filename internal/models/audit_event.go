package models

import (
	"time"

	"gorm.io/datatypes"
)

// AuditEvent stores one security-relevant action taken by the abuse engine.
type AuditEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	ActorID   *string `gorm:"type:varchar(255);index"`                    // User id, when the actor was authenticated.
	ActorRole *string `gorm:"type:varchar(64)"`                           // Role claim of the actor.
	IP        string  `gorm:"type:varchar(64);not null;default:'';index"` // Client address.
	Action    string  `gorm:"type:varchar(32);not null;index"`            // WARN, TEMP_BAN, BLOCKED, and so on.

	Details   datatypes.JSON `gorm:"type:jsonb;not null;default:'{}'"` // Action specific payload.
	CreatedAt time.Time      `gorm:"not null;index"`                   // When the action was taken.
}

// TableName overrides the default table name.
func (AuditEvent) TableName() string {
	return "audit_events"
}
