package db

import (
	"fmt"

	"gorm.io/gorm"
)

// Dialect names a gorm dialector supported by the audit store.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DialectOf returns the dialect of conn, or "" when it cannot be determined.
func DialectOf(conn *gorm.DB) Dialect {
	if conn == nil || conn.Dialector == nil {
		return ""
	}
	return Dialect(conn.Dialector.Name())
}

// JSONText returns an expression reading key from a JSON column as text.
// key must be a trusted identifier; it is interpolated into SQL.
func (d Dialect) JSONText(column, key string) string {
	if d == DialectSQLite {
		return fmt.Sprintf("json_extract(%s, '$.%s')", column, key)
	}
	return fmt.Sprintf("%s->>'%s'", column, key)
}

// auditIndexes lists the secondary indexes created on audit_events.
func (d Dialect) auditIndexes() []string {
	if d == DialectSQLite {
		return []string{
			`CREATE INDEX IF NOT EXISTS idx_audit_events_action_created ON audit_events (action, created_at)`,
		}
	}
	return []string{
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action_created ON audit_events (action, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_details_key ON audit_events ((details->>'key'))`,
	}
}
