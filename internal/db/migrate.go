package db

import (
	"fmt"

	"github.com/router-for-me/abuseguard/internal/models"
	"gorm.io/gorm"
)

// Migrate creates the audit table and its indexes. It is safe to run repeatedly.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	dialect := DialectOf(conn)
	switch dialect {
	case DialectPostgres, DialectSQLite:
	case "":
		dialect = DialectPostgres
	default:
		return fmt.Errorf("db: unsupported dialect: %s", dialect)
	}

	if errAutoMigrate := conn.AutoMigrate(&models.AuditEvent{}); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}
	for _, stmt := range dialect.auditIndexes() {
		if errIdx := conn.Exec(stmt).Error; errIdx != nil {
			return fmt.Errorf("db: create audit index: %w", errIdx)
		}
	}
	return nil
}
