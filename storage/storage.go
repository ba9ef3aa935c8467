package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrDSNRequired is returned when no database URL was supplied.
var ErrDSNRequired = errors.New("storage: database URL required")

// Open connects to the configured database. Postgres URLs use the pgx-backed
// gorm driver; sqlite URLs (sqlite://path or file:...) use the pure-Go
// driver, which keeps local development and CI free of cgo.
func Open(databaseURL string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(databaseURL)
	if trimmed == "" {
		return nil, ErrDSNRequired
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	switch {
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"):
		db, err := gorm.Open(postgres.Open(trimmed), cfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return db, nil
	case strings.HasPrefix(trimmed, "sqlite://"):
		return openSQLite(strings.TrimPrefix(trimmed, "sqlite://"), cfg)
	case strings.HasPrefix(trimmed, "file:"):
		return openSQLite(trimmed, cfg)
	default:
		return nil, fmt.Errorf("storage: unsupported database URL scheme in %q", redact(trimmed))
	}
}

func openSQLite(dsn string, cfg *gorm.Config) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return db, nil
}

// redact strips credentials from a URL before it lands in an error message.
func redact(url string) string {
	if at := strings.LastIndex(url, "@"); at >= 0 {
		if scheme := strings.Index(url, "://"); scheme >= 0 && at > scheme {
			return url[:scheme+3] + "***" + url[at:]
		}
	}
	return url
}
