package sqlstore

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

// Open connects to the backing database for the given driver and returns the
// handle plus the bun dialect to pass to the persistence client. Supported
// drivers are "postgres" and "sqlite3".
func Open(driver, dsn string) (*sql.DB, schema.Dialect, error) {
	driver = strings.TrimSpace(strings.ToLower(driver))
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil, fmt.Errorf("sqlstore: dsn is required")
	}

	switch driver {
	case "postgres", "pg", "postgresql":
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlstore: open postgres: %w", err)
		}
		return db, pgdialect.New(), nil
	case "sqlite3", "sqlite":
		db, err := sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlstore: open sqlite: %w", err)
		}
		return db, sqlitedialect.New(), nil
	default:
		return nil, nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
}
