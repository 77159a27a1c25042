// Package sqlstore holds the dual-dialect plumbing shared by every SQL
// backed store in this module (keystore, upstream registry, circuit
// breaker persistence, request log, billing snapshots): dialect-aware
// connection opening and the `?` → `$N` bind-placeholder rewrite Postgres
// needs.
package sqlstore

import (
	"database/sql"
	"fmt"
	"strings"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"

	"github.com/google/uuid"
)

// Dialect names a supported SQL backend.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Open opens dsn against the named dialect and pings it.
func Open(dialect Dialect, dsn string) (*sql.DB, error) {
	dsn = strings.TrimSpace(dsn)
	driver := "sqlite"
	if dialect == Postgres {
		driver = "postgres"
		if dsn == "" {
			return nil, fmt.Errorf("sqlstore: postgres dsn is required")
		}
	} else if dsn == "" {
		dsn = "autorouter.db"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", dialect, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping %s: %w", dialect, err)
	}
	return db, nil
}

// Bind rewrites `?` placeholders to `$1, $2, ...` for Postgres; SQLite
// queries pass through unchanged.
func Bind(dialect Dialect, query string) string {
	if dialect != Postgres {
		return query
	}
	var b strings.Builder
	argNum := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", argNum)
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// NewID generates a new random identifier for rows created by these stores.
func NewID() string {
	return uuid.NewString()
}

// IsDuplicateColumnError reports whether err indicates an idempotent
// `ALTER TABLE ... ADD COLUMN` failed because the column already exists,
// which both supported dialects phrase differently.
func IsDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}
