// Package requestlog persists the immutable per-request record C9/C10
// produce (domain.RequestLog), including the failoverHistory and
// header-diff side channels invariant I4 and I3 check against. Schema
// and dialect handling are adapted from the teacher's own
// internal/requestlog/store.go (a request-log writer already existed
// there, logging plugin stage events) onto internal/sqlstore and the
// richer RequestLog shape this domain needs; FailoverHistory and
// HeaderDiff are stored as JSON columns the way the teacher's
// plugin/manager.go persists arbitrary stage metadata.
package requestlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/autorouter/autorouter/internal/domain"
	"github.com/autorouter/autorouter/internal/sqlstore"
)

// Query defines request log listing filters for the admin stats surface
// (spec §6 "GET /api/admin/stats/...").
type Query struct {
	Limit       int
	Offset      int
	ApiKeyID    string
	UpstreamID  string
	RoutingType string
	Since       *time.Time
}

// ListResult is a paginated request log query response.
type ListResult struct {
	Data  []domain.RequestLog
	Total int
}

// Store persists and queries RequestLog rows.
type Store struct {
	db      *sql.DB
	dialect sqlstore.Dialect
}

// New wraps an open database handle as a request log store, creating its
// schema if needed.
func New(db *sql.DB, dialect sqlstore.Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	timestampType := "DATETIME"
	if s.dialect == sqlstore.Postgres {
		timestampType = "TIMESTAMPTZ"
	}
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS request_logs (
	id TEXT PRIMARY KEY,
	api_key_id TEXT NOT NULL,
	upstream_id TEXT NOT NULL,
	method TEXT NOT NULL,
	path TEXT NOT NULL,
	model TEXT,
	status_code INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	ttft_ms INTEGER,
	is_stream BOOLEAN NOT NULL,
	routing_type TEXT,
	lb_strategy TEXT,
	priority_tier INTEGER NOT NULL DEFAULT 0,
	failover_attempts INTEGER NOT NULL DEFAULT 0,
	failover_history TEXT,
	header_diff TEXT,
	affinity_hit BOOLEAN NOT NULL DEFAULT FALSE,
	affinity_migrated BOOLEAN NOT NULL DEFAULT FALSE,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens INTEGER NOT NULL DEFAULT 0,
	cache_write_tokens INTEGER NOT NULL DEFAULT 0,
	created_at %s NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_request_logs_api_key_id ON request_logs(api_key_id);
CREATE INDEX IF NOT EXISTS idx_request_logs_upstream_id ON request_logs(upstream_id);
CREATE INDEX IF NOT EXISTS idx_request_logs_created_at ON request_logs(created_at);
CREATE INDEX IF NOT EXISTS idx_request_logs_routing_type ON request_logs(routing_type);`, timestampType)
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("requestlog: init schema: %w", err)
	}
	return nil
}

// Write persists one completed request. cmd/autorouter calls it once per
// request after the failover loop finishes and before the billing
// recorder runs, which keys its snapshot on the log's ID.
func (s *Store) Write(ctx context.Context, rl domain.RequestLog) error {
	if rl.CreatedAt.IsZero() {
		rl.CreatedAt = time.Now().UTC()
	}
	history, err := json.Marshal(rl.FailoverHistory)
	if err != nil {
		return fmt.Errorf("requestlog: marshal failover history: %w", err)
	}
	diff, err := json.Marshal(rl.HeaderDiff)
	if err != nil {
		return fmt.Errorf("requestlog: marshal header diff: %w", err)
	}

	q := sqlstore.Bind(s.dialect, `
INSERT INTO request_logs (
	id, api_key_id, upstream_id, method, path, model, status_code, duration_ms, ttft_ms,
	is_stream, routing_type, lb_strategy, priority_tier, failover_attempts, failover_history,
	header_diff, affinity_hit, affinity_migrated, prompt_tokens, completion_tokens,
	cache_read_tokens, cache_write_tokens, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = s.db.ExecContext(ctx, q,
		rl.ID, rl.ApiKeyID, rl.UpstreamID, rl.Method, rl.Path, rl.Model, rl.StatusCode, rl.DurationMs, rl.TTFTMs,
		rl.IsStream, rl.RoutingType, rl.LBStrategy, rl.PriorityTier, rl.FailoverAttempts, string(history),
		string(diff), rl.AffinityHit, rl.AffinityMigrated, rl.Usage.PromptTokens, rl.Usage.CompletionTokens,
		rl.Usage.CacheReadTokens, rl.Usage.CacheWriteTokens, rl.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("requestlog: write %s: %w", rl.ID, err)
	}
	return nil
}

// List returns paginated request logs, newest first, for the admin stats
// reducers (spec §6).
func (s *Store) List(ctx context.Context, query Query) (ListResult, error) {
	if query.Limit <= 0 {
		query.Limit = 50
	}
	if query.Limit > 200 {
		query.Limit = 200
	}
	if query.Offset < 0 {
		query.Offset = 0
	}

	var where []string
	var args []interface{}
	if query.ApiKeyID != "" {
		where = append(where, "api_key_id = ?")
		args = append(args, query.ApiKeyID)
	}
	if query.UpstreamID != "" {
		where = append(where, "upstream_id = ?")
		args = append(args, query.UpstreamID)
	}
	if query.RoutingType != "" {
		where = append(where, "routing_type = ?")
		args = append(args, query.RoutingType)
	}
	if query.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, query.Since.UTC())
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countQ := sqlstore.Bind(s.dialect, "SELECT COUNT(*) FROM request_logs"+whereSQL)
	if err := s.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return ListResult{}, fmt.Errorf("requestlog: count: %w", err)
	}

	listQ := sqlstore.Bind(s.dialect, `
SELECT id, api_key_id, upstream_id, method, path, model, status_code, duration_ms, ttft_ms,
	is_stream, routing_type, lb_strategy, priority_tier, failover_attempts, failover_history,
	header_diff, affinity_hit, affinity_migrated, prompt_tokens, completion_tokens,
	cache_read_tokens, cache_write_tokens, created_at
FROM request_logs`+whereSQL+` ORDER BY created_at DESC LIMIT ? OFFSET ?`)
	listArgs := append(append([]interface{}{}, args...), query.Limit, query.Offset)

	rows, err := s.db.QueryContext(ctx, listQ, listArgs...)
	if err != nil {
		return ListResult{}, fmt.Errorf("requestlog: list: %w", err)
	}
	defer rows.Close()

	var entries []domain.RequestLog
	for rows.Next() {
		var (
			rl                domain.RequestLog
			model             sql.NullString
			routingType       sql.NullString
			lbStrategy        sql.NullString
			ttftMs            sql.NullInt64
			historyJSON       sql.NullString
			diffJSON          sql.NullString
		)
		if err := rows.Scan(
			&rl.ID, &rl.ApiKeyID, &rl.UpstreamID, &rl.Method, &rl.Path, &model, &rl.StatusCode, &rl.DurationMs, &ttftMs,
			&rl.IsStream, &routingType, &lbStrategy, &rl.PriorityTier, &rl.FailoverAttempts, &historyJSON,
			&diffJSON, &rl.AffinityHit, &rl.AffinityMigrated, &rl.Usage.PromptTokens, &rl.Usage.CompletionTokens,
			&rl.Usage.CacheReadTokens, &rl.Usage.CacheWriteTokens, &rl.CreatedAt,
		); err != nil {
			return ListResult{}, fmt.Errorf("requestlog: scan: %w", err)
		}
		if model.Valid {
			rl.Model = model.String
		}
		if routingType.Valid {
			rl.RoutingType = routingType.String
		}
		if lbStrategy.Valid {
			rl.LBStrategy = lbStrategy.String
		}
		if ttftMs.Valid {
			v := ttftMs.Int64
			rl.TTFTMs = &v
		}
		if historyJSON.Valid && historyJSON.String != "" {
			_ = json.Unmarshal([]byte(historyJSON.String), &rl.FailoverHistory)
		}
		if diffJSON.Valid && diffJSON.String != "" {
			_ = json.Unmarshal([]byte(diffJSON.String), &rl.HeaderDiff)
		}
		entries = append(entries, rl)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("requestlog: iterate: %w", err)
	}
	return ListResult{Data: entries, Total: total}, nil
}
