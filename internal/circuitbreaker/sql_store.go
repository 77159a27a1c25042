package circuitbreaker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/autorouter/autorouter/internal/domain"
	"github.com/autorouter/autorouter/internal/sqlstore"
)

// SQLStore persists circuit_breaker_states rows, one per upstream
// (spec §3: CircuitBreakerState is 1:1 with Upstream).
type SQLStore struct {
	db      *sql.DB
	dialect sqlstore.Dialect
}

// NewSQLStore wraps an already-open database handle as a circuit-breaker
// Store, creating the table if needed.
func NewSQLStore(db *sql.DB, dialect sqlstore.Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) init() error {
	timestampType := "DATETIME"
	if s.dialect == sqlstore.Postgres {
		timestampType = "TIMESTAMPTZ"
	}
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS circuit_breaker_states (
	upstream_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	failure_count INTEGER NOT NULL,
	success_count INTEGER NOT NULL,
	last_failure_at %s NULL,
	opened_at %s NULL,
	last_probe_at %s NULL,
	failure_threshold INTEGER NOT NULL,
	success_threshold INTEGER NOT NULL,
	open_duration_ms INTEGER NOT NULL,
	probe_interval_ms INTEGER NOT NULL
);`, timestampType, timestampType, timestampType)
	_, err := s.db.Exec(ddl)
	if err != nil {
		return fmt.Errorf("circuitbreaker: init schema: %w", err)
	}
	return nil
}

// Load returns the persisted state for upstreamID, or (nil, nil) if none
// exists yet (the breaker is then created with defaults).
func (s *SQLStore) Load(ctx context.Context, upstreamID string) (*domain.CircuitBreakerState, error) {
	q := sqlstore.Bind(s.dialect, `
SELECT state, failure_count, success_count, last_failure_at, opened_at, last_probe_at,
       failure_threshold, success_threshold, open_duration_ms, probe_interval_ms
FROM circuit_breaker_states WHERE upstream_id = ?`)

	row := s.db.QueryRowContext(ctx, q, upstreamID)
	var (
		state                        string
		failureCount, successCount   int
		lastFailure, opened, probe   sql.NullTime
		failureThreshold, successThreshold int
		openMs, probeMs              int64
	)
	err := row.Scan(&state, &failureCount, &successCount, &lastFailure, &opened, &probe,
		&failureThreshold, &successThreshold, &openMs, &probeMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("circuitbreaker: load %s: %w", upstreamID, err)
	}

	out := &domain.CircuitBreakerState{
		UpstreamID:   upstreamID,
		State:        domain.CBState(state),
		FailureCount: failureCount,
		SuccessCount: successCount,
		Config: domain.CircuitBreakerConfig{
			FailureThreshold: failureThreshold,
			SuccessThreshold: successThreshold,
			OpenDuration:     time.Duration(openMs) * time.Millisecond,
			ProbeInterval:    time.Duration(probeMs) * time.Millisecond,
		},
	}
	if lastFailure.Valid {
		t := lastFailure.Time
		out.LastFailureAt = &t
	}
	if opened.Valid {
		t := opened.Time
		out.OpenedAt = &t
	}
	if probe.Valid {
		t := probe.Time
		out.LastProbeAt = &t
	}
	return out, nil
}

// Save upserts the state row for state.UpstreamID.
func (s *SQLStore) Save(ctx context.Context, state domain.CircuitBreakerState) error {
	q := sqlstore.Bind(s.dialect, `
INSERT INTO circuit_breaker_states(
	upstream_id, state, failure_count, success_count, last_failure_at, opened_at, last_probe_at,
	failure_threshold, success_threshold, open_duration_ms, probe_interval_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(upstream_id) DO UPDATE SET
	state = excluded.state,
	failure_count = excluded.failure_count,
	success_count = excluded.success_count,
	last_failure_at = excluded.last_failure_at,
	opened_at = excluded.opened_at,
	last_probe_at = excluded.last_probe_at,
	failure_threshold = excluded.failure_threshold,
	success_threshold = excluded.success_threshold,
	open_duration_ms = excluded.open_duration_ms,
	probe_interval_ms = excluded.probe_interval_ms`)

	_, err := s.db.ExecContext(ctx, q,
		state.UpstreamID, string(state.State), state.FailureCount, state.SuccessCount,
		state.LastFailureAt, state.OpenedAt, state.LastProbeAt,
		state.Config.FailureThreshold, state.Config.SuccessThreshold,
		state.Config.OpenDuration.Milliseconds(), state.Config.ProbeInterval.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("circuitbreaker: save %s: %w", state.UpstreamID, err)
	}
	return nil
}
