// Package billing implements the C11 billing recorder: one snapshot per
// completed request, written with insert-or-update semantics keyed on
// requestLogId so retries and replay stay idempotent (spec §4.11). The
// snapshot table and upsert shape follow requestlog's SQLWriter, the
// teacher's closest equivalent to a per-request persistence writer,
// adapted from request-log rows to billing snapshots and from
// Postgres/SQLite driver selection to the shared internal/sqlstore
// dialect plumbing every other store in this module now uses.
package billing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/autorouter/autorouter/internal/domain"
	"github.com/autorouter/autorouter/internal/quota"
	"github.com/autorouter/autorouter/internal/sqlstore"
)

// PriceResolver is C5, the only collaborator the recorder calls out to.
type PriceResolver interface {
	Resolve(ctx context.Context, model string) (*domain.ModelPrice, error)
}

// Recorder implements C11. Notify the quota tracker for every billed
// request so C8's isExceeded() check reflects spend in real time.
type Recorder struct {
	db      *sql.DB
	dialect sqlstore.Dialect
	prices  PriceResolver
	quota   *quota.Tracker
}

// New wraps an open database handle as a billing recorder, creating its
// schema if needed.
func New(db *sql.DB, dialect sqlstore.Dialect, prices PriceResolver, tracker *quota.Tracker) (*Recorder, error) {
	r := &Recorder{db: db, dialect: dialect, prices: prices, quota: tracker}
	if err := r.init(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) init() error {
	ddl := `
CREATE TABLE IF NOT EXISTS request_billing_snapshots (
	request_log_id TEXT PRIMARY KEY,
	billing_status TEXT NOT NULL,
	unbillable_reason TEXT NULL,
	price_source TEXT NULL,
	input_price_per_million REAL NULL,
	output_price_per_million REAL NULL,
	billing_input_multiplier REAL NULL,
	billing_output_multiplier REAL NULL,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens INTEGER NOT NULL DEFAULT 0,
	cache_write_tokens INTEGER NOT NULL DEFAULT 0,
	final_cost REAL NOT NULL DEFAULT 0,
	currency TEXT NULL
);`
	if _, err := r.db.Exec(ddl); err != nil {
		return fmt.Errorf("billing: init schema: %w", err)
	}
	return nil
}

// Input is the (requestLogId, apiKeyId, upstreamId, model, usage) tuple
// spec §4.11 runs once per completed request. ApiKeyID is accepted for
// parity with the spec's input tuple even though the snapshot itself
// doesn't carry it (RequestLog already does).
type Input struct {
	RequestLogID string
	ApiKeyID     string
	Upstream     domain.Upstream
	Model        string
	Usage        domain.Usage
	At           time.Time
}

// Record executes C11's five steps and persists the resulting snapshot
// with insert-or-update semantics keyed on RequestLogID (spec §4.11,
// "uniqueness on requestLogId ... idempotent").
func (r *Recorder) Record(ctx context.Context, in Input) (domain.RequestBillingSnapshot, error) {
	snap := domain.RequestBillingSnapshot{
		RequestLogID:            in.RequestLogID,
		BillingInputMultiplier:  in.Upstream.BillingInputMultiplier,
		BillingOutputMultiplier: in.Upstream.BillingOutputMultiplier,
		PromptTokens:            in.Usage.PromptTokens,
		CompletionTokens:        in.Usage.CompletionTokens,
		CacheReadTokens:         in.Usage.CacheReadTokens,
		CacheWriteTokens:        in.Usage.CacheWriteTokens,
		Currency:                "USD",
	}

	if in.Model == "" {
		snap.BillingStatus = domain.BillingUnbilled
		snap.UnbillableReason = domain.ReasonModelMissing
		return snap, r.upsert(ctx, snap)
	}
	if in.Usage.Zero() {
		snap.BillingStatus = domain.BillingUnbilled
		snap.UnbillableReason = domain.ReasonUsageMissing
		return snap, r.upsert(ctx, snap)
	}

	price, err := r.prices.Resolve(ctx, in.Model)
	if err != nil {
		return domain.RequestBillingSnapshot{}, fmt.Errorf("billing: resolve price for %s: %w", in.Model, err)
	}
	if price == nil {
		snap.BillingStatus = domain.BillingUnbilled
		snap.UnbillableReason = domain.ReasonPriceNotFound
		return snap, r.upsert(ctx, snap)
	}

	snap.BillingStatus = domain.BillingBilled
	snap.PriceSource = price.Source
	snap.InputPricePerMillion = price.InputPerMillion
	snap.OutputPricePerMillion = price.OutputPerMillion
	snap.FinalCost = cost(in.Usage, *price, in.Upstream)

	if err := r.upsert(ctx, snap); err != nil {
		return domain.RequestBillingSnapshot{}, err
	}

	if r.quota != nil && snap.FinalCost != 0 {
		at := in.At
		if at.IsZero() {
			at = time.Now()
		}
		r.quota.RecordSpend(in.Upstream.ID, snap.FinalCost, at)
	}
	return snap, nil
}

// cost implements spec §4.11 step 4's pricing formula, including the
// cache-read/cache-write contributions when the resolved price carries
// them.
func cost(u domain.Usage, p domain.ModelPrice, upstream domain.Upstream) float64 {
	total := float64(u.PromptTokens)/1e6*p.InputPerMillion*upstream.BillingInputMultiplier +
		float64(u.CompletionTokens)/1e6*p.OutputPerMillion*upstream.BillingOutputMultiplier
	if p.CacheReadPer1M != nil {
		total += float64(u.CacheReadTokens) / 1e6 * *p.CacheReadPer1M * upstream.BillingInputMultiplier
	}
	if p.CacheWritePer1M != nil {
		total += float64(u.CacheWriteTokens) / 1e6 * *p.CacheWritePer1M * upstream.BillingInputMultiplier
	}
	return total
}

func (r *Recorder) upsert(ctx context.Context, s domain.RequestBillingSnapshot) error {
	q := sqlstore.Bind(r.dialect, `
INSERT INTO request_billing_snapshots (
	request_log_id, billing_status, unbillable_reason, price_source,
	input_price_per_million, output_price_per_million,
	billing_input_multiplier, billing_output_multiplier,
	prompt_tokens, completion_tokens, cache_read_tokens, cache_write_tokens,
	final_cost, currency
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(request_log_id) DO UPDATE SET
	billing_status = excluded.billing_status,
	unbillable_reason = excluded.unbillable_reason,
	price_source = excluded.price_source,
	input_price_per_million = excluded.input_price_per_million,
	output_price_per_million = excluded.output_price_per_million,
	billing_input_multiplier = excluded.billing_input_multiplier,
	billing_output_multiplier = excluded.billing_output_multiplier,
	prompt_tokens = excluded.prompt_tokens,
	completion_tokens = excluded.completion_tokens,
	cache_read_tokens = excluded.cache_read_tokens,
	cache_write_tokens = excluded.cache_write_tokens,
	final_cost = excluded.final_cost,
	currency = excluded.currency`)

	var unbillableReason, priceSource interface{}
	if s.UnbillableReason != "" {
		unbillableReason = string(s.UnbillableReason)
	}
	if s.PriceSource != "" {
		priceSource = string(s.PriceSource)
	}
	_, err := r.db.ExecContext(ctx, q,
		s.RequestLogID, string(s.BillingStatus), unbillableReason, priceSource,
		s.InputPricePerMillion, s.OutputPricePerMillion,
		s.BillingInputMultiplier, s.BillingOutputMultiplier,
		s.PromptTokens, s.CompletionTokens, s.CacheReadTokens, s.CacheWriteTokens,
		s.FinalCost, s.Currency,
	)
	if err != nil {
		return fmt.Errorf("billing: upsert snapshot for %s: %w", s.RequestLogID, err)
	}
	return nil
}

// Record row is one request's billing outcome joined against its request
// log, the shape the admin stats reducers (spec §6 "GET
// /api/admin/stats/{overview|timeseries|leaderboard}") fold over.
type RecordRow struct {
	UpstreamID string
	Model      string
	Status     domain.BillingStatus
	Cost       float64
	StatusCode int
	DurationMs int64
	CreatedAt  time.Time
}

// ListSince returns every request's billing outcome since the given time,
// newest-last, for the admin stats endpoints to aggregate in process
// rather than pushing ad hoc GROUP BY queries into this package.
func (r *Recorder) ListSince(ctx context.Context, since time.Time) ([]RecordRow, error) {
	q := sqlstore.Bind(r.dialect, `
SELECT rl.upstream_id, rl.model, s.billing_status, s.final_cost, rl.status_code, rl.duration_ms, rl.created_at
FROM request_logs rl
LEFT JOIN request_billing_snapshots s ON s.request_log_id = rl.id
WHERE rl.created_at >= ?
ORDER BY rl.created_at ASC`)
	rows, err := r.db.QueryContext(ctx, q, since)
	if err != nil {
		return nil, fmt.Errorf("billing: list since: %w", err)
	}
	defer rows.Close()

	var out []RecordRow
	for rows.Next() {
		var (
			row    RecordRow
			status sql.NullString
			cost   sql.NullFloat64
		)
		if err := rows.Scan(&row.UpstreamID, &row.Model, &status, &cost, &row.StatusCode, &row.DurationMs, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("billing: scan list since: %w", err)
		}
		if status.Valid {
			row.Status = domain.BillingStatus(status.String)
		}
		row.Cost = cost.Float64
		out = append(out, row)
	}
	return out, rows.Err()
}

// RebuildSpendEvents loads billed snapshots into quota.SpendEvents for
// Tracker.Rebuild at boot (spec §4.8's "rebuild counters from
// RequestBillingSnapshot table"). since bounds how far back to scan; the
// caller passes the largest horizon any configured upstream needs (last
// 24h, current month, max rolling window), joining against request_logs
// for each row's upstream_id and created_at.
func (r *Recorder) RebuildSpendEvents(ctx context.Context, since time.Time) ([]quota.SpendEvent, error) {
	q := sqlstore.Bind(r.dialect, `
SELECT rl.upstream_id, s.final_cost, rl.created_at
FROM request_billing_snapshots s
JOIN request_logs rl ON rl.id = s.request_log_id
WHERE s.billing_status = 'billed' AND rl.created_at >= ?`)
	rows, err := r.db.QueryContext(ctx, q, since)
	if err != nil {
		return nil, fmt.Errorf("billing: rebuild spend events: %w", err)
	}
	defer rows.Close()

	var events []quota.SpendEvent
	for rows.Next() {
		var e quota.SpendEvent
		if err := rows.Scan(&e.UpstreamID, &e.Amount, &e.At); err != nil {
			return nil, fmt.Errorf("billing: scan spend event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
