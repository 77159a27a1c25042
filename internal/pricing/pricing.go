// Package pricing implements the C5 price resolver: model → per-million
// token prices, with manual overrides beating the synced catalog. Catalog
// ingestion from external sources (LiteLLM, OpenRouter) is out of scope
// for this core per spec §1 — only the CatalogFetcher interface and the
// resolver's lookup order are implemented here, following the shape of
// the teacher's static `providers.PricingTable` + `EstimateCost` (here
// made dynamic and DB-backed instead of a compiled-in map).
package pricing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/autorouter/autorouter/internal/domain"
	"github.com/autorouter/autorouter/internal/sqlstore"
)

// CatalogFetcher is the external collaborator interface for price-catalog
// ingestion (spec §1 Non-goals: "only the resolver interface matters").
type CatalogFetcher interface {
	FetchPrices(ctx context.Context) ([]domain.ModelPrice, error)
}

// Resolver implements C5 against SQL-backed manual-override and
// synced-catalog tables.
type Resolver struct {
	db      *sql.DB
	dialect sqlstore.Dialect
}

// New wraps an open database handle as a price resolver, creating its
// schema if needed.
func New(db *sql.DB, dialect sqlstore.Dialect) (*Resolver, error) {
	r := &Resolver{db: db, dialect: dialect}
	if err := r.init(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Resolver) init() error {
	timestampType := "DATETIME"
	if r.dialect == sqlstore.Postgres {
		timestampType = "TIMESTAMPTZ"
	}
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS billing_manual_overrides (
	model TEXT PRIMARY KEY,
	input_per_million REAL NOT NULL,
	output_per_million REAL NOT NULL,
	cache_read_per_million REAL NULL,
	cache_write_per_million REAL NULL
);
CREATE TABLE IF NOT EXISTS billing_model_prices (
	model TEXT NOT NULL,
	source TEXT NOT NULL,
	input_per_million REAL NOT NULL,
	output_per_million REAL NOT NULL,
	cache_read_per_million REAL NULL,
	cache_write_per_million REAL NULL,
	synced_at %s NOT NULL,
	PRIMARY KEY (model, source)
);`, timestampType)
	if _, err := r.db.Exec(ddl); err != nil {
		return fmt.Errorf("pricing: init schema: %w", err)
	}
	return nil
}

// Resolve implements C5's lookup order: manual override on exact model,
// else the most-recently-synced catalog row for that model, else nil.
func (r *Resolver) Resolve(ctx context.Context, model string) (*domain.ModelPrice, error) {
	if p, err := r.manualOverride(ctx, model); err != nil {
		return nil, err
	} else if p != nil {
		return p, nil
	}
	return r.catalogPrice(ctx, model)
}

func (r *Resolver) manualOverride(ctx context.Context, model string) (*domain.ModelPrice, error) {
	q := sqlstore.Bind(r.dialect, `
SELECT model, input_per_million, output_per_million, cache_read_per_million, cache_write_per_million
FROM billing_manual_overrides WHERE model = ?`)
	row := r.db.QueryRowContext(ctx, q, model)
	var (
		m                        string
		in, out                  float64
		cacheRead, cacheWrite    sql.NullFloat64
	)
	if err := row.Scan(&m, &in, &out, &cacheRead, &cacheWrite); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("pricing: manual override lookup: %w", err)
	}
	p := &domain.ModelPrice{
		Model:            m,
		InputPerMillion:  in,
		OutputPerMillion: out,
		Source:           domain.SourceManual,
		SyncedAt:         time.Now(),
	}
	if cacheRead.Valid {
		p.CacheReadPer1M = &cacheRead.Float64
	}
	if cacheWrite.Valid {
		p.CacheWritePer1M = &cacheWrite.Float64
	}
	return p, nil
}

func (r *Resolver) catalogPrice(ctx context.Context, model string) (*domain.ModelPrice, error) {
	q := sqlstore.Bind(r.dialect, `
SELECT source, input_per_million, output_per_million, cache_read_per_million, cache_write_per_million, synced_at
FROM billing_model_prices WHERE model = ? ORDER BY synced_at DESC LIMIT 1`)
	row := r.db.QueryRowContext(ctx, q, model)
	var (
		source                string
		in, out               float64
		cacheRead, cacheWrite sql.NullFloat64
		syncedAt              time.Time
	)
	if err := row.Scan(&source, &in, &out, &cacheRead, &cacheWrite, &syncedAt); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("pricing: catalog lookup: %w", err)
	}
	p := &domain.ModelPrice{
		Model:            model,
		InputPerMillion:  in,
		OutputPerMillion: out,
		Source:           domain.PriceSource(source),
		SyncedAt:         syncedAt,
	}
	if cacheRead.Valid {
		p.CacheReadPer1M = &cacheRead.Float64
	}
	if cacheWrite.Valid {
		p.CacheWritePer1M = &cacheWrite.Float64
	}
	return p, nil
}

// SetManualOverride inserts or replaces the manual override for a model.
func (r *Resolver) SetManualOverride(ctx context.Context, p domain.ModelPrice) error {
	q := sqlstore.Bind(r.dialect, `
INSERT INTO billing_manual_overrides(model, input_per_million, output_per_million, cache_read_per_million, cache_write_per_million)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(model) DO UPDATE SET
	input_per_million = excluded.input_per_million,
	output_per_million = excluded.output_per_million,
	cache_read_per_million = excluded.cache_read_per_million,
	cache_write_per_million = excluded.cache_write_per_million`)
	_, err := r.db.ExecContext(ctx, q, p.Model, p.InputPerMillion, p.OutputPerMillion, p.CacheReadPer1M, p.CacheWritePer1M)
	if err != nil {
		return fmt.Errorf("pricing: set manual override for %s: %w", p.Model, err)
	}
	return nil
}

// Sync pulls prices from an external catalog source and stores them as
// synced-catalog rows, stamped with the current time.
func (r *Resolver) Sync(ctx context.Context, fetcher CatalogFetcher) error {
	prices, err := fetcher.FetchPrices(ctx)
	if err != nil {
		return fmt.Errorf("pricing: fetch catalog: %w", err)
	}
	now := time.Now()
	q := sqlstore.Bind(r.dialect, `
INSERT INTO billing_model_prices(model, source, input_per_million, output_per_million, cache_read_per_million, cache_write_per_million, synced_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(model, source) DO UPDATE SET
	input_per_million = excluded.input_per_million,
	output_per_million = excluded.output_per_million,
	cache_read_per_million = excluded.cache_read_per_million,
	cache_write_per_million = excluded.cache_write_per_million,
	synced_at = excluded.synced_at`)
	for _, p := range prices {
		if _, err := r.db.ExecContext(ctx, q, p.Model, string(p.Source), p.InputPerMillion, p.OutputPerMillion, p.CacheReadPer1M, p.CacheWritePer1M, now); err != nil {
			return fmt.Errorf("pricing: upsert catalog price %s: %w", p.Model, err)
		}
	}
	return nil
}
