// Package upstream implements the C2 upstream registry: SQL-backed
// persistence of provider endpoints, their routing metadata, and the two
// semantic validations spec §4.10 requires — single-provider-family
// capability sets and rolling spending-period bounds — plus the legacy
// seconds-vs-milliseconds circuit-breaker tuning compatibility shim.
package upstream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/autorouter/autorouter/internal/classifier"
	"github.com/autorouter/autorouter/internal/domain"
	"github.com/autorouter/autorouter/internal/sqlstore"
)

// Registry persists and serves domain.Upstream rows.
type Registry struct {
	db      *sql.DB
	dialect sqlstore.Dialect
}

// New wraps an open database handle as an upstream registry, creating its
// schema if needed.
func New(db *sql.DB, dialect sqlstore.Dialect) (*Registry, error) {
	r := &Registry{db: db, dialect: dialect}
	if err := r.init(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) init() error {
	ddl := `
CREATE TABLE IF NOT EXISTS upstreams (
	id TEXT PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	base_url TEXT NOT NULL,
	encrypted_credential TEXT NOT NULL,
	is_active BOOLEAN NOT NULL,
	priority INTEGER NOT NULL,
	weight REAL NOT NULL,
	timeout_ms INTEGER NOT NULL,
	route_capabilities TEXT NOT NULL,
	allowed_models TEXT NULL,
	model_redirects TEXT NOT NULL,
	affinity_migration TEXT NULL,
	billing_input_multiplier REAL NOT NULL,
	billing_output_multiplier REAL NOT NULL,
	spending_limit REAL NOT NULL,
	spending_period_type TEXT NOT NULL,
	spending_period_hours INTEGER NOT NULL,
	exclude_status_codes TEXT NOT NULL,
	cb_failure_threshold INTEGER NOT NULL,
	cb_success_threshold INTEGER NOT NULL,
	cb_open_duration_ms INTEGER NOT NULL,
	cb_probe_interval_ms INTEGER NOT NULL,
	credential_scheme TEXT NOT NULL DEFAULT 'bearer',
	credential_region TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_upstreams_priority ON upstreams(priority);`
	if _, err := r.db.Exec(ddl); err != nil {
		return fmt.Errorf("upstream: init schema: %w", err)
	}
	return nil
}

// ValidationError is returned by Upsert when the semantic validations of
// spec §4.10 fail.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "upstream: " + e.Reason }

// validate runs both spec §4.10 checks, defaults an empty
// CredentialScheme to bearer, and checks the scheme (sigv4 needs a
// region). It does not touch circuit-breaker durations; legacy
// seconds-vs-milliseconds values are normalized by NormalizeLegacyDurations.
func validate(u *domain.Upstream) error {
	if len(u.RouteCapabilities) > 0 {
		if _, ok := classifier.SingleFamily(u.RouteCapabilities); !ok {
			return &ValidationError{Reason: "route capabilities must all belong to one provider family"}
		}
	}
	if u.SpendingPeriodType == domain.PeriodRolling {
		if u.SpendingPeriodHours < 1 || u.SpendingPeriodHours > 8760 {
			return &ValidationError{Reason: "spendingPeriodHours must be in [1, 8760] when spendingPeriodType is rolling"}
		}
	}
	if u.CredentialScheme == "" {
		u.CredentialScheme = domain.CredentialSchemeBearer
	}
	switch u.CredentialScheme {
	case domain.CredentialSchemeBearer, domain.CredentialSchemeOAuth2:
	case domain.CredentialSchemeSigV4:
		if u.CredentialRegion == "" {
			return &ValidationError{Reason: "credentialRegion is required when credentialScheme is sigv4"}
		}
	default:
		return &ValidationError{Reason: "credentialScheme must be one of bearer, sigv4, oauth2"}
	}
	return nil
}

// NormalizeLegacyDurations interprets raw numeric openDuration/probeInterval
// values the way spec §4.10 and B3 require: values <=300 are seconds for
// openDuration (<=60 for probeInterval); otherwise the value is already
// milliseconds. Call this when decoding admin-supplied config before
// constructing a domain.CircuitBreakerConfig.
func NormalizeLegacyDurations(openDurationRaw, probeIntervalRaw float64) (openDuration, probeInterval time.Duration) {
	if openDurationRaw <= 300 {
		openDuration = time.Duration(openDurationRaw * float64(time.Second))
	} else {
		openDuration = time.Duration(openDurationRaw) * time.Millisecond
	}
	if probeIntervalRaw <= 60 {
		probeInterval = time.Duration(probeIntervalRaw * float64(time.Second))
	} else {
		probeInterval = time.Duration(probeIntervalRaw) * time.Millisecond
	}
	return openDuration, probeInterval
}

// Upsert inserts or updates an upstream row after running §4.10's
// validations.
func (r *Registry) Upsert(ctx context.Context, u domain.Upstream) error {
	if err := validate(&u); err != nil {
		return err
	}
	if u.ID == "" {
		u.ID = sqlstore.NewID()
	}

	capsJSON, _ := json.Marshal(u.RouteCapabilities)
	modelsJSON, _ := json.Marshal(u.AllowedModels)
	redirectsJSON, _ := json.Marshal(u.ModelRedirects)
	affinityJSON, _ := json.Marshal(u.AffinityMigration)
	excludeJSON, _ := json.Marshal(u.ExcludeStatusCodes)

	q := sqlstore.Bind(r.dialect, `
INSERT INTO upstreams (
	id, name, base_url, encrypted_credential, is_active, priority, weight, timeout_ms,
	route_capabilities, allowed_models, model_redirects, affinity_migration,
	billing_input_multiplier, billing_output_multiplier,
	spending_limit, spending_period_type, spending_period_hours, exclude_status_codes,
	cb_failure_threshold, cb_success_threshold, cb_open_duration_ms, cb_probe_interval_ms,
	credential_scheme, credential_region
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name, base_url = excluded.base_url, encrypted_credential = excluded.encrypted_credential,
	is_active = excluded.is_active, priority = excluded.priority, weight = excluded.weight,
	timeout_ms = excluded.timeout_ms, route_capabilities = excluded.route_capabilities,
	allowed_models = excluded.allowed_models, model_redirects = excluded.model_redirects,
	affinity_migration = excluded.affinity_migration,
	billing_input_multiplier = excluded.billing_input_multiplier,
	billing_output_multiplier = excluded.billing_output_multiplier,
	spending_limit = excluded.spending_limit, spending_period_type = excluded.spending_period_type,
	spending_period_hours = excluded.spending_period_hours, exclude_status_codes = excluded.exclude_status_codes,
	cb_failure_threshold = excluded.cb_failure_threshold, cb_success_threshold = excluded.cb_success_threshold,
	cb_open_duration_ms = excluded.cb_open_duration_ms, cb_probe_interval_ms = excluded.cb_probe_interval_ms,
	credential_scheme = excluded.credential_scheme, credential_region = excluded.credential_region`)

	credentialScheme := u.CredentialScheme
	if credentialScheme == "" {
		credentialScheme = domain.CredentialSchemeBearer
	}

	_, err := r.db.ExecContext(ctx, q,
		u.ID, u.Name, u.BaseURL, u.EncryptedCredential, u.IsActive, u.Priority, u.Weight, u.Timeout.Milliseconds(),
		string(capsJSON), string(modelsJSON), string(redirectsJSON), string(affinityJSON),
		u.BillingInputMultiplier, u.BillingOutputMultiplier,
		u.SpendingLimit, string(u.SpendingPeriodType), u.SpendingPeriodHours, string(excludeJSON),
		u.CircuitBreaker.FailureThreshold, u.CircuitBreaker.SuccessThreshold,
		u.CircuitBreaker.OpenDuration.Milliseconds(), u.CircuitBreaker.ProbeInterval.Milliseconds(),
		string(credentialScheme), u.CredentialRegion,
	)
	if err != nil {
		return fmt.Errorf("upstream: upsert %s: %w", u.Name, err)
	}
	return nil
}

// Delete removes an upstream by ID.
func (r *Registry) Delete(ctx context.Context, id string) error {
	q := sqlstore.Bind(r.dialect, `DELETE FROM upstreams WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("upstream: delete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("upstream: not found: %s", id)
	}
	return nil
}

// Get fetches one upstream by ID.
func (r *Registry) Get(ctx context.Context, id string) (*domain.Upstream, error) {
	q := sqlstore.Bind(r.dialect, baseSelect+` WHERE id = ?`)
	row := r.db.QueryRowContext(ctx, q, id)
	u, err := scanUpstream(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("upstream: not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// ListActive returns all active upstreams, ordered by priority ascending
// (spec §4.2 step 1's "Group survivors by priority tier, ascending").
func (r *Registry) ListActive(ctx context.Context) ([]domain.Upstream, error) {
	q := baseSelect + ` WHERE is_active = ? ORDER BY priority ASC`
	rows, err := r.db.QueryContext(ctx, sqlstore.Bind(r.dialect, q), true)
	if err != nil {
		return nil, fmt.Errorf("upstream: list active: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Upstream
	for rows.Next() {
		u, err := scanUpstream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, nil
}

const baseSelect = `
SELECT id, name, base_url, encrypted_credential, is_active, priority, weight, timeout_ms,
       route_capabilities, allowed_models, model_redirects, affinity_migration,
       billing_input_multiplier, billing_output_multiplier,
       spending_limit, spending_period_type, spending_period_hours, exclude_status_codes,
       cb_failure_threshold, cb_success_threshold, cb_open_duration_ms, cb_probe_interval_ms,
       credential_scheme, credential_region
FROM upstreams`

func scanUpstream(scanner interface{ Scan(...interface{}) error }) (*domain.Upstream, error) {
	var (
		u                                domain.Upstream
		capsRaw, modelsRaw, redirectsRaw string
		affinityRaw                      sql.NullString
		excludeRaw                       string
		timeoutMs, openMs, probeMs       int64
		spendingPeriodType               string
		credentialScheme                string
	)
	err := scanner.Scan(
		&u.ID, &u.Name, &u.BaseURL, &u.EncryptedCredential, &u.IsActive, &u.Priority, &u.Weight, &timeoutMs,
		&capsRaw, &modelsRaw, &redirectsRaw, &affinityRaw,
		&u.BillingInputMultiplier, &u.BillingOutputMultiplier,
		&u.SpendingLimit, &spendingPeriodType, &u.SpendingPeriodHours, &excludeRaw,
		&u.CircuitBreaker.FailureThreshold, &u.CircuitBreaker.SuccessThreshold, &openMs, &probeMs,
		&credentialScheme, &u.CredentialRegion,
	)
	if err != nil {
		return nil, err
	}
	u.Timeout = time.Duration(timeoutMs) * time.Millisecond
	u.CircuitBreaker.OpenDuration = time.Duration(openMs) * time.Millisecond
	u.CircuitBreaker.ProbeInterval = time.Duration(probeMs) * time.Millisecond
	u.SpendingPeriodType = domain.SpendingPeriodType(spendingPeriodType)
	u.CredentialScheme = domain.CredentialScheme(credentialScheme)

	if err := json.Unmarshal([]byte(capsRaw), &u.RouteCapabilities); err != nil {
		return nil, fmt.Errorf("upstream: decode route_capabilities: %w", err)
	}
	if modelsRaw != "null" && modelsRaw != "" {
		if err := json.Unmarshal([]byte(modelsRaw), &u.AllowedModels); err != nil {
			return nil, fmt.Errorf("upstream: decode allowed_models: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(redirectsRaw), &u.ModelRedirects); err != nil {
		return nil, fmt.Errorf("upstream: decode model_redirects: %w", err)
	}
	if affinityRaw.Valid && affinityRaw.String != "null" && affinityRaw.String != "" {
		var am domain.AffinityMigration
		if err := json.Unmarshal([]byte(affinityRaw.String), &am); err != nil {
			return nil, fmt.Errorf("upstream: decode affinity_migration: %w", err)
		}
		u.AffinityMigration = &am
	}
	if err := json.Unmarshal([]byte(excludeRaw), &u.ExcludeStatusCodes); err != nil {
		return nil, fmt.Errorf("upstream: decode exclude_status_codes: %w", err)
	}
	return &u, nil
}
