// Package keystore implements the C1 key store: it maps a bearer
// credential to an domain.ApiKey and its bound upstream set, and exposes
// the admin-facing create/list/revoke/reveal operations.
//
// Grounded on the teacher's internal/admin SQLStore (dual-dialect schema,
// bind-rewrite, generateID/generateAPIKeyString pattern) generalized from
// a flat scopes-based key to the spec's ApiKey + ApiKeyUpstream join
// model, with bcrypt verification (artpar-apigate's hasher port) in place
// of the teacher's plaintext-equality lookup.
package keystore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/autorouter/autorouter/internal/cryptoutil"
	"github.com/autorouter/autorouter/internal/domain"
	"github.com/autorouter/autorouter/internal/sqlstore"
)

// Store is the C1 key store: SQL-backed, dual-dialect, bcrypt-verified.
type Store struct {
	db        *sql.DB
	dialect   sqlstore.Dialect
	encryptor *cryptoutil.Encryptor // may be nil when key reveal is disabled
	allowReveal bool
}

// New wraps an open database handle as a key store, creating its schema
// if needed. encryptor may be nil when allowReveal is false.
func New(db *sql.DB, dialect sqlstore.Dialect, encryptor *cryptoutil.Encryptor, allowReveal bool) (*Store, error) {
	s := &Store{db: db, dialect: dialect, encryptor: encryptor, allowReveal: allowReveal}
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
CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	key_hash TEXT NOT NULL,
	prefix TEXT NOT NULL,
	encrypted_key TEXT NULL,
	name TEXT NOT NULL,
	is_active BOOLEAN NOT NULL,
	expires_at %s NULL,
	created_at %s NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_api_keys_key_hash ON api_keys(key_hash);
CREATE TABLE IF NOT EXISTS api_key_upstreams (
	api_key_id TEXT NOT NULL,
	upstream_id TEXT NOT NULL,
	PRIMARY KEY (api_key_id, upstream_id)
);`, timestampType, timestampType)
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("keystore: init schema: %w", err)
	}
	return nil
}

// Create generates a new plaintext API key, stores its bcrypt hash (and,
// if allowReveal, the AES-GCM-encrypted plaintext), binds it to
// upstreamIDs, and returns the plaintext key alongside the stored row —
// the only moment the plaintext is available unless reveal is enabled.
func (s *Store) Create(ctx context.Context, name string, upstreamIDs []string, expiresAt *time.Time) (plaintext string, key domain.ApiKey, err error) {
	plaintext, err = generatePlaintextKey()
	if err != nil {
		return "", domain.ApiKey{}, err
	}
	hash, err := cryptoutil.HashKey(plaintext)
	if err != nil {
		return "", domain.ApiKey{}, err
	}
	var encrypted string
	if s.allowReveal {
		if s.encryptor == nil {
			return "", domain.ApiKey{}, fmt.Errorf("keystore: key reveal enabled but no encryptor configured")
		}
		encrypted, err = s.encryptor.EncryptString(plaintext)
		if err != nil {
			return "", domain.ApiKey{}, fmt.Errorf("keystore: encrypt key for reveal: %w", err)
		}
	}

	id := sqlstore.NewID()
	now := time.Now().UTC()
	prefix := plaintext
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.ApiKey{}, fmt.Errorf("keystore: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insertKey := sqlstore.Bind(s.dialect, `
INSERT INTO api_keys(id, key_hash, prefix, encrypted_key, name, is_active, expires_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	var encryptedArg interface{}
	if encrypted != "" {
		encryptedArg = encrypted
	}
	if _, err := tx.ExecContext(ctx, insertKey, id, hash, prefix, encryptedArg, name, true, expiresAt, now); err != nil {
		return "", domain.ApiKey{}, fmt.Errorf("keystore: insert key: %w", err)
	}

	insertBinding := sqlstore.Bind(s.dialect, `INSERT INTO api_key_upstreams(api_key_id, upstream_id) VALUES (?, ?)`)
	for _, uid := range upstreamIDs {
		if _, err := tx.ExecContext(ctx, insertBinding, id, uid); err != nil {
			return "", domain.ApiKey{}, fmt.Errorf("keystore: bind upstream %s: %w", uid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", domain.ApiKey{}, fmt.Errorf("keystore: commit: %w", err)
	}

	return plaintext, domain.ApiKey{
		ID:             id,
		KeyHash:        hash,
		Prefix:         prefix,
		EncryptedKey:   encrypted,
		Name:           name,
		IsActive:       true,
		ExpiresAt:      expiresAt,
		BoundUpstreams: upstreamIDs,
	}, nil
}

// Authenticate implements C1's core operation: extract the bearer token
// (already stripped of the "Bearer " prefix by the caller), verify it
// against the stored bcrypt hash, and reject inactive or expired keys.
// Lookups scan active keys' hashes because bcrypt hashes are salted and
// cannot be looked up by equality; callers needing this on the hot path
// should wrap Store with an in-process hash→ApiKey cache invalidated on
// revoke (spec §4.9 "cache-friendly").
func (s *Store) Authenticate(ctx context.Context, presented string, now time.Time) (*domain.ApiKey, error) {
	rows, err := s.db.QueryContext(ctx, sqlstore.Bind(s.dialect, `SELECT id, key_hash, prefix, encrypted_key, name, is_active, expires_at FROM api_keys WHERE is_active = ?`), true)
	if err != nil {
		return nil, fmt.Errorf("keystore: query active keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			id, hash, prefix, name string
			encrypted              sql.NullString
			isActive               bool
			expires                sql.NullTime
		)
		if err := rows.Scan(&id, &hash, &prefix, &encrypted, &name, &isActive, &expires); err != nil {
			return nil, fmt.Errorf("keystore: scan key: %w", err)
		}
		if !cryptoutil.VerifyKey(hash, presented) {
			continue
		}
		key := &domain.ApiKey{ID: id, KeyHash: hash, Prefix: prefix, Name: name, IsActive: isActive}
		if encrypted.Valid {
			key.EncryptedKey = encrypted.String
		}
		if expires.Valid {
			t := expires.Time
			key.ExpiresAt = &t
		}
		if key.Expired(now) {
			return nil, fmt.Errorf("keystore: key expired")
		}
		bound, err := s.boundUpstreams(ctx, id)
		if err != nil {
			return nil, err
		}
		key.BoundUpstreams = bound
		return key, nil
	}
	return nil, fmt.Errorf("keystore: no matching active key")
}

func (s *Store) boundUpstreams(ctx context.Context, apiKeyID string) ([]string, error) {
	q := sqlstore.Bind(s.dialect, `SELECT upstream_id FROM api_key_upstreams WHERE api_key_id = ?`)
	rows, err := s.db.QueryContext(ctx, q, apiKeyID)
	if err != nil {
		return nil, fmt.Errorf("keystore: query bindings: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		out = append(out, uid)
	}
	return out, nil
}

// List returns every stored key, most recently created first, for
// operator inspection. Plaintext and encrypted material are never
// included; use Reveal for that.
func (s *Store) List(ctx context.Context) ([]domain.ApiKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, prefix, name, is_active, expires_at FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("keystore: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.ApiKey
	for rows.Next() {
		var (
			id, prefix, name string
			isActive         bool
			expires          sql.NullTime
		)
		if err := rows.Scan(&id, &prefix, &name, &isActive, &expires); err != nil {
			return nil, fmt.Errorf("keystore: scan list row: %w", err)
		}
		key := domain.ApiKey{ID: id, Prefix: prefix, Name: name, IsActive: isActive}
		if expires.Valid {
			t := expires.Time
			key.ExpiresAt = &t
		}
		bound, err := s.boundUpstreams(ctx, id)
		if err != nil {
			return nil, err
		}
		key.BoundUpstreams = bound
		out = append(out, key)
	}
	return out, rows.Err()
}

// Revoke deactivates a key so Authenticate rejects it on every subsequent
// request.
func (s *Store) Revoke(ctx context.Context, id string) error {
	q := sqlstore.Bind(s.dialect, `UPDATE api_keys SET is_active = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, false, id)
	if err != nil {
		return fmt.Errorf("keystore: revoke: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("keystore: key not found: %s", id)
	}
	return nil
}

// Reveal returns the plaintext of a stored key, only when reveal is
// enabled (spec's ALLOW_KEY_REVEAL environment flag).
func (s *Store) Reveal(ctx context.Context, id string) (string, error) {
	if !s.allowReveal {
		return "", fmt.Errorf("keystore: key reveal is disabled")
	}
	if s.encryptor == nil {
		return "", fmt.Errorf("keystore: key reveal enabled but no encryptor configured")
	}
	q := sqlstore.Bind(s.dialect, `SELECT encrypted_key FROM api_keys WHERE id = ?`)
	var encrypted sql.NullString
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&encrypted); err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("keystore: key not found: %s", id)
		}
		return "", fmt.Errorf("keystore: reveal: %w", err)
	}
	if !encrypted.Valid || encrypted.String == "" {
		return "", fmt.Errorf("keystore: key has no revealable plaintext stored")
	}
	return s.encryptor.DecryptString(encrypted.String)
}

func generatePlaintextKey() (string, error) {
	id := sqlstore.NewID()
	return "ar-" + strings.ReplaceAll(id, "-", ""), nil
}
