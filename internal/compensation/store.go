package compensation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/autorouter/autorouter/internal/domain"
	"github.com/autorouter/autorouter/internal/sqlstore"
)

// Store persists CompensationRule rows, seeding BuiltinRules on first use
// (spec §3: "Built-in rules cannot be renamed or have their
// capability/source/target fields edited; only enabled toggles"). It
// doubles as the Engine's load collaborator and as the backing store for
// the admin CRUD surface (spec §6 "GET|POST|PUT|DELETE
// /api/admin/compensation-rules[/{id}]").
type Store struct {
	db      *sql.DB
	dialect sqlstore.Dialect
}

// ErrBuiltinImmutable is returned when a mutation tries to change a
// built-in rule's capability/source/target fields, or delete it — only
// its Enabled flag may be toggled.
var ErrBuiltinImmutable = errors.New("compensation: built-in rules may only have their enabled flag toggled")

// ErrNameCollision is returned when a created custom rule's ID
// matches an existing rule.
var ErrNameCollision = errors.New("compensation: rule id already exists")

// ErrNotFound is returned when the referenced rule id does not exist.
var ErrNotFound = errors.New("compensation: rule not found")

// NewStore wraps an open database handle as a compensation-rule store,
// creating its schema and seeding the built-in rows if needed.
func NewStore(db *sql.DB, dialect sqlstore.Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	if err := s.init(); err != nil {
		return nil, err
	}
	if err := s.seedBuiltins(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	ddl := `
CREATE TABLE IF NOT EXISTS compensation_rules (
	id TEXT PRIMARY KEY,
	capabilities TEXT NOT NULL,
	target_header TEXT NOT NULL,
	sources TEXT NOT NULL,
	mode TEXT NOT NULL,
	is_builtin BOOLEAN NOT NULL DEFAULT FALSE,
	enabled BOOLEAN NOT NULL DEFAULT TRUE
);`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("compensation: init schema: %w", err)
	}
	return nil
}

func (s *Store) seedBuiltins(ctx context.Context) error {
	for _, rule := range BuiltinRules() {
		var count int
		q := sqlstore.Bind(s.dialect, "SELECT COUNT(*) FROM compensation_rules WHERE id = ?")
		if err := s.db.QueryRowContext(ctx, q, rule.ID).Scan(&count); err != nil {
			return fmt.Errorf("compensation: seed check %s: %w", rule.ID, err)
		}
		if count > 0 {
			continue
		}
		if err := s.insert(ctx, rule); err != nil {
			return fmt.Errorf("compensation: seed %s: %w", rule.ID, err)
		}
	}
	return nil
}

// Load returns every rule, for Engine.New/Invalidate.
func (s *Store) Load(ctx context.Context) ([]domain.CompensationRule, error) {
	q := `SELECT id, capabilities, target_header, sources, mode, is_builtin, enabled FROM compensation_rules ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("compensation: list: %w", err)
	}
	defer rows.Close()

	var out []domain.CompensationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns one rule by id.
func (s *Store) Get(ctx context.Context, id string) (domain.CompensationRule, error) {
	q := sqlstore.Bind(s.dialect, `SELECT id, capabilities, target_header, sources, mode, is_builtin, enabled FROM compensation_rules WHERE id = ?`)
	row := s.db.QueryRowContext(ctx, q, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CompensationRule{}, ErrNotFound
	}
	if err != nil {
		return domain.CompensationRule{}, err
	}
	return r, nil
}

// Create inserts a new custom rule. Returns ErrNameCollision if rule.ID is
// already in use (spec §6 "custom rows forbid a name collision with
// 409").
func (s *Store) Create(ctx context.Context, rule domain.CompensationRule) (domain.CompensationRule, error) {
	rule.IsBuiltin = false
	if _, err := s.Get(ctx, rule.ID); err == nil {
		return domain.CompensationRule{}, ErrNameCollision
	} else if !errors.Is(err, ErrNotFound) {
		return domain.CompensationRule{}, err
	}
	if err := s.insert(ctx, rule); err != nil {
		return domain.CompensationRule{}, err
	}
	return rule, nil
}

func (s *Store) insert(ctx context.Context, rule domain.CompensationRule) error {
	caps, err := json.Marshal(rule.Capabilities)
	if err != nil {
		return fmt.Errorf("compensation: marshal capabilities: %w", err)
	}
	sources, err := json.Marshal(rule.Sources)
	if err != nil {
		return fmt.Errorf("compensation: marshal sources: %w", err)
	}
	q := sqlstore.Bind(s.dialect, `
INSERT INTO compensation_rules (id, capabilities, target_header, sources, mode, is_builtin, enabled)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, q, rule.ID, string(caps), rule.TargetHeader, string(sources), string(rule.Mode), rule.IsBuiltin, rule.Enabled)
	if err != nil {
		return fmt.Errorf("compensation: insert %s: %w", rule.ID, err)
	}
	return nil
}

// Update applies changes to an existing rule. Built-in rules reject any
// change other than Enabled (spec §3/§6); ErrBuiltinImmutable otherwise.
func (s *Store) Update(ctx context.Context, id string, changes domain.CompensationRule) (domain.CompensationRule, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return domain.CompensationRule{}, err
	}

	if existing.IsBuiltin {
		if !sameRuleShape(existing, changes, id) {
			return domain.CompensationRule{}, ErrBuiltinImmutable
		}
		existing.Enabled = changes.Enabled
		if err := s.update(ctx, existing); err != nil {
			return domain.CompensationRule{}, err
		}
		return existing, nil
	}

	changes.ID = id
	changes.IsBuiltin = false
	if err := s.update(ctx, changes); err != nil {
		return domain.CompensationRule{}, err
	}
	return changes, nil
}

func sameRuleShape(existing, changes domain.CompensationRule, id string) bool {
	if len(existing.Capabilities) != len(changes.Capabilities) {
		return false
	}
	for i := range existing.Capabilities {
		if existing.Capabilities[i] != changes.Capabilities[i] {
			return false
		}
	}
	if existing.TargetHeader != changes.TargetHeader || existing.Mode != changes.Mode {
		return false
	}
	if len(existing.Sources) != len(changes.Sources) {
		return false
	}
	for i := range existing.Sources {
		if existing.Sources[i] != changes.Sources[i] {
			return false
		}
	}
	return true
}

func (s *Store) update(ctx context.Context, rule domain.CompensationRule) error {
	caps, err := json.Marshal(rule.Capabilities)
	if err != nil {
		return fmt.Errorf("compensation: marshal capabilities: %w", err)
	}
	sources, err := json.Marshal(rule.Sources)
	if err != nil {
		return fmt.Errorf("compensation: marshal sources: %w", err)
	}
	q := sqlstore.Bind(s.dialect, `
UPDATE compensation_rules SET capabilities = ?, target_header = ?, sources = ?, mode = ?, enabled = ?
WHERE id = ?`)
	_, err = s.db.ExecContext(ctx, q, string(caps), rule.TargetHeader, string(sources), string(rule.Mode), rule.Enabled, rule.ID)
	if err != nil {
		return fmt.Errorf("compensation: update %s: %w", rule.ID, err)
	}
	return nil
}

// Delete removes a custom rule. Built-in rules cannot be deleted.
func (s *Store) Delete(ctx context.Context, id string) error {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if existing.IsBuiltin {
		return ErrBuiltinImmutable
	}
	q := sqlstore.Bind(s.dialect, `DELETE FROM compensation_rules WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("compensation: delete %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (domain.CompensationRule, error) {
	var (
		r            domain.CompensationRule
		capsJSON     string
		sourcesJSON  string
		mode         string
	)
	if err := row.Scan(&r.ID, &capsJSON, &r.TargetHeader, &sourcesJSON, &mode, &r.IsBuiltin, &r.Enabled); err != nil {
		return domain.CompensationRule{}, err
	}
	r.Mode = domain.CompensationMode(mode)
	if err := json.Unmarshal([]byte(capsJSON), &r.Capabilities); err != nil {
		return domain.CompensationRule{}, fmt.Errorf("compensation: unmarshal capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(sourcesJSON), &r.Sources); err != nil {
		return domain.CompensationRule{}, fmt.Errorf("compensation: unmarshal sources: %w", err)
	}
	return r, nil
}
