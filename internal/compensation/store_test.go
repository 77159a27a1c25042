package compensation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/autorouter/autorouter/internal/domain"
	"github.com/autorouter/autorouter/internal/sqlstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlstore.Open(sqlstore.SQLite, filepath.Join(t.TempDir(), "compensation.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s, err := NewStore(db, sqlstore.SQLite)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestNewStoreSeedsBuiltins(t *testing.T) {
	s := newTestStore(t)
	rules, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rules) != len(BuiltinRules()) {
		t.Fatalf("expected %d seeded builtin rules, got %d", len(BuiltinRules()), len(rules))
	}
	for _, r := range rules {
		if !r.IsBuiltin {
			t.Fatalf("expected seeded rule %s to be builtin", r.ID)
		}
	}
}

func TestCreateRejectsNameCollision(t *testing.T) {
	s := newTestStore(t)
	rule := domain.CompensationRule{
		ID:           "custom-session",
		Capabilities: []domain.RouteCapability{domain.CapabilityOpenAIChatCompatible},
		TargetHeader: "X-Session-Id",
		Sources:      []string{"headers.X-Session-Id"},
		Mode:         domain.CompensationModeMissingOnly,
		Enabled:      true,
	}
	if _, err := s.Create(context.Background(), rule); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Create(context.Background(), rule); !errors.Is(err, ErrNameCollision) {
		t.Fatalf("expected ErrNameCollision, got %v", err)
	}
}

func TestUpdateBuiltinRejectsShapeChange(t *testing.T) {
	s := newTestStore(t)
	existing, err := s.Get(context.Background(), "builtin-anthropic-version")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	changed := existing
	changed.TargetHeader = "x-different-header"
	if _, err := s.Update(context.Background(), existing.ID, changed); !errors.Is(err, ErrBuiltinImmutable) {
		t.Fatalf("expected ErrBuiltinImmutable for shape change, got %v", err)
	}

	toggled := existing
	toggled.Enabled = false
	updated, err := s.Update(context.Background(), existing.ID, toggled)
	if err != nil {
		t.Fatalf("expected enabled toggle to succeed, got %v", err)
	}
	if updated.Enabled {
		t.Fatal("expected rule to be disabled")
	}
}

func TestDeleteRejectsBuiltin(t *testing.T) {
	s := newTestStore(t)
	if err := s.Delete(context.Background(), "builtin-openai-org"); !errors.Is(err, ErrBuiltinImmutable) {
		t.Fatalf("expected ErrBuiltinImmutable, got %v", err)
	}
}

func TestCreateUpdateDeleteCustomRule(t *testing.T) {
	s := newTestStore(t)
	rule := domain.CompensationRule{
		ID:           "custom-trace",
		Capabilities: []domain.RouteCapability{domain.CapabilityAnthropicMessages},
		TargetHeader: "X-Trace-Id",
		Sources:      []string{"headers.X-Trace-Id"},
		Mode:         domain.CompensationModeMissingOnly,
		Enabled:      true,
	}
	created, err := s.Create(context.Background(), rule)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.IsBuiltin {
		t.Fatal("expected custom rule to not be builtin")
	}

	created.TargetHeader = "X-Trace-Id-V2"
	updated, err := s.Update(context.Background(), created.ID, created)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.TargetHeader != "X-Trace-Id-V2" {
		t.Fatalf("expected updated target header, got %q", updated.TargetHeader)
	}

	if err := s.Delete(context.Background(), created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(context.Background(), created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
