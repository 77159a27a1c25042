package keystore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/autorouter/autorouter/internal/sqlstore"
)

func newTestStore(t *testing.T, allowReveal bool) *Store {
	t.Helper()
	db, err := sqlstore.Open(sqlstore.SQLite, filepath.Join(t.TempDir(), "keys.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := New(db, sqlstore.SQLite, nil, allowReveal)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestCreateAndAuthenticate(t *testing.T) {
	store := newTestStore(t, false)
	ctx := context.Background()

	plaintext, key, err := store.Create(ctx, "test key", []string{"u1", "u2"}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if plaintext == "" || key.ID == "" {
		t.Fatal("expected plaintext and id to be populated")
	}

	got, err := store.Authenticate(ctx, plaintext, time.Now())
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.ID != key.ID {
		t.Fatalf("got id %s want %s", got.ID, key.ID)
	}
	if !got.BindsUpstream("u1") || !got.BindsUpstream("u2") {
		t.Fatal("expected both upstreams bound")
	}
}

func TestAuthenticateRejectsWrongKey(t *testing.T) {
	store := newTestStore(t, false)
	ctx := context.Background()
	_, _, err := store.Create(ctx, "test key", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Authenticate(ctx, "ar-wrongvalue", time.Now()); err == nil {
		t.Fatal("expected authentication to fail for wrong key")
	}
}

func TestAuthenticateRejectsRevokedKey(t *testing.T) {
	store := newTestStore(t, false)
	ctx := context.Background()
	plaintext, key, err := store.Create(ctx, "test key", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Revoke(ctx, key.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := store.Authenticate(ctx, plaintext, time.Now()); err == nil {
		t.Fatal("expected authentication to fail for revoked key")
	}
}

func TestAuthenticateRejectsExpiredKey(t *testing.T) {
	store := newTestStore(t, false)
	ctx := context.Background()
	expiresAt := time.Now().Add(-time.Minute)
	plaintext, _, err := store.Create(ctx, "expired", nil, &expiresAt)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Authenticate(ctx, plaintext, time.Now()); err == nil {
		t.Fatal("expected authentication to fail for expired key")
	}
}

func TestRevealDisabledByDefault(t *testing.T) {
	store := newTestStore(t, false)
	ctx := context.Background()
	_, key, err := store.Create(ctx, "test key", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Reveal(ctx, key.ID); err == nil {
		t.Fatal("expected reveal to be rejected when disabled")
	}
}
