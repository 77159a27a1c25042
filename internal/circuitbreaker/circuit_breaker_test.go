package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/autorouter/autorouter/internal/domain"
)

func testConfig() domain.CircuitBreakerConfig {
	return domain.CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		OpenDuration:     10 * time.Second,
		ProbeInterval:    time.Second,
	}
}

func TestInitialStateClosed(t *testing.T) {
	r := NewRegistry(nil)
	b := r.Get(context.Background(), "u1", testConfig())
	now := time.Now()
	if b.State(now) != domain.CBClosed {
		t.Fatalf("expected closed, got %s", b.State(now))
	}
	if !b.Allow(now) {
		t.Fatal("expected Allow=true when closed")
	}
}

func TestOpensAfterThreshold(t *testing.T) {
	r := NewRegistry(nil)
	b := r.Get(context.Background(), "u1", testConfig())
	now := time.Now()
	for i := 0; i < 3; i++ {
		b.RecordFailure(now)
	}
	if b.State(now) != domain.CBOpen {
		t.Fatalf("expected open after 3 failures, got %s", b.State(now))
	}
	if b.Allow(now) {
		t.Fatal("expected Allow=false when open")
	}
}

func TestTransitionsToHalfOpenAfterTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.OpenDuration = time.Millisecond
	r := NewRegistry(nil)
	b := r.Get(context.Background(), "u1", cfg)
	now := time.Now()
	b.RecordFailure(now)
	b.RecordFailure(now)
	b.RecordFailure(now)
	later := now.Add(5 * time.Millisecond)
	if b.State(later) != domain.CBHalfOpen {
		t.Fatalf("expected half_open after timeout, got %s", b.State(later))
	}
	if !b.Allow(later) {
		t.Fatal("expected Allow=true for the single probe when half_open")
	}
}

func TestHalfOpenAllowsOnlyOneProbe(t *testing.T) {
	cfg := testConfig()
	cfg.OpenDuration = time.Millisecond
	r := NewRegistry(nil)
	b := r.Get(context.Background(), "u1", cfg)
	now := time.Now()
	b.RecordFailure(now)
	b.RecordFailure(now)
	b.RecordFailure(now)
	later := now.Add(5 * time.Millisecond)
	if !b.Allow(later) {
		t.Fatal("first probe should be allowed")
	}
	if b.Allow(later) {
		t.Fatal("second concurrent probe should be refused")
	}
}

func TestClosesAfterSuccessInHalfOpen(t *testing.T) {
	cfg := testConfig()
	cfg.OpenDuration = time.Millisecond
	r := NewRegistry(nil)
	b := r.Get(context.Background(), "u1", cfg)
	now := time.Now()
	b.RecordFailure(now)
	b.RecordFailure(now)
	b.RecordFailure(now)
	later := now.Add(5 * time.Millisecond)
	b.Allow(later)
	b.RecordSuccess(later)
	if b.State(later) != domain.CBClosed {
		t.Fatalf("expected closed after success in half_open, got %s", b.State(later))
	}
}

func TestReopensOnFailureInHalfOpen(t *testing.T) {
	cfg := testConfig()
	cfg.OpenDuration = time.Millisecond
	r := NewRegistry(nil)
	b := r.Get(context.Background(), "u1", cfg)
	now := time.Now()
	b.RecordFailure(now)
	b.RecordFailure(now)
	b.RecordFailure(now)
	later := now.Add(5 * time.Millisecond)
	b.Allow(later)
	b.RecordFailure(later)
	if b.State(later) != domain.CBOpen {
		t.Fatalf("expected open after failure in half_open, got %s", b.State(later))
	}
	if b.Allow(later) {
		t.Fatal("expected the fresh Open period to refuse requests immediately")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	r := NewRegistry(nil)
	b := r.Get(context.Background(), "u1", testConfig())
	now := time.Now()
	b.RecordFailure(now)
	b.RecordFailure(now)
	b.RecordSuccess(now)
	b.RecordFailure(now)
	b.RecordFailure(now)
	if b.State(now) != domain.CBClosed {
		t.Fatalf("expected still closed (failure count reset), got %s", b.State(now))
	}
}

func TestForceOpenAndForceClose(t *testing.T) {
	r := NewRegistry(nil)
	b := r.Get(context.Background(), "u1", testConfig())
	now := time.Now()
	b.ForceOpen(now)
	if b.State(now) != domain.CBOpen {
		t.Fatal("expected force_open to open the circuit")
	}
	b.ForceClose(now)
	if b.State(now) != domain.CBClosed {
		t.Fatal("expected force_close to close the circuit")
	}
}

type memStore struct {
	saved map[string]domain.CircuitBreakerState
}

func newMemStore() *memStore { return &memStore{saved: make(map[string]domain.CircuitBreakerState)} }

func (m *memStore) Load(ctx context.Context, upstreamID string) (*domain.CircuitBreakerState, error) {
	s, ok := m.saved[upstreamID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memStore) Save(ctx context.Context, s domain.CircuitBreakerState) error {
	m.saved[s.UpstreamID] = s
	return nil
}

func TestRegistryRestoresPersistedState(t *testing.T) {
	store := newMemStore()
	now := time.Now()
	store.saved["u1"] = domain.CircuitBreakerState{
		UpstreamID: "u1",
		State:      domain.CBOpen,
		OpenedAt:   &now,
		Config:     testConfig(),
	}

	r := NewRegistry(store)
	b := r.Get(context.Background(), "u1", testConfig())
	if b.State(now) != domain.CBOpen {
		t.Fatalf("expected restored open state, got %s", b.State(now))
	}
}

func TestRegistryPersistsOnTransition(t *testing.T) {
	store := newMemStore()
	r := NewRegistry(store)
	b := r.Get(context.Background(), "u1", testConfig())
	now := time.Now()
	for i := 0; i < 3; i++ {
		b.RecordFailure(now)
	}
	saved, ok := store.saved["u1"]
	if !ok {
		t.Fatal("expected a saved state after transition")
	}
	if saved.State != domain.CBOpen {
		t.Fatalf("expected persisted state open, got %s", saved.State)
	}
}
