// Package circuitbreaker implements the C4 circuit-breaker state machine:
// one instance per upstream, guarding outbound calls with a
// closed/open/half-open gate.
//
// State transitions (spec §4.4):
//
//	Closed   → Open       when failureCount ≥ FailureThreshold
//	Open     → HalfOpen   when now−openedAt ≥ OpenDuration and the probe slot is free
//	HalfOpen → Closed     when successCount ≥ SuccessThreshold
//	HalfOpen → Open       on any failure
//
// Unlike a bare success/failure counter, HalfOpen additionally gates
// concurrency: only one probe may be in flight at a time (invariant I2).
// Other callers asking Allow() while a probe is outstanding are refused,
// exactly as if the circuit were still Open.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/autorouter/autorouter/internal/domain"
)

// ErrCircuitOpen is returned by callers that choose to treat a refused
// Allow() as an error rather than a boolean (e.g. the selector, which
// instead just skips the upstream).
var ErrCircuitOpen = errors.New("circuitbreaker: circuit open")

// Store persists circuit-breaker state so a process restart resumes from
// the last known state instead of Closed (spec §4.4 "Persistence").
type Store interface {
	Load(ctx context.Context, upstreamID string) (*domain.CircuitBreakerState, error)
	Save(ctx context.Context, state domain.CircuitBreakerState) error
}

// Breaker guards a single upstream.
type Breaker struct {
	mu            sync.Mutex
	upstreamID    string
	config        domain.CircuitBreakerConfig
	state         domain.CBState
	failureCount  int
	successCount  int
	lastFailureAt *time.Time
	openedAt      *time.Time
	lastProbeAt   *time.Time
	probeInFlight bool

	onTransition func(domain.CircuitBreakerState)
}

func newBreaker(upstreamID string, cfg domain.CircuitBreakerConfig, persisted *domain.CircuitBreakerState, onTransition func(domain.CircuitBreakerState)) *Breaker {
	b := &Breaker{
		upstreamID:   upstreamID,
		config:       cfg,
		state:        domain.CBClosed,
		onTransition: onTransition,
	}
	if persisted != nil {
		b.state = persisted.State
		b.failureCount = persisted.FailureCount
		b.successCount = persisted.SuccessCount
		b.lastFailureAt = persisted.LastFailureAt
		b.openedAt = persisted.OpenedAt
		b.lastProbeAt = persisted.LastProbeAt
	}
	return b
}

// resolveLocked performs the lazy Open→HalfOpen transition; must be
// called with b.mu held.
func (b *Breaker) resolveLocked(now time.Time) {
	if b.state == domain.CBOpen && b.openedAt != nil && now.Sub(*b.openedAt) >= b.config.OpenDuration {
		b.state = domain.CBHalfOpen
		b.successCount = 0
		b.probeInFlight = false
	}
}

// Allow reports whether a request may be forwarded to this upstream right
// now. When the circuit is HalfOpen, at most one caller at a time receives
// true; others are refused until the outstanding probe resolves via
// RecordSuccess/RecordFailure.
func (b *Breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolveLocked(now)
	switch b.state {
	case domain.CBClosed:
		return true
	case domain.CBHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		t := now
		b.lastProbeAt = &t
		return true
	default: // CBOpen
		return false
	}
}

// RecordSuccess notifies the breaker that a forwarded call succeeded.
func (b *Breaker) RecordSuccess(now time.Time) {
	b.mu.Lock()
	switch b.state {
	case domain.CBHalfOpen:
		b.successCount++
		b.probeInFlight = false
		if b.successCount >= successThreshold(b.config) {
			b.state = domain.CBClosed
			b.failureCount = 0
			b.successCount = 0
		}
	case domain.CBClosed:
		b.failureCount = 0
	}
	snap := b.snapshotLocked()
	b.mu.Unlock()
	b.persist(snap)
}

// RecordFailure notifies the breaker that a forwarded call failed in a
// way that counts against it (spec §4.5 failoverable outcomes).
func (b *Breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	switch b.state {
	case domain.CBClosed:
		b.failureCount++
		t := now
		b.lastFailureAt = &t
		if b.failureCount >= failureThreshold(b.config) {
			b.state = domain.CBOpen
			b.openedAt = &t
			b.failureCount = 0
			b.successCount = 0
		}
	case domain.CBHalfOpen:
		b.state = domain.CBOpen
		t := now
		b.openedAt = &t
		b.lastFailureAt = &t
		b.successCount = 0
		b.probeInFlight = false
	}
	snap := b.snapshotLocked()
	b.mu.Unlock()
	b.persist(snap)
}

// ForceOpen is the admin "force_open" transition, legal from any state.
func (b *Breaker) ForceOpen(now time.Time) {
	b.mu.Lock()
	b.state = domain.CBOpen
	t := now
	b.openedAt = &t
	b.failureCount = 0
	b.successCount = 0
	b.probeInFlight = false
	snap := b.snapshotLocked()
	b.mu.Unlock()
	b.persist(snap)
}

// ForceClose is the admin "force_close" transition, legal from any state.
func (b *Breaker) ForceClose(now time.Time) {
	b.mu.Lock()
	b.state = domain.CBClosed
	b.failureCount = 0
	b.successCount = 0
	b.probeInFlight = false
	b.openedAt = nil
	snap := b.snapshotLocked()
	b.mu.Unlock()
	b.persist(snap)
}

// State returns the resolved current state (applying the lazy
// Open→HalfOpen transition) without mutating probe-slot occupancy.
func (b *Breaker) State(now time.Time) domain.CBState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolveLocked(now)
	return b.state
}

func (b *Breaker) snapshotLocked() domain.CircuitBreakerState {
	return domain.CircuitBreakerState{
		UpstreamID:    b.upstreamID,
		State:         b.state,
		FailureCount:  b.failureCount,
		SuccessCount:  b.successCount,
		LastFailureAt: b.lastFailureAt,
		OpenedAt:      b.openedAt,
		LastProbeAt:   b.lastProbeAt,
		Config:        b.config,
	}
}

// Snapshot returns a copy of the breaker's persisted-shape state, for
// admin listing.
func (b *Breaker) Snapshot() domain.CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Breaker) persist(state domain.CircuitBreakerState) {
	if b.onTransition != nil {
		b.onTransition(state)
	}
}

func failureThreshold(cfg domain.CircuitBreakerConfig) int {
	if cfg.FailureThreshold <= 0 {
		return domain.DefaultCircuitBreakerConfig().FailureThreshold
	}
	return cfg.FailureThreshold
}

func successThreshold(cfg domain.CircuitBreakerConfig) int {
	if cfg.SuccessThreshold <= 0 {
		return domain.DefaultCircuitBreakerConfig().SuccessThreshold
	}
	return cfg.SuccessThreshold
}

// Registry owns one Breaker per upstream, created lazily with defaults
// and restored from Store on first reference (spec §3 "Created lazily
// with defaults when first referenced").
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	store    Store
}

// NewRegistry builds a Registry backed by store. store may be nil, in
// which case state is in-memory only (used in tests).
func NewRegistry(store Store) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		store:    store,
	}
}

// Get returns the Breaker for upstreamID, creating and persisting-loading
// it on first reference using cfg as the effective configuration.
func (r *Registry) Get(ctx context.Context, upstreamID string, cfg domain.CircuitBreakerConfig) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[upstreamID]; ok {
		return b
	}
	var persisted *domain.CircuitBreakerState
	if r.store != nil {
		if s, err := r.store.Load(ctx, upstreamID); err == nil {
			persisted = s
		}
	}
	b := newBreaker(upstreamID, cfg, persisted, r.saveFunc())
	r.breakers[upstreamID] = b
	return b
}

func (r *Registry) saveFunc() func(domain.CircuitBreakerState) {
	if r.store == nil {
		return nil
	}
	return func(s domain.CircuitBreakerState) {
		_ = r.store.Save(context.Background(), s)
	}
}

// List returns a snapshot of every breaker currently tracked, for the
// admin `GET /api/admin/circuit-breakers` listing.
func (r *Registry) List() []domain.CircuitBreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.CircuitBreakerState, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
