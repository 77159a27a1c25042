package selector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/autorouter/autorouter/internal/circuitbreaker"
	"github.com/autorouter/autorouter/internal/domain"
	"github.com/autorouter/autorouter/internal/quota"
)

func mustDrainAll(it *Iterator) []string {
	var ids []string
	for {
		u, ok := it.Next()
		if !ok {
			break
		}
		ids = append(ids, u.ID)
	}
	return ids
}

func TestSelectExcludesInactiveAndUnbound(t *testing.T) {
	sel := New(circuitbreaker.NewRegistry(nil), quota.NewTracker(), nil)
	apiKey := domain.ApiKey{BoundUpstreams: []string{"u1"}}
	upstreams := []domain.Upstream{
		{ID: "u1", IsActive: true, Weight: 1, RouteCapabilities: []domain.RouteCapability{domain.CapabilityOpenAIChatCompatible}},
		{ID: "u2", IsActive: true, Weight: 1, RouteCapabilities: []domain.RouteCapability{domain.CapabilityOpenAIChatCompatible}}, // not bound
		{ID: "u3", IsActive: false, Weight: 1, RouteCapabilities: []domain.RouteCapability{domain.CapabilityOpenAIChatCompatible}},
	}
	it, _ := sel.Select(context.Background(), apiKey, domain.CapabilityOpenAIChatCompatible, "gpt-4.1", upstreams, nil, time.Now())
	ids := mustDrainAll(it)
	if len(ids) != 1 || ids[0] != "u1" {
		t.Fatalf("got %v, want [u1]", ids)
	}
}

func TestSelectExcludesZeroWeight(t *testing.T) {
	sel := New(circuitbreaker.NewRegistry(nil), quota.NewTracker(), nil)
	apiKey := domain.ApiKey{BoundUpstreams: []string{"u1", "u2"}}
	upstreams := []domain.Upstream{
		{ID: "u1", IsActive: true, Weight: 0, RouteCapabilities: []domain.RouteCapability{domain.CapabilityOpenAIChatCompatible}},
		{ID: "u2", IsActive: true, Weight: 1, RouteCapabilities: []domain.RouteCapability{domain.CapabilityOpenAIChatCompatible}},
	}
	it, _ := sel.Select(context.Background(), apiKey, domain.CapabilityOpenAIChatCompatible, "", upstreams, nil, time.Now())
	ids := mustDrainAll(it)
	if len(ids) != 1 || ids[0] != "u2" {
		t.Fatalf("got %v, want [u2] (B1: weight=0 excluded)", ids)
	}
}

func TestSelectOrdersTiersAscending(t *testing.T) {
	sel := New(circuitbreaker.NewRegistry(nil), quota.NewTracker(), nil)
	apiKey := domain.ApiKey{BoundUpstreams: []string{"low", "high"}}
	upstreams := []domain.Upstream{
		{ID: "low", IsActive: true, Weight: 1, Priority: 1, RouteCapabilities: []domain.RouteCapability{domain.CapabilityOpenAIChatCompatible}},
		{ID: "high", IsActive: true, Weight: 1, Priority: 0, RouteCapabilities: []domain.RouteCapability{domain.CapabilityOpenAIChatCompatible}},
	}
	it, _ := sel.Select(context.Background(), apiKey, domain.CapabilityOpenAIChatCompatible, "", upstreams, nil, time.Now())
	ids := mustDrainAll(it)
	if len(ids) != 2 || ids[0] != "high" || ids[1] != "low" {
		t.Fatalf("got %v, want [high low]", ids)
	}
}

func TestSelectExcludesOpenCircuit(t *testing.T) {
	reg := circuitbreaker.NewRegistry(nil)
	now := time.Now()
	cfg := domain.DefaultCircuitBreakerConfig()
	b := reg.Get(context.Background(), "u1", cfg)
	for i := 0; i < cfg.FailureThreshold; i++ {
		b.RecordFailure(now)
	}

	sel := New(reg, quota.NewTracker(), nil)
	apiKey := domain.ApiKey{BoundUpstreams: []string{"u1", "u2"}}
	upstreams := []domain.Upstream{
		{ID: "u1", IsActive: true, Weight: 1, CircuitBreaker: cfg, RouteCapabilities: []domain.RouteCapability{domain.CapabilityOpenAIChatCompatible}},
		{ID: "u2", IsActive: true, Weight: 1, CircuitBreaker: cfg, RouteCapabilities: []domain.RouteCapability{domain.CapabilityOpenAIChatCompatible}},
	}
	it, _ := sel.Select(context.Background(), apiKey, domain.CapabilityOpenAIChatCompatible, "", upstreams, nil, now)
	ids := mustDrainAll(it)
	if len(ids) != 1 || ids[0] != "u2" {
		t.Fatalf("got %v, want [u2] (u1's circuit is open)", ids)
	}
}

func TestSelectExcludesQuotaExceeded(t *testing.T) {
	q := quota.NewTracker()
	now := time.Now()
	q.RecordSpend("u1", 10, now)

	sel := New(circuitbreaker.NewRegistry(nil), q, nil)
	apiKey := domain.ApiKey{BoundUpstreams: []string{"u1", "u2"}}
	upstreams := []domain.Upstream{
		{ID: "u1", IsActive: true, Weight: 1, SpendingLimit: 5, SpendingPeriodType: domain.PeriodDaily, RouteCapabilities: []domain.RouteCapability{domain.CapabilityOpenAIChatCompatible}},
		{ID: "u2", IsActive: true, Weight: 1, RouteCapabilities: []domain.RouteCapability{domain.CapabilityOpenAIChatCompatible}},
	}
	it, _ := sel.Select(context.Background(), apiKey, domain.CapabilityOpenAIChatCompatible, "", upstreams, nil, now)
	ids := mustDrainAll(it)
	if len(ids) != 1 || ids[0] != "u2" {
		t.Fatalf("got %v, want [u2] (u1 over quota)", ids)
	}
}

func TestAffinityPullsToFrontOfTier(t *testing.T) {
	affinity := NewMemoryAffinityStore(time.Hour)
	affinity.Record("session-1", "u2")

	sel := New(circuitbreaker.NewRegistry(nil), quota.NewTracker(), affinity)
	apiKey := domain.ApiKey{BoundUpstreams: []string{"u1", "u2", "u3"}}
	upstreams := []domain.Upstream{
		{ID: "u1", IsActive: true, Weight: 1, RouteCapabilities: []domain.RouteCapability{domain.CapabilityOpenAIChatCompatible}},
		{ID: "u2", IsActive: true, Weight: 1, RouteCapabilities: []domain.RouteCapability{domain.CapabilityOpenAIChatCompatible}},
		{ID: "u3", IsActive: true, Weight: 1, RouteCapabilities: []domain.RouteCapability{domain.CapabilityOpenAIChatCompatible}},
	}
	it, info := sel.Select(context.Background(), apiKey, domain.CapabilityOpenAIChatCompatible, "", upstreams, &AffinityContext{SessionKey: "session-1"}, time.Now())
	if !info.AffinityHit {
		t.Fatal("expected affinity hit")
	}
	first, ok := it.Next()
	if !ok || first.ID != "u2" {
		t.Fatalf("expected u2 pulled to front, got %v ok=%v", first, ok)
	}
}

func TestAffinityDroppedOnMigration(t *testing.T) {
	affinity := NewMemoryAffinityStore(time.Hour)
	affinity.Record("session-1", "u1")

	sel := New(circuitbreaker.NewRegistry(nil), quota.NewTracker(), affinity)
	apiKey := domain.ApiKey{BoundUpstreams: []string{"u1"}}
	upstreams := []domain.Upstream{
		{
			ID: "u1", IsActive: true, Weight: 1,
			RouteCapabilities: []domain.RouteCapability{domain.CapabilityOpenAIChatCompatible},
			AffinityMigration: &domain.AffinityMigration{Enabled: true, Metric: domain.AffinityMetricTokens, Threshold: 1000},
		},
	}
	_, info := sel.Select(context.Background(), apiKey, domain.CapabilityOpenAIChatCompatible, "", upstreams, &AffinityContext{SessionKey: "session-1", MetricValue: 5000}, time.Now())
	if !info.AffinityMigrated {
		t.Fatal("expected affinity migrated=true when metric exceeds threshold")
	}
	if info.AffinityHit {
		t.Fatal("affinity should not be reported as a hit once migrated")
	}
}

func TestWeightedPickUniformWithEqualWeights(t *testing.T) {
	sel := New(circuitbreaker.NewRegistry(nil), quota.NewTracker(), nil)
	apiKey := domain.ApiKey{BoundUpstreams: []string{"u1", "u2"}}
	upstreams := []domain.Upstream{
		{ID: "u1", IsActive: true, Weight: 1, RouteCapabilities: []domain.RouteCapability{domain.CapabilityOpenAIChatCompatible}},
		{ID: "u2", IsActive: true, Weight: 1, RouteCapabilities: []domain.RouteCapability{domain.CapabilityOpenAIChatCompatible}},
	}
	counts := map[string]int{}
	for i := 0; i < 200; i++ {
		it, _ := sel.Select(context.Background(), apiKey, domain.CapabilityOpenAIChatCompatible, "", upstreams, nil, time.Now())
		u, _ := it.Next()
		counts[u.ID]++
	}
	if counts["u1"] == 0 || counts["u2"] == 0 {
		t.Fatalf("expected both upstreams picked across 200 draws, got %v", counts)
	}
}

// TestSelectConcurrentCallsDoNotRace drives many goroutines through Select
// and Next concurrently; run with -race this must pass, since each
// Iterator owns a private *rand.Rand rather than sharing the Selector's.
func TestSelectConcurrentCallsDoNotRace(t *testing.T) {
	sel := New(circuitbreaker.NewRegistry(nil), quota.NewTracker(), nil)
	apiKey := domain.ApiKey{BoundUpstreams: []string{"u1", "u2", "u3"}}
	upstreams := []domain.Upstream{
		{ID: "u1", IsActive: true, Weight: 1, RouteCapabilities: []domain.RouteCapability{domain.CapabilityOpenAIChatCompatible}},
		{ID: "u2", IsActive: true, Weight: 2, RouteCapabilities: []domain.RouteCapability{domain.CapabilityOpenAIChatCompatible}},
		{ID: "u3", IsActive: true, Weight: 3, RouteCapabilities: []domain.RouteCapability{domain.CapabilityOpenAIChatCompatible}},
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			it, _ := sel.Select(context.Background(), apiKey, domain.CapabilityOpenAIChatCompatible, "", upstreams, nil, time.Now())
			mustDrainAll(it)
		}()
	}
	wg.Wait()
}
