package proxyengine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/autorouter/autorouter/internal/circuitbreaker"
	"github.com/autorouter/autorouter/internal/classifier"
	"github.com/autorouter/autorouter/internal/domain"
	"github.com/autorouter/autorouter/internal/quota"
	"github.com/autorouter/autorouter/internal/selector"
)

func TestFailoverLoopFailsOverThenSucceeds(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte(`{"usage":{"prompt_tokens":1,"completion_tokens":1}}`))
	}))
	defer good.Close()

	upstreams := []domain.Upstream{
		{ID: "bad", Name: "bad", BaseURL: bad.URL, IsActive: true, Weight: 1, Timeout: 2 * time.Second, RouteCapabilities: []domain.RouteCapability{domain.CapabilityOpenAIChatCompatible}},
		{ID: "good", Name: "good", BaseURL: good.URL, IsActive: true, Priority: 1, Weight: 1, Timeout: 2 * time.Second, RouteCapabilities: []domain.RouteCapability{domain.CapabilityOpenAIChatCompatible}},
	}
	apiKey := domain.ApiKey{BoundUpstreams: []string{"bad", "good"}}
	breakers := circuitbreaker.NewRegistry(nil)
	sel := selector.New(breakers, quota.NewTracker(), nil)
	now := time.Now()
	it, _ := sel.Select(context.Background(), apiKey, domain.CapabilityOpenAIChatCompatible, "", upstreams, nil, now)

	loop := &Loop{Attempt: NewAttempt(nil, nil, nil, nil), Breakers: breakers}
	rec := httptest.NewRecorder()
	result := loop.Run(context.Background(), rec, it, func(u domain.Upstream) AttemptInput {
		return AttemptInput{Upstream: u, Method: http.MethodPost, Path: "/v1/chat/completions"}
	}, DefaultFailoverStrategy(), now)

	if len(result.History) != 1 {
		t.Fatalf("expected 1 failed attempt recorded, got %d: %+v", len(result.History), result.History)
	}
	if result.History[0].UpstreamID != "bad" {
		t.Fatalf("expected bad upstream recorded first, got %s", result.History[0].UpstreamID)
	}
	if rec.Code != 200 {
		t.Fatalf("expected eventual 200 from good upstream, got %d", rec.Code)
	}
}

func TestFailoverLoopExhaustsAllCandidates(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer bad.Close()

	upstreams := []domain.Upstream{
		{ID: "u1", Name: "u1", BaseURL: bad.URL, IsActive: true, Weight: 1, Timeout: time.Second, RouteCapabilities: []domain.RouteCapability{domain.CapabilityOpenAIChatCompatible}},
	}
	apiKey := domain.ApiKey{BoundUpstreams: []string{"u1"}}
	breakers := circuitbreaker.NewRegistry(nil)
	sel := selector.New(breakers, quota.NewTracker(), nil)
	now := time.Now()
	it, _ := sel.Select(context.Background(), apiKey, domain.CapabilityOpenAIChatCompatible, "", upstreams, nil, now)

	loop := &Loop{Attempt: NewAttempt(nil, nil, nil, nil), Breakers: breakers}
	rec := httptest.NewRecorder()
	result := loop.Run(context.Background(), rec, it, func(u domain.Upstream) AttemptInput {
		return AttemptInput{Upstream: u, Method: http.MethodPost, Path: "/v1"}
	}, DefaultFailoverStrategy(), now)

	if result.RoutingDecision != "candidates_exhausted" {
		t.Fatalf("expected candidates_exhausted, got %s", result.RoutingDecision)
	}
	if rec.Code != domain.ErrorStatus[domain.CodeAllUpstreamsUnavailable] {
		t.Fatalf("expected %d envelope status, got %d", domain.ErrorStatus[domain.CodeAllUpstreamsUnavailable], rec.Code)
	}
}

func TestFailoverLoopRecordsCircuitBreakerFeedback(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer bad.Close()

	u := domain.Upstream{ID: "u1", Name: "u1", BaseURL: bad.URL, IsActive: true, Weight: 1, Timeout: time.Second, CircuitBreaker: domain.CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, OpenDuration: time.Minute, ProbeInterval: time.Second}, RouteCapabilities: []domain.RouteCapability{domain.CapabilityOpenAIChatCompatible}}
	apiKey := domain.ApiKey{BoundUpstreams: []string{"u1"}}
	breakers := circuitbreaker.NewRegistry(nil)
	sel := selector.New(breakers, quota.NewTracker(), nil)
	now := time.Now()
	it, _ := sel.Select(context.Background(), apiKey, domain.CapabilityOpenAIChatCompatible, "", []domain.Upstream{u}, nil, now)

	loop := &Loop{Attempt: NewAttempt(nil, nil, nil, nil), Breakers: breakers}
	rec := httptest.NewRecorder()
	loop.Run(context.Background(), rec, it, func(up domain.Upstream) AttemptInput {
		return AttemptInput{Upstream: up, Method: http.MethodPost, Path: "/v1"}
	}, DefaultFailoverStrategy(), now)

	b := breakers.Get(context.Background(), "u1", u.CircuitBreaker)
	if b.State(now) != domain.CBOpen {
		t.Fatalf("expected breaker to have opened after the single failure (threshold=1), got %s", b.State(now))
	}
}

func TestClassifierEligibleForPlainSingleCapabilityUpstream(t *testing.T) {
	// sanity check that classifier.Eligible (used transitively by selector)
	// doesn't reject a plain single-capability upstream.
	if !classifier.Eligible([]domain.RouteCapability{domain.CapabilityOpenAIChatCompatible}, domain.CapabilityOpenAIChatCompatible) {
		t.Fatal("expected eligible")
	}
}
