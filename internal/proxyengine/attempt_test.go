package proxyengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/autorouter/autorouter/internal/circuitbreaker"
	"github.com/autorouter/autorouter/internal/cryptoutil"
	"github.com/autorouter/autorouter/internal/domain"
)

func newTestEncryptor(t *testing.T) *cryptoutil.Encryptor {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	enc, err := cryptoutil.New(key)
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	return enc
}

func testUpstream(url string) domain.Upstream {
	return domain.Upstream{
		ID:      "u1",
		Name:    "test-upstream",
		BaseURL: url,
		Timeout: 2 * time.Second,
	}
}

func TestAttemptNonStreamSuccessParsesUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":    "resp-1",
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5},
		})
	}))
	defer srv.Close()

	a := NewAttempt(nil, nil, nil, nil)
	rec := httptest.NewRecorder()
	in := AttemptInput{
		Upstream:       testUpstream(srv.URL),
		Method:         http.MethodPost,
		Path:           "/v1/chat/completions",
		InboundHeaders: http.Header{"Content-Type": []string{"application/json"}},
		BodyBytes:      []byte(`{"model":"gpt-4.1"}`),
		IsJSONBody:     true,
	}
	outcome := a.Do(context.Background(), rec, nil, in, time.Now())
	if outcome.Failoverable {
		t.Fatalf("expected terminal success, got failoverable outcome: %+v", outcome)
	}
	if outcome.Usage.PromptTokens != 10 || outcome.Usage.CompletionTokens != 5 {
		t.Fatalf("expected parsed usage, got %+v", outcome.Usage)
	}
	if rec.Code != 200 {
		t.Fatalf("expected 200 forwarded, got %d", rec.Code)
	}
}

func Test500IsFailoverable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer srv.Close()

	a := NewAttempt(nil, nil, nil, nil)
	rec := httptest.NewRecorder()
	in := AttemptInput{Upstream: testUpstream(srv.URL), Method: http.MethodPost, Path: "/v1/chat/completions"}
	outcome := a.Do(context.Background(), rec, nil, in, time.Now())
	if !outcome.Failoverable {
		t.Fatal("expected 500 to be failoverable")
	}
	if outcome.ErrorType != domain.ErrHTTP5xx {
		t.Fatalf("expected http_5xx error type, got %s", outcome.ErrorType)
	}
}

func Test429IsFailoverable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(429)
	}))
	defer srv.Close()

	a := NewAttempt(nil, nil, nil, nil)
	rec := httptest.NewRecorder()
	in := AttemptInput{Upstream: testUpstream(srv.URL), Method: http.MethodPost, Path: "/v1"}
	outcome := a.Do(context.Background(), rec, nil, in, time.Now())
	if !outcome.Failoverable || outcome.ErrorType != domain.ErrHTTP429 {
		t.Fatalf("expected failoverable http_429, got %+v", outcome)
	}
}

func TestExcludedStatusCodeIsNotFailoverable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer srv.Close()

	u := testUpstream(srv.URL)
	u.ExcludeStatusCodes = []int{500}

	a := NewAttempt(nil, nil, nil, nil)
	rec := httptest.NewRecorder()
	in := AttemptInput{Upstream: u, Method: http.MethodPost, Path: "/v1"}
	outcome := a.Do(context.Background(), rec, nil, in, time.Now())
	if outcome.Failoverable {
		t.Fatal("expected excluded 500 to be treated as terminal, not failoverable")
	}
}

func TestAuthorizationDroppedAndCredentialInjected(t *testing.T) {
	var seenAuth, seenOldAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		seenOldAuth = r.Header.Get("X-Original-Auth")
		w.WriteHeader(200)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	enc := newTestEncryptor(t)
	encCred, err := enc.EncryptString("sk-upstream-secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	u := testUpstream(srv.URL)
	u.EncryptedCredential = encCred

	a := NewAttempt(nil, nil, nil, enc)
	rec := httptest.NewRecorder()
	in := AttemptInput{
		Upstream: u,
		Method:   http.MethodPost,
		Path:     "/v1",
		InboundHeaders: http.Header{
			"Authorization":   []string{"Bearer client-key"},
			"X-Original-Auth": []string{"should-pass-through"},
		},
	}
	outcome := a.Do(context.Background(), rec, nil, in, time.Now())
	if outcome.Failoverable {
		t.Fatalf("unexpected failoverable outcome: %+v", outcome)
	}
	if seenAuth != "Bearer sk-upstream-secret" {
		t.Fatalf("expected injected upstream credential, got %q", seenAuth)
	}
	if seenOldAuth != "should-pass-through" {
		t.Fatalf("expected non-auth header to pass through, got %q", seenOldAuth)
	}
	if !outcome.HeaderDiff.AuthReplaced {
		t.Fatal("expected HeaderDiff.AuthReplaced=true")
	}
}

func TestModelRedirectAppliedToBody(t *testing.T) {
	var seenBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&seenBody)
		w.WriteHeader(200)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	u := testUpstream(srv.URL)
	u.ModelRedirects = map[string]string{"gpt-4.1": "gpt-4.1-internal"}

	a := NewAttempt(nil, nil, nil, nil)
	rec := httptest.NewRecorder()
	in := AttemptInput{
		Upstream:   u,
		Method:     http.MethodPost,
		Path:       "/v1/chat/completions",
		BodyBytes:  []byte(`{"model":"gpt-4.1","messages":[]}`),
		IsJSONBody: true,
	}
	a.Do(context.Background(), rec, nil, in, time.Now())
	if seenBody["model"] != "gpt-4.1-internal" {
		t.Fatalf("expected model redirect applied, got %v", seenBody["model"])
	}
}

func TestCircuitOpenSkipsRequestEntirely(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(200)
	}))
	defer srv.Close()

	reg := circuitbreaker.NewRegistry(nil)
	cfg := domain.DefaultCircuitBreakerConfig()
	now := time.Now()
	b := reg.Get(context.Background(), "u1", cfg)
	for i := 0; i < cfg.FailureThreshold; i++ {
		b.RecordFailure(now)
	}

	a := NewAttempt(nil, nil, nil, nil)
	rec := httptest.NewRecorder()
	in := AttemptInput{Upstream: testUpstream(srv.URL), Method: http.MethodPost, Path: "/v1"}
	outcome := a.Do(context.Background(), rec, b, in, now)
	if !outcome.Failoverable || outcome.ErrorType != domain.ErrCircuitOpen {
		t.Fatalf("expected circuit_open failoverable outcome, got %+v", outcome)
	}
	if called {
		t.Fatal("expected no request sent while circuit is open")
	}
}
