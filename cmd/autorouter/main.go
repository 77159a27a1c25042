// Command autorouter runs the AutoRouter proxy: the inbound HTTP server
// that classifies, authenticates, selects, and fails over requests across
// configured upstreams, plus the admin surface mounted under /api/admin.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/oauth2"

	aigateway "github.com/autorouter/autorouter"
	"github.com/autorouter/autorouter/internal/admin"
	"github.com/autorouter/autorouter/internal/billing"
	"github.com/autorouter/autorouter/internal/circuitbreaker"
	"github.com/autorouter/autorouter/internal/classifier"
	"github.com/autorouter/autorouter/internal/compensation"
	"github.com/autorouter/autorouter/internal/cryptoutil"
	"github.com/autorouter/autorouter/internal/domain"
	"github.com/autorouter/autorouter/internal/keystore"
	"github.com/autorouter/autorouter/internal/logging"
	"github.com/autorouter/autorouter/internal/metrics"
	"github.com/autorouter/autorouter/internal/pricing"
	"github.com/autorouter/autorouter/internal/proxyengine"
	"github.com/autorouter/autorouter/internal/quota"
	"github.com/autorouter/autorouter/internal/requestlog"
	"github.com/autorouter/autorouter/internal/selector"
	"github.com/autorouter/autorouter/internal/sqlstore"
	"github.com/autorouter/autorouter/internal/upstream"
)

func main() {
	cfgPath := os.Getenv("AUTOROUTER_CONFIG")
	cfg, err := aigateway.LoadConfig(cfgPath)
	if err != nil {
		fatal("load config: %v", err)
	}
	if err := aigateway.ValidateConfig(*cfg); err != nil {
		fatal("invalid config: %v", err)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	db, err := sqlstore.Open(sqlstore.Dialect(cfg.Database.Dialect), cfg.Database.DSN)
	if err != nil {
		fatal("open database: %v", err)
	}
	defer db.Close()
	dialect := sqlstore.Dialect(cfg.Database.Dialect)

	encKey, err := decodeEncryptionKey(cfg.EncryptionKey)
	if err != nil {
		fatal("decode encryption key: %v", err)
	}
	encryptor, err := cryptoutil.New(encKey)
	if err != nil {
		fatal("build encryptor: %v", err)
	}

	upstreams, err := upstream.New(db, dialect)
	if err != nil {
		fatal("build upstream registry: %v", err)
	}
	keys, err := keystore.New(db, dialect, encryptor, cfg.AllowKeyReveal)
	if err != nil {
		fatal("build key store: %v", err)
	}
	cbStore, err := circuitbreaker.NewSQLStore(db, dialect)
	if err != nil {
		fatal("build circuit breaker store: %v", err)
	}
	breakers := circuitbreaker.NewRegistry(cbStore)
	quotaTracker := quota.NewTracker()
	prices, err := pricing.New(db, dialect)
	if err != nil {
		fatal("build price resolver: %v", err)
	}
	bill, err := billing.New(db, dialect, prices, quotaTracker)
	if err != nil {
		fatal("build billing recorder: %v", err)
	}
	logs, err := requestlog.New(db, dialect)
	if err != nil {
		fatal("build request log store: %v", err)
	}
	compStore, err := compensation.NewStore(db, dialect)
	if err != nil {
		fatal("build compensation rule store: %v", err)
	}
	compEngine, err := compensation.New(func() ([]domain.CompensationRule, error) {
		return compStore.Load(context.Background())
	})
	if err != nil {
		fatal("build compensation engine: %v", err)
	}

	affinity := selector.NewMemoryAffinityStore(affinityRetentionWindow)
	sel := selector.New(breakers, quotaTracker, affinity)
	attempt := proxyengine.NewAttempt(nil, compEngine, proxyengine.BearerCredentialProvider{}, encryptor)
	attempt.SigV4Region = cfg.Credentials.SigV4Region
	attempt.OAuth2Config = oauth2Config(cfg.Credentials.OAuth2)
	loop := &proxyengine.Loop{Attempt: attempt, Breakers: breakers}

	// Boot-time quota rebuild (spec §4.8): restore in-memory spend counters
	// from persisted billing snapshots before serving any traffic.
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	since := time.Now().Add(-cfg.QuotaRebuildHorizon)
	events, err := bill.RebuildSpendEvents(bootCtx, since)
	bootCancel()
	if err != nil {
		fatal("rebuild quota state: %v", err)
	}
	quotaTracker.Rebuild(events)
	logging.Logger.Info("quota state rebuilt", "events", len(events), "since", since)

	srv := &server{
		upstreams:  upstreams,
		keys:       keys,
		breakers:   breakers,
		quota:      quotaTracker,
		selector:   sel,
		loop:       loop,
		requestLog: logs,
		billing:    bill,
		defaultTimeout: cfg.DefaultUpstreamTimeout,
	}

	adminHandlers := &admin.Handlers{
		CircuitBreakers:     breakers,
		Upstreams:           upstreams,
		Quota:               quotaTracker,
		Billing:             bill,
		Compensation:        compStore,
		CompensationEngine:  compEngine,
		QuotaRebuildHorizon: cfg.QuotaRebuildHorizon,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(logging.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(admin.StaticTokenMiddleware(cfg.AdminToken))
		r.Mount("/", adminHandlers.Routes())
	})

	r.HandleFunc("/*", srv.handleProxy)

	addr := cfg.ListenAddr
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // long-poll streaming responses
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logging.Logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logging.Logger.Error("shutdown error", "err", err)
		}
	}()

	logging.Logger.Info("autorouter listening", "addr", addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		stop()
		fatal("server error: %v", err)
	}
	logging.Logger.Info("server stopped")
}

// affinityRetentionWindow bounds how long a session→upstream binding stays
// eligible for the affinity exception (spec §4.2's "observed within the
// retention window"); no config knob names it explicitly, so this follows
// the quota tracker's own stated scale (minutes, not hours) for a
// conversation still in flight.
const affinityRetentionWindow = 30 * time.Minute

// oauth2Config builds the app config CredentialSchemeOAuth2 upstreams
// refresh tokens against, or nil if no client ID is configured (the
// gemini_code_assist_internal capability is then unusable until one is).
func oauth2Config(cfg aigateway.OAuth2Config) *oauth2.Config {
	if cfg.ClientID == "" {
		return nil
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthURL,
			TokenURL: cfg.TokenURL,
		},
	}
}

func decodeEncryptionKey(raw string) ([]byte, error) {
	if key, err := base64.StdEncoding.DecodeString(raw); err == nil && len(key) == 32 {
		return key, nil
	}
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	return nil, fmt.Errorf("encryption key must be a base64-encoded or literal 32-byte value")
}

func fatal(format string, args ...interface{}) {
	logging.Logger.Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}

// server holds the collaborators the inbound proxy handler dispatches
// across; grouping them here mirrors the teacher's own newRouter closures
// (cmd/ferrogw/main.go) generalized into a receiver since this handler
// needs far more collaborators than a registry and a key store.
type server struct {
	upstreams      *upstream.Registry
	keys           *keystore.Store
	breakers       *circuitbreaker.Registry
	quota          *quota.Tracker
	selector       *selector.Selector
	loop           *proxyengine.Loop
	requestLog     *requestlog.Store
	billing        *billing.Recorder
	defaultTimeout time.Duration
}

// handleProxy implements the C7-C11 request path: classify, authenticate,
// select, fail over, then persist the request log and billing snapshot.
func (s *server) handleProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now()
	start := now

	bodyBytes, err := readAll(r)
	if err != nil {
		writeEnvelope(w, domain.ErrorEnvelope{
			Message: "failed to read request body",
			Type:    domain.ErrorTypeClientError,
			Code:    domain.CodeServiceUnavailable,
		})
		return
	}

	isJSON := strings.Contains(r.Header.Get("Content-Type"), "application/json")
	var bodyMap map[string]interface{}
	if isJSON && len(bodyBytes) > 0 {
		_ = json.Unmarshal(bodyBytes, &bodyMap)
	}
	requestedModel, _ := bodyMap["model"].(string)
	isStream, _ := bodyMap["stream"].(bool)

	cap, ok := classifier.Classify(r.URL.Path, requestedModel)
	if !ok {
		writeEnvelope(w, domain.ErrorEnvelope{
			Message: "no route capability matches this request",
			Type:    domain.ErrorTypeClientError,
			Code:    domain.CodeNoUpstreamsConfigured,
		})
		return
	}

	presented := extractBearer(r.Header.Get("Authorization"))
	if presented == "" {
		writeEnvelope(w, domain.ErrorEnvelope{
			Message:   "missing bearer credential",
			Type:      domain.ErrorTypeClientError,
			Code:      domain.CodeNoAuthorizedUpstreams,
			RequestID: logging.TraceIDFromContext(ctx),
		})
		return
	}
	apiKey, err := s.keys.Authenticate(ctx, presented, now)
	if err != nil {
		writeEnvelope(w, domain.ErrorEnvelope{
			Message:   "invalid or expired api key",
			Type:      domain.ErrorTypeClientError,
			Code:      domain.CodeNoAuthorizedUpstreams,
			RequestID: logging.TraceIDFromContext(ctx),
		})
		return
	}

	allUpstreams, err := s.upstreams.ListActive(ctx)
	if err != nil {
		writeEnvelope(w, domain.ErrorEnvelope{
			Message: "failed to list upstreams",
			Type:    domain.ErrorTypeServiceUnavailable,
			Code:    domain.CodeServiceUnavailable,
		})
		return
	}
	if len(allUpstreams) == 0 {
		writeEnvelope(w, domain.ErrorEnvelope{
			Message: "no upstreams configured",
			Type:    domain.ErrorTypeServiceUnavailable,
			Code:    domain.CodeNoUpstreamsConfigured,
		})
		return
	}

	// spec §7: a key bound to zero upstreams is a client authorization
	// problem (403 NO_AUTHORIZED_UPSTREAMS), distinct from every candidate
	// being filtered out by capability/circuit/quota at select time (503
	// ALL_UPSTREAMS_UNAVAILABLE). len(allUpstreams)==0 above only checks
	// global config, not this key's own bindings, so it never catches this.
	if len(apiKey.BoundUpstreams) == 0 {
		writeEnvelope(w, domain.ErrorEnvelope{
			Message:   "api key has no authorized upstreams",
			Type:      domain.ErrorTypeClientError,
			Code:      domain.CodeNoAuthorizedUpstreams,
			RequestID: logging.TraceIDFromContext(ctx),
		})
		return
	}

	for _, u := range allUpstreams {
		b := s.breakers.Get(ctx, u.ID, u.CircuitBreaker)
		metrics.RecordCircuitBreakerState(u.ID, b.State(now))
		if s.quota.IsExceeded(u, now) {
			metrics.QuotaExceededTotal.WithLabelValues(u.ID).Inc()
		}
	}

	var affinityCtx *selector.AffinityContext
	sessionKey, _ := bodyMap["session_id"].(string)
	if sessionKey != "" {
		affinityCtx = &selector.AffinityContext{SessionKey: sessionKey, MetricValue: float64(len(bodyBytes))}
	}

	it, info := s.selector.Select(ctx, *apiKey, cap, requestedModel, allUpstreams, affinityCtx, now)

	// buildInput is called once per candidate right before Attempt.Do runs
	// against it, so the last captured ID is always the upstream the
	// loop's FinalOutcome belongs to — Result itself doesn't carry it
	// since a successful first attempt never touches History.
	var lastUpstreamID string
	buildInput := func(u domain.Upstream) proxyengine.AttemptInput {
		lastUpstreamID = u.ID
		if u.Timeout <= 0 {
			u.Timeout = s.defaultTimeout
		}
		return proxyengine.AttemptInput{
			Upstream:       u,
			Capability:     cap,
			RequestedModel: requestedModel,
			Method:         r.Method,
			Path:           r.URL.Path,
			InboundHeaders: r.Header.Clone(),
			BodyBytes:      bodyBytes,
			IsJSONBody:     isJSON,
			Stream:         isStream,
		}
	}

	strategy := proxyengine.DefaultFailoverStrategy()
	result := s.loop.Run(ctx, w, it, buildInput, strategy, now)

	duration := time.Since(start)
	upstreamID := lastUpstreamID
	routingType := result.RoutingDecision

	for _, h := range result.History {
		metrics.FailoverAttemptsTotal.WithLabelValues(h.UpstreamID, string(h.ErrorType)).Inc()
	}

	outcome := "error"
	if result.FinalOutcome.Terminal && result.FinalOutcome.StatusCode < 400 {
		outcome = "success"
		if sessionKey != "" {
			s.selector.RecordAffinity(sessionKey, upstreamID)
		}
	} else if len(result.History) > 0 {
		outcome = "failover"
	}
	metrics.RequestsTotal.WithLabelValues(upstreamID, string(cap), outcome).Inc()
	metrics.RequestDuration.WithLabelValues(upstreamID, string(cap)).Observe(duration.Seconds())

	rl := domain.RequestLog{
		ID:               sqlstore.NewID(),
		ApiKeyID:         apiKey.ID,
		UpstreamID:       upstreamID,
		Method:           r.Method,
		Path:             r.URL.Path,
		Model:            requestedModel,
		StatusCode:       result.FinalOutcome.StatusCode,
		DurationMs:       duration.Milliseconds(),
		IsStream:         isStream,
		RoutingType:      routingType,
		FailoverAttempts: len(result.History),
		FailoverHistory:  result.History,
		HeaderDiff:       result.FinalOutcome.HeaderDiff,
		AffinityHit:      info.AffinityHit,
		AffinityMigrated: info.AffinityMigrated,
		Usage:            result.FinalOutcome.Usage,
		CreatedAt:        now,
	}
	if result.FinalOutcome.TTFT > 0 {
		ttft := result.FinalOutcome.TTFT.Milliseconds()
		rl.TTFTMs = &ttft
	}
	if err := s.requestLog.Write(ctx, rl); err != nil {
		logging.FromContext(ctx).Error("write request log", "err", err)
	}

	if upstreamID != "" && result.FinalOutcome.DidSendUpstream {
		u, err := s.upstreams.Get(ctx, upstreamID)
		if err == nil {
			snap, err := s.billing.Record(ctx, billing.Input{
				RequestLogID: rl.ID,
				ApiKeyID:     apiKey.ID,
				Upstream:     *u,
				Model:        requestedModel,
				Usage:        result.FinalOutcome.Usage,
				At:           now,
			})
			if err != nil {
				logging.FromContext(ctx).Error("record billing snapshot", "err", err)
			} else if snap.BillingStatus == domain.BillingBilled {
				metrics.SpendTotal.WithLabelValues(upstreamID).Add(snap.FinalCost)
				metrics.TokensTotal.WithLabelValues(upstreamID, "prompt").Add(float64(snap.PromptTokens))
				metrics.TokensTotal.WithLabelValues(upstreamID, "completion").Add(float64(snap.CompletionTokens))
			}
		}
	}
}

func readAll(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	buf := new(bytes.Buffer)
	_, err := buf.ReadFrom(r.Body)
	return buf.Bytes(), err
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

func writeEnvelope(w http.ResponseWriter, env domain.ErrorEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(env.Status())
	_ = json.NewEncoder(w).Encode(map[string]domain.ErrorEnvelope{"error": env})
}
