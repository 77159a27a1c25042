// Package proxyengine implements the C9 single proxy attempt and the C10
// failover loop: a raw net/http reverse-proxy layer rather than a typed
// per-provider SDK client, following the teacher's own
// cmd/ferrogw/proxy.go ProxiableProvider pass-through path instead of its
// Provider.Complete path, since upstreams here are opaque HTTP endpoints
// and the spec requires byte-for-byte pass-through and provider-agnostic
// SSE tee-ing.
package proxyengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/autorouter/autorouter/internal/circuitbreaker"
	"github.com/autorouter/autorouter/internal/compensation"
	"github.com/autorouter/autorouter/internal/cryptoutil"
	"github.com/autorouter/autorouter/internal/domain"
)

// AttemptInput is everything one proxy attempt needs, pre-extracted by
// the failover loop so the same inbound request can be replayed against
// successive candidates without re-reading the client's body.
type AttemptInput struct {
	Upstream       domain.Upstream
	Capability     domain.RouteCapability
	RequestedModel string
	Method         string
	Path           string
	InboundHeaders http.Header
	BodyBytes      []byte
	IsJSONBody     bool
	Stream         bool
}

// AttemptOutcome reports what happened, for failover-predicate
// evaluation, circuit-breaker feedback, and billing.
type AttemptOutcome struct {
	StatusCode         int
	TTFT               time.Duration
	DidSendUpstream    bool
	Usage              domain.Usage
	HeaderDiff         domain.HeaderDiff
	Failoverable       bool
	Terminal           bool // true once a response has been written to the client
	ErrorType          domain.FailoverErrorType
	ErrorMessage       string
	ClientDisconnected bool
}

// Attempt is the C9 single-candidate executor.
type Attempt struct {
	HTTPClient   *http.Client
	Compensation *compensation.Engine
	// Credentials is the fallback provider used for CredentialSchemeBearer
	// (and any upstream that leaves CredentialScheme unset).
	Credentials CredentialProvider
	Encryptor   *cryptoutil.Encryptor

	// SigV4Region is the AWS region used for a sigv4-scheme upstream that
	// leaves its own CredentialRegion unset.
	SigV4Region string
	// OAuth2Config is the app config used to refresh oauth2-scheme
	// upstreams' tokens (the gemini_code_assist_internal capability).
	// An oauth2-scheme upstream errors at Apply time if this is nil.
	OAuth2Config *oauth2.Config
}

// NewAttempt builds an Attempt with sane defaults; client may be nil to
// use http.DefaultClient, credentials may be nil to default to bearer
// substitution.
func NewAttempt(client *http.Client, comp *compensation.Engine, creds CredentialProvider, enc *cryptoutil.Encryptor) *Attempt {
	if client == nil {
		client = http.DefaultClient
	}
	if creds == nil {
		creds = BearerCredentialProvider{}
	}
	return &Attempt{HTTPClient: client, Compensation: comp, Credentials: creds, Encryptor: enc}
}

// credentialProvider selects the CredentialProvider for u.CredentialScheme
// (spec §4.9 credential substitution), dispatching SigV4/OAuth2 upstreams
// to their dedicated providers instead of the default bearer substitution.
func (a *Attempt) credentialProvider(u domain.Upstream) CredentialProvider {
	switch u.CredentialScheme {
	case domain.CredentialSchemeSigV4:
		region := u.CredentialRegion
		if region == "" {
			region = a.SigV4Region
		}
		return SigV4CredentialProvider{Region: region}
	case domain.CredentialSchemeOAuth2:
		return OAuth2CredentialProvider{Config: a.OAuth2Config}
	default:
		return a.Credentials
	}
}

// Do executes one attempt against in.Upstream, writing a terminal
// response to w only when the outcome is not failoverable (spec §4.5).
func (a *Attempt) Do(ctx context.Context, w http.ResponseWriter, breaker *circuitbreaker.Breaker, in AttemptInput, now time.Time) AttemptOutcome {
	if breaker != nil && !breaker.Allow(now) {
		return AttemptOutcome{Failoverable: true, ErrorType: domain.ErrCircuitOpen, ErrorMessage: "circuit open"}
	}

	outboundHeaders, flattenedHeaders, dropped := buildOutboundHeaders(in.InboundHeaders)

	var bodyMap map[string]interface{}
	bodyBytes := in.BodyBytes
	if in.IsJSONBody && len(bodyBytes) > 0 {
		_ = json.Unmarshal(bodyBytes, &bodyMap)
		if redirected, ok := applyModelRedirect(bodyMap, in.Upstream); ok {
			bodyMap = redirected
			if b, err := json.Marshal(bodyMap); err == nil {
				bodyBytes = b
			}
		}
	}

	resolutions := applyCompensation(a.Compensation, in.Capability, flattenedHeaders, bodyMap, outboundHeaders)

	inboundHeaders := make(map[string]string, len(in.InboundHeaders))
	for name := range in.InboundHeaders {
		inboundHeaders[name] = in.InboundHeaders.Get(name)
	}
	headerDiffPending := func(authReplaced bool) domain.HeaderDiff {
		return compensation.BuildHeaderDiff(inboundHeaders, dropped, authReplaced, resolutions)
	}

	timeout := in.Upstream.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	// The deadline applies to TTFT only (spec §4.5 step 4): once headers
	// arrive there is no wall-clock cap, just the idle-gap check a stream
	// tee applies on its own. So the request context itself carries no
	// deadline; it is only cancelled early if the TTFT race below times
	// out or the client disconnects.
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	targetURL := strings.TrimRight(in.Upstream.BaseURL, "/") + in.Path
	outReq, err := http.NewRequestWithContext(reqCtx, in.Method, targetURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return AttemptOutcome{Failoverable: true, ErrorType: domain.ErrConnectionError, ErrorMessage: err.Error(), HeaderDiff: headerDiffPending(false)}
	}
	outReq.Header = outboundHeaders
	outReq.ContentLength = int64(len(bodyBytes))

	authReplaced := false
	if a.Encryptor != nil && in.Upstream.EncryptedCredential != "" {
		credential, err := ResolveCredential(a.Encryptor, in.Upstream)
		if err != nil {
			return AttemptOutcome{Failoverable: true, ErrorType: domain.ErrConnectionError, ErrorMessage: "credential resolution failed: " + err.Error()}
		}
		if err := a.credentialProvider(in.Upstream).Apply(ctx, in.Upstream, credential, outReq); err != nil {
			return AttemptOutcome{Failoverable: true, ErrorType: domain.ErrConnectionError, ErrorMessage: "credential injection failed: " + err.Error()}
		}
		authReplaced = true
	}

	headerDiff := headerDiffPending(authReplaced)

	started := time.Now()
	type doResult struct {
		resp *http.Response
		err  error
	}
	doCh := make(chan doResult, 1)
	go func() {
		resp, err := a.HTTPClient.Do(outReq)
		doCh <- doResult{resp, err}
	}()

	var resp *http.Response
	var timedOut bool
	select {
	case res := <-doCh:
		resp, err = res.resp, res.err
	case <-time.After(timeout):
		timedOut = true
		cancel()
		res := <-doCh
		resp, err = res.resp, res.err
	}

	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		if ctx.Err() != nil {
			return AttemptOutcome{Failoverable: false, ClientDisconnected: true, ErrorType: domain.ErrConnectionError, ErrorMessage: "client disconnected", HeaderDiff: headerDiff}
		}
		if timedOut {
			return AttemptOutcome{Failoverable: true, ErrorType: domain.ErrTimeout, ErrorMessage: "timeout waiting for first byte", HeaderDiff: headerDiff}
		}
		return AttemptOutcome{Failoverable: true, DidSendUpstream: true, ErrorType: domain.ErrConnectionError, ErrorMessage: err.Error(), HeaderDiff: headerDiff}
	}
	defer resp.Body.Close()

	ttft := time.Since(started)

	if failoverableStatus(resp.StatusCode, in.Upstream.ExcludeStatusCodes) {
		errType := domain.ErrHTTP5xx
		if resp.StatusCode == 429 {
			errType = domain.ErrHTTP429
		}
		io.Copy(io.Discard, resp.Body)
		return AttemptOutcome{
			Failoverable:    true,
			DidSendUpstream: true,
			StatusCode:      resp.StatusCode,
			TTFT:            ttft,
			ErrorType:       errType,
			ErrorMessage:    "upstream returned " + http.StatusText(resp.StatusCode),
			HeaderDiff:      headerDiff,
		}
	}

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}

	isStream := strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
	if !isStream {
		body, readErr := io.ReadAll(resp.Body)
		w.WriteHeader(resp.StatusCode)
		w.Write(body)
		outcome := AttemptOutcome{
			Terminal:        true,
			DidSendUpstream: true,
			StatusCode:      resp.StatusCode,
			TTFT:            ttft,
			HeaderDiff:      headerDiff,
		}
		if readErr == nil {
			outcome.Usage = parseNonStreamUsage(body)
		}
		return outcome
	}

	w.WriteHeader(resp.StatusCode)
	idleTimeout := timeout
	result := teeStream(w, resp.Body, idleTimeout, started)
	outcome := AttemptOutcome{
		Terminal:        true,
		DidSendUpstream: true,
		StatusCode:      resp.StatusCode,
		TTFT:            result.TTFT,
		Usage:           result.Usage,
		HeaderDiff:      headerDiff,
	}
	if result.Err != nil && errors.Is(result.Err, errIdleTimeout) {
		outcome.ErrorType = domain.ErrTimeout
		outcome.ErrorMessage = "stream idle timeout"
	}
	return outcome
}

// failoverableStatus reports whether statusCode counts as a failoverable
// outcome under spec §4.5 ("5xx, 429, 408 unless excluded").
func failoverableStatus(statusCode int, excluded []int) bool {
	for _, e := range excluded {
		if e == statusCode {
			return false
		}
	}
	return statusCode >= 500 || statusCode == 429 || statusCode == 408
}

// applyModelRedirect substitutes body["model"] per the upstream's
// ModelRedirects table (spec §4.5 step 3), only when the body is JSON
// and carries a model field.
func applyModelRedirect(body map[string]interface{}, u domain.Upstream) (map[string]interface{}, bool) {
	if body == nil {
		return nil, false
	}
	model, ok := body["model"].(string)
	if !ok || model == "" {
		return body, false
	}
	redirect := u.ResolveModel(model)
	if redirect == model {
		return body, false
	}
	body["model"] = redirect
	return body, true
}
