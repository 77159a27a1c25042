// Package domain holds the shared entity types the request-plane
// components operate on: API keys, upstreams, circuit-breaker state,
// billing rows, and the route-capability sum type. It has no
// dependencies on storage or transport; it is the vocabulary every
// other internal package imports.
package domain

import "time"

// RouteCapability is the closed sum type classifying an inbound request to
// one of the provider-family route shapes AutoRouter understands.
type RouteCapability string

const (
	CapabilityAnthropicMessages        RouteCapability = "anthropic_messages"
	CapabilityCodexResponses           RouteCapability = "codex_responses"
	CapabilityOpenAIChatCompatible     RouteCapability = "openai_chat_compatible"
	CapabilityOpenAIExtended           RouteCapability = "openai_extended"
	CapabilityGeminiNativeGenerate     RouteCapability = "gemini_native_generate"
	CapabilityGeminiCodeAssistInternal RouteCapability = "gemini_code_assist_internal"
)

// CredentialScheme selects how an upstream's decrypted credential is
// injected onto the outbound request (spec §4.9 credential substitution).
// The provider family alone doesn't determine this: an anthropic_messages
// upstream may be reached either directly (bearer) or via AWS Bedrock
// (sigv4), so the scheme is a per-upstream setting, not derived from
// RouteCapabilities.
type CredentialScheme string

const (
	// CredentialSchemeBearer sends the decrypted credential verbatim as
	// a Bearer token; the default for every upstream that omits this field.
	CredentialSchemeBearer CredentialScheme = "bearer"
	// CredentialSchemeSigV4 signs the request with AWS Signature V4,
	// for Bedrock-family upstreams.
	CredentialSchemeSigV4 CredentialScheme = "sigv4"
	// CredentialSchemeOAuth2 refreshes and injects an OAuth2 bearer
	// token, for the gemini_code_assist_internal capability.
	CredentialSchemeOAuth2 CredentialScheme = "oauth2"
)

// SpendingPeriodType names the window a spending limit is measured over.
type SpendingPeriodType string

const (
	PeriodDaily   SpendingPeriodType = "daily"
	PeriodMonthly SpendingPeriodType = "monthly"
	PeriodRolling SpendingPeriodType = "rolling"
)

// AffinityMetric is the signal used to decide an in-flight session has
// migrated far enough to drop sticky routing.
type AffinityMetric string

const (
	AffinityMetricTokens AffinityMetric = "tokens"
	AffinityMetricLength AffinityMetric = "length"
)

// AffinityMigration configures when a sticky session is allowed to move
// off its previously chosen upstream.
type AffinityMigration struct {
	Enabled   bool
	Metric    AffinityMetric
	Threshold float64
}

// CircuitBreakerConfig is the per-upstream tuning for the C4 state
// machine, with the package defaults applied by the registry on load.
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	OpenDuration     time.Duration
	ProbeInterval    time.Duration
}

// DefaultCircuitBreakerConfig mirrors spec §4.4's stated defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenDuration:     30 * time.Second,
		ProbeInterval:    10 * time.Second,
	}
}

// ApiKey is a downstream principal's stable identity.
type ApiKey struct {
	ID             string
	KeyHash        string
	Prefix         string
	EncryptedKey   string // only populated when key reveal is enabled
	Name           string
	IsActive       bool
	ExpiresAt      *time.Time
	BoundUpstreams []string // upstream IDs, the ApiKeyUpstream join materialized
}

// Expired reports whether the key's expiry, if any, has passed as of now.
func (k *ApiKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// BindsUpstream reports whether upstreamID is in the key's authorized set.
func (k *ApiKey) BindsUpstream(upstreamID string) bool {
	for _, id := range k.BoundUpstreams {
		if id == upstreamID {
			return true
		}
	}
	return false
}

// Upstream is a concrete provider endpoint AutoRouter may forward to.
type Upstream struct {
	ID                     string
	Name                   string
	BaseURL                string
	EncryptedCredential    string
	IsActive               bool
	Priority               int
	Weight                 float64
	Timeout                time.Duration
	RouteCapabilities      []RouteCapability
	AllowedModels          []string // nil means no whitelist
	ModelRedirects         map[string]string
	AffinityMigration      *AffinityMigration
	BillingInputMultiplier  float64
	BillingOutputMultiplier float64
	SpendingLimit          float64
	SpendingPeriodType     SpendingPeriodType
	SpendingPeriodHours    int // required iff SpendingPeriodType == rolling
	ExcludeStatusCodes     []int
	CircuitBreaker         CircuitBreakerConfig

	// CredentialScheme selects how EncryptedCredential is applied; empty
	// is treated as CredentialSchemeBearer.
	CredentialScheme CredentialScheme
	// CredentialRegion is the AWS region used when CredentialScheme is
	// sigv4; ignored otherwise.
	CredentialRegion string
}

// HasCapability reports whether the upstream declares capability cap,
// honoring the "empty set expands by provider family default" rule only
// at the classifier layer; the registry itself tests the literal set.
func (u *Upstream) HasCapability(cap RouteCapability) bool {
	for _, c := range u.RouteCapabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// ResolveModel applies ModelRedirects, returning the upstream-side model
// name for a requested model (or the requested model unchanged).
func (u *Upstream) ResolveModel(requested string) string {
	if redirect, ok := u.ModelRedirects[requested]; ok {
		return redirect
	}
	return requested
}

// ModelAllowed reports whether requestedModel passes the optional
// whitelist, after redirect substitution per spec §4.2 step 3.
func (u *Upstream) ModelAllowed(requestedModel string) bool {
	if u.AllowedModels == nil {
		return true
	}
	resolved := u.ResolveModel(requestedModel)
	for _, m := range u.AllowedModels {
		if m == resolved {
			return true
		}
	}
	return false
}

// CBState is the circuit-breaker state machine's current phase.
type CBState string

const (
	CBClosed   CBState = "closed"
	CBOpen     CBState = "open"
	CBHalfOpen CBState = "half_open"
)

// CircuitBreakerState is the persisted 1:1 row per Upstream.
type CircuitBreakerState struct {
	UpstreamID    string
	State         CBState
	FailureCount  int
	SuccessCount  int
	LastFailureAt *time.Time
	OpenedAt      *time.Time
	LastProbeAt   *time.Time
	Config        CircuitBreakerConfig
}

// PriceSource names where a resolved price came from.
type PriceSource string

const (
	SourceManual     PriceSource = "manual"
	SourceLiteLLM    PriceSource = "litellm"
	SourceOpenRouter PriceSource = "openrouter"
)

// ModelPrice is the resolved price tuple for one model.
type ModelPrice struct {
	Model               string
	InputPerMillion     float64
	OutputPerMillion    float64
	CacheReadPer1M      *float64
	CacheWritePer1M     *float64
	Source              PriceSource
	SyncedAt            time.Time
}

// Usage is token accounting parsed from a provider response.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CacheReadTokens  int
	CacheWriteTokens int
}

// Zero reports whether every counter is zero (spec §4.11 step 2).
func (u Usage) Zero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.CacheReadTokens == 0 && u.CacheWriteTokens == 0
}

// BillingStatus is the outcome of the C11 billing recorder for one request.
type BillingStatus string

const (
	BillingBilled   BillingStatus = "billed"
	BillingUnbilled BillingStatus = "unbilled"
)

// UnbillableReason explains a BillingUnbilled status.
type UnbillableReason string

const (
	ReasonModelMissing   UnbillableReason = "model_missing"
	ReasonUsageMissing   UnbillableReason = "usage_missing"
	ReasonPriceNotFound  UnbillableReason = "price_not_found"
)

// RequestBillingSnapshot is the 1:1 immutable billing record for a RequestLog.
type RequestBillingSnapshot struct {
	RequestLogID            string
	BillingStatus            BillingStatus
	UnbillableReason          UnbillableReason
	PriceSource               PriceSource
	InputPricePerMillion      float64
	OutputPricePerMillion     float64
	BillingInputMultiplier    float64
	BillingOutputMultiplier   float64
	PromptTokens              int
	CompletionTokens          int
	CacheReadTokens           int
	CacheWriteTokens          int
	FinalCost                 float64
	Currency                  string
}

// FailoverErrorType classifies one failed attempt for the failover history.
type FailoverErrorType string

const (
	ErrTimeout         FailoverErrorType = "timeout"
	ErrHTTP5xx         FailoverErrorType = "http_5xx"
	ErrHTTP429         FailoverErrorType = "http_429"
	ErrConnectionError FailoverErrorType = "connection_error"
	ErrCircuitOpen     FailoverErrorType = "circuit_open"
)

// FailoverAttempt is one entry of a RequestLog's failoverHistory.
type FailoverAttempt struct {
	UpstreamID   string
	UpstreamName string
	AttemptedAt  time.Time
	ErrorType    FailoverErrorType
	ErrorMessage string
	StatusCode   int
}

// HeaderDiff records the compensation engine's observable side effect for
// one request, per spec §4.3.
type HeaderDiff struct {
	Dropped       []string
	AuthReplaced  bool
	Compensated   []string
	Unchanged     []string
	InboundCount  int
	OutboundCount int
}

// RequestLog is the immutable record of one completed request.
type RequestLog struct {
	ID               string
	ApiKeyID         string
	UpstreamID       string
	Method           string
	Path             string
	Model            string
	StatusCode       int
	DurationMs       int64
	TTFTMs           *int64
	IsStream         bool
	RoutingType      string
	LBStrategy       string
	PriorityTier     int
	FailoverAttempts int
	FailoverHistory  []FailoverAttempt
	HeaderDiff       HeaderDiff
	AffinityHit      bool
	AffinityMigrated bool
	Usage            Usage
	CreatedAt        time.Time
}

// CompensationMode is the rule-emission strategy; "missing_only" is the
// only mode the spec defines today.
type CompensationMode string

const CompensationModeMissingOnly CompensationMode = "missing_only"

// CompensationRule is a header-rewrite rule keyed by route capability.
type CompensationRule struct {
	ID           string
	Capabilities []RouteCapability
	TargetHeader string
	Sources      []string // "headers.X" or "body.a.b.c", in priority order
	Mode         CompensationMode
	IsBuiltin    bool
	Enabled      bool
}

// ErrorType is the unified error envelope's fixed category (spec §4.6).
type ErrorType string

const (
	ErrorTypeServiceUnavailable ErrorType = "service_unavailable"
	ErrorTypeTimeout            ErrorType = "timeout"
	ErrorTypeClientError        ErrorType = "client_error"
	ErrorTypeStreamError        ErrorType = "stream_error"
)

// ErrorCode is the fixed code→HTTP-status vocabulary (spec §4.6).
type ErrorCode string

const (
	CodeAllUpstreamsUnavailable ErrorCode = "ALL_UPSTREAMS_UNAVAILABLE"
	CodeNoAuthorizedUpstreams   ErrorCode = "NO_AUTHORIZED_UPSTREAMS"
	CodeNoUpstreamsConfigured   ErrorCode = "NO_UPSTREAMS_CONFIGURED"
	CodeServiceUnavailable      ErrorCode = "SERVICE_UNAVAILABLE"
	CodeRequestTimeout          ErrorCode = "REQUEST_TIMEOUT"
	CodeClientDisconnected      ErrorCode = "CLIENT_DISCONNECTED"
	CodeStreamError             ErrorCode = "STREAM_ERROR"
)

// ErrorStatus is the fixed code→HTTP-status mapping from spec §4.6.
var ErrorStatus = map[ErrorCode]int{
	CodeAllUpstreamsUnavailable: 503,
	CodeNoAuthorizedUpstreams:   403,
	CodeNoUpstreamsConfigured:   503,
	CodeServiceUnavailable:      503,
	CodeRequestTimeout:          504,
	CodeClientDisconnected:      499,
	CodeStreamError:             502,
}

// ErrorEnvelope is the unified error body returned to clients (spec §4.6).
type ErrorEnvelope struct {
	Message         string    `json:"message"`
	Type            ErrorType `json:"type"`
	Code            ErrorCode `json:"code"`
	Reason          string    `json:"reason,omitempty"`
	DidSendUpstream bool      `json:"did_send_upstream"`
	RequestID       string    `json:"request_id"`
	UserHint        string    `json:"user_hint,omitempty"`
}

// Status returns the HTTP status this envelope's code maps to.
func (e ErrorEnvelope) Status() int {
	if s, ok := ErrorStatus[e.Code]; ok {
		return s
	}
	return 500
}
