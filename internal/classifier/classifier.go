// Package classifier implements the C7 route classifier: a pure function
// from an inbound request's path and body to a domain.RouteCapability,
// following the "closed sum type + table of handlers" guidance the rest of
// this codebase uses for provider-family dispatch (compare
// internal/strategies.Strategy in the teacher package, and
// providers.Registry's name-keyed table).
package classifier

import "github.com/autorouter/autorouter/internal/domain"

// pathRule is one entry of the ordered path-prefix table. Prefixes are
// checked in order; the first match wins.
type pathRule struct {
	prefix     string
	capability domain.RouteCapability
}

var pathRules = []pathRule{
	{"/v1/messages", domain.CapabilityAnthropicMessages},
	{"/v1/responses", domain.CapabilityCodexResponses},
	{"/v1beta/models", domain.CapabilityGeminiNativeGenerate},
	{"/internal/gemini-code-assist", domain.CapabilityGeminiCodeAssistInternal},
	{"/v1/chat/completions", domain.CapabilityOpenAIChatCompatible},
	{"/v1/completions", domain.CapabilityOpenAIChatCompatible},
	{"/v1/embeddings", domain.CapabilityOpenAIExtended},
	{"/v1/images/generations", domain.CapabilityOpenAIExtended},
}

// modelPrefixDefault maps a model-name prefix to the provider family's
// default capability, used when the path itself doesn't disambiguate.
var modelPrefixDefault = []struct {
	prefix     string
	capability domain.RouteCapability
}{
	{"claude-", domain.CapabilityAnthropicMessages},
	{"gemini-", domain.CapabilityGeminiNativeGenerate},
	{"gpt-", domain.CapabilityOpenAIChatCompatible},
	{"o1", domain.CapabilityOpenAIChatCompatible},
	{"o3", domain.CapabilityOpenAIChatCompatible},
}

// Classify returns the route capability for an inbound request. path is
// the request path (e.g. "/v1/chat/completions"); model is the best-effort
// model string already extracted from the parsed JSON body, used only as
// a fallback when no path prefix matches.
func Classify(path, model string) (domain.RouteCapability, bool) {
	for _, r := range pathRules {
		if hasPrefix(path, r.prefix) {
			return r.capability, true
		}
	}
	if model == "" {
		return "", false
	}
	for _, d := range modelPrefixDefault {
		if hasPrefix(model, d.prefix) {
			return d.capability, true
		}
	}
	return "", false
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// providerFamily groups capabilities that must co-occur on a single
// upstream's RouteCapabilities set (spec §4.1 invariant).
var providerFamily = map[domain.RouteCapability]string{
	domain.CapabilityAnthropicMessages:        "anthropic",
	domain.CapabilityCodexResponses:           "openai",
	domain.CapabilityOpenAIChatCompatible:     "openai",
	domain.CapabilityOpenAIExtended:           "openai",
	domain.CapabilityGeminiNativeGenerate:     "gemini",
	domain.CapabilityGeminiCodeAssistInternal: "gemini",
}

// SingleFamily reports whether every capability in caps belongs to the
// same provider family, and returns that family name.
func SingleFamily(caps []domain.RouteCapability) (string, bool) {
	family := ""
	for _, c := range caps {
		f, ok := providerFamily[c]
		if !ok {
			return "", false
		}
		if family == "" {
			family = f
		} else if family != f {
			return "", false
		}
	}
	return family, true
}

// DefaultCapabilities returns the capability set an upstream is eligible
// for when it declares no explicit RouteCapabilities, expanded from its
// provider family (spec §4.1: "default-by-provider expansion when the set
// is empty").
func DefaultCapabilities(family string) []domain.RouteCapability {
	var out []domain.RouteCapability
	for cap, fam := range providerFamily {
		if fam == family {
			out = append(out, cap)
		}
	}
	return out
}

// Eligible reports whether upstream u is capability-eligible for cap,
// applying the default-by-provider expansion when u declares no explicit
// capabilities.
func Eligible(declared []domain.RouteCapability, cap domain.RouteCapability) bool {
	if len(declared) == 0 {
		family, ok := providerFamily[cap]
		if !ok {
			return false
		}
		for _, c := range DefaultCapabilities(family) {
			if c == cap {
				return true
			}
		}
		return false
	}
	for _, c := range declared {
		if c == cap {
			return true
		}
	}
	return false
}
