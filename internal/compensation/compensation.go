// Package compensation implements the C6 header-compensation engine: a
// copy-on-write snapshot of enabled rules (mirroring the copy-on-write
// guidance in design note §9 and the teacher's plugin.Manager staged
// pipeline — here "before dispatch" has exactly one stage, header
// resolution) and the pure function that applies those rules to one
// request.
package compensation

import (
	"encoding/json"
	"strings"
	"sync/atomic"

	"github.com/autorouter/autorouter/internal/domain"
)

// Resolution is one (targetHeader, value, source) entry the engine
// produced for an outbound request.
type Resolution struct {
	TargetHeader string
	Value        string
	Source       string
}

// Engine holds an in-memory snapshot of enabled compensation rules,
// swapped atomically by Invalidate so admin mutations are visible to the
// next lookup without blocking in-flight ones.
type Engine struct {
	rules atomic.Pointer[[]domain.CompensationRule]
	load  func() ([]domain.CompensationRule, error)
}

// New builds an Engine that loads its rule snapshot via load once, now,
// and again each time Invalidate is called. The reload runs inside
// Invalidate itself; it is not deferred to the next Resolve.
func New(load func() ([]domain.CompensationRule, error)) (*Engine, error) {
	e := &Engine{load: load}
	if err := e.Invalidate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Invalidate reloads the rule snapshot from the backing store and swaps
// the pointer atomically (acquire/release per design note §9).
func (e *Engine) Invalidate() error {
	rules, err := e.load()
	if err != nil {
		return err
	}
	enabled := make([]domain.CompensationRule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	e.rules.Store(&enabled)
	return nil
}

// snapshot returns the currently active rule set.
func (e *Engine) snapshot() []domain.CompensationRule {
	p := e.rules.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Resolve implements C6's per-request computation (spec §4.3): for the
// given capability and inbound headers/body, produce the ordered list of
// header resolutions to apply to the outbound request. headers is keyed
// by canonical header name (already case-normalized by the caller, with
// Authorization and hop-by-hop headers already removed — those are
// handled separately by the proxy attempt, not by a rule); body is the
// parsed JSON body, or nil if the request had no JSON body.
func (e *Engine) Resolve(cap domain.RouteCapability, headers map[string]string, body map[string]interface{}) []Resolution {
	existingTargets := make(map[string]bool, len(headers))
	for name := range headers {
		existingTargets[strings.ToLower(name)] = true
	}

	var resolutions []Resolution
	for _, rule := range e.snapshot() {
		if !ruleApplies(rule, cap) {
			continue
		}
		targetKey := strings.ToLower(rule.TargetHeader)
		if rule.Mode == domain.CompensationModeMissingOnly && existingTargets[targetKey] {
			continue
		}
		value, source, ok := resolveSources(rule.Sources, headers, body)
		if !ok {
			continue
		}
		resolutions = append(resolutions, Resolution{TargetHeader: rule.TargetHeader, Value: value, Source: source})
	}
	return resolutions
}

// BuildHeaderDiff assembles the observable header_diff accounting (spec
// §4.3) from the pieces the proxy attempt (C9) owns: the original inbound
// header set, the names dropped before compensation ran (hop-by-hop
// headers plus Authorization), whether the auth credential was
// substituted, and the resolutions Resolve produced. Invariant I3:
// outbound_count == inbound_count - len(dropped) + len(compensated), with
// the auth replacement counted on both sides (it is present in dropped
// and re-added as part of compensated-equivalent accounting, netting to
// zero).
func BuildHeaderDiff(inboundHeaders map[string]string, dropped []string, authReplaced bool, resolutions []Resolution) domain.HeaderDiff {
	diff := domain.HeaderDiff{
		InboundCount: len(inboundHeaders),
		Dropped:      dropped,
		AuthReplaced: authReplaced,
	}
	compensatedTargets := make(map[string]bool, len(resolutions))
	for _, r := range resolutions {
		diff.Compensated = append(diff.Compensated, r.TargetHeader)
		compensatedTargets[strings.ToLower(r.TargetHeader)] = true
	}
	droppedSet := make(map[string]bool, len(dropped))
	for _, d := range dropped {
		droppedSet[strings.ToLower(d)] = true
	}
	for name := range inboundHeaders {
		key := strings.ToLower(name)
		if droppedSet[key] || compensatedTargets[key] {
			continue
		}
		diff.Unchanged = append(diff.Unchanged, name)
	}
	authAdjustment := 0
	if authReplaced {
		authAdjustment = 1
	}
	diff.OutboundCount = diff.InboundCount - len(dropped) + len(resolutions) + authAdjustment
	return diff
}

func ruleApplies(rule domain.CompensationRule, cap domain.RouteCapability) bool {
	for _, c := range rule.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// resolveSources walks a rule's ordered sources, returning the first one
// that resolves to a non-empty trimmed string (spec §4.3: "First resolved
// source wins").
func resolveSources(sources []string, headers map[string]string, body map[string]interface{}) (value, source string, ok bool) {
	for _, src := range sources {
		switch {
		case strings.HasPrefix(src, "headers."):
			name := src[len("headers."):]
			for hName, hVal := range headers {
				if strings.EqualFold(hName, name) {
					trimmed := strings.TrimSpace(hVal)
					if trimmed != "" {
						return trimmed, src, true
					}
				}
			}
		case strings.HasPrefix(src, "body."):
			path := strings.Split(src[len("body."):], ".")
			if v, ok := walkBody(body, path); ok {
				if s, isString := v.(string); isString {
					trimmed := strings.TrimSpace(s)
					if trimmed != "" {
						return trimmed, src, true
					}
				} else if v != nil {
					if b, err := json.Marshal(v); err == nil {
						return string(b), src, true
					}
				}
			}
		}
	}
	return "", "", false
}

func walkBody(body map[string]interface{}, path []string) (interface{}, bool) {
	var cur interface{} = body
	for _, segment := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, exists := m[segment]
		if !exists {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// BuiltinRules returns the fixed set of built-in compensation rules
// shipped with the gateway (spec §3: "Built-in rules cannot be renamed or
// have their capability/source/target fields edited; only enabled
// toggles"). Admin seeding inserts these once; this is the source of
// truth for their immutable fields.
func BuiltinRules() []domain.CompensationRule {
	return []domain.CompensationRule{
		{
			ID:           "builtin-anthropic-version",
			Capabilities: []domain.RouteCapability{domain.CapabilityAnthropicMessages},
			TargetHeader: "anthropic-version",
			Sources:      []string{"headers.anthropic-version"},
			Mode:         domain.CompensationModeMissingOnly,
			IsBuiltin:    true,
			Enabled:      true,
		},
		{
			ID:           "builtin-openai-org",
			Capabilities: []domain.RouteCapability{domain.CapabilityOpenAIChatCompatible, domain.CapabilityOpenAIExtended},
			TargetHeader: "OpenAI-Organization",
			Sources:      []string{"headers.OpenAI-Organization"},
			Mode:         domain.CompensationModeMissingOnly,
			IsBuiltin:    true,
			Enabled:      true,
		},
	}
}
