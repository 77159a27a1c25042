package proxyengine

import (
	"net/http"
	"strings"

	"github.com/autorouter/autorouter/internal/compensation"
	"github.com/autorouter/autorouter/internal/domain"
)

// hopByHopHeaders are stripped before forwarding, the standard RFC 7230
// §6.1 connection-scoped set plus the gateway-internal Authorization
// header (spec §4.5 step 2).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Authorization",
}

// buildOutboundHeaders clones inbound, drops hop-by-hop + Authorization,
// and returns the flattened single-value view compensation.Resolve needs
// plus the list of names actually dropped (for BuildHeaderDiff).
func buildOutboundHeaders(inbound http.Header) (outbound http.Header, flattened map[string]string, dropped []string) {
	outbound = inbound.Clone()
	flattened = make(map[string]string, len(inbound))

	droppedSet := make(map[string]bool, len(hopByHopHeaders))
	for _, h := range hopByHopHeaders {
		droppedSet[strings.ToLower(h)] = true
	}

	for name := range inbound {
		if droppedSet[strings.ToLower(name)] {
			dropped = append(dropped, name)
			outbound.Del(name)
			continue
		}
		flattened[name] = inbound.Get(name)
	}
	return outbound, flattened, dropped
}

// applyCompensation runs the C6 engine against the request and writes
// its resolutions onto outbound, returning them for header-diff
// accounting.
func applyCompensation(engine *compensation.Engine, cap domain.RouteCapability, headers map[string]string, body map[string]interface{}, outbound http.Header) []compensation.Resolution {
	if engine == nil {
		return nil
	}
	resolutions := engine.Resolve(cap, headers, body)
	for _, r := range resolutions {
		outbound.Set(r.TargetHeader, r.Value)
	}
	return resolutions
}
