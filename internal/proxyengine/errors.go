package proxyengine

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/autorouter/autorouter/internal/domain"
)

// errIdleTimeout is returned by idleDeadlineReader when no byte arrives
// within the configured idle gap (spec §4.5 step 4).
var errIdleTimeout = errors.New("proxyengine: idle stream timeout")

// writeErrorEnvelope writes the spec §4.6 unified error envelope, setting
// the HTTP status from its fixed code→status mapping.
func writeErrorEnvelope(w http.ResponseWriter, env domain.ErrorEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(env.Status())
	_ = json.NewEncoder(w).Encode(map[string]domain.ErrorEnvelope{"error": env})
}

// writeStreamErrorFrame emits an SSE "event: error" frame carrying the
// same envelope, for failures discovered after streaming has already
// started (spec §4.5 "Error surfacing").
func writeStreamErrorFrame(w http.ResponseWriter, env domain.ErrorEnvelope) {
	flusher, _ := w.(http.Flusher)
	body, _ := json.Marshal(map[string]domain.ErrorEnvelope{"error": env})
	w.Write([]byte("event: error\n"))
	w.Write([]byte("data: "))
	w.Write(body)
	w.Write([]byte("\n\n"))
	if flusher != nil {
		flusher.Flush()
	}
}
