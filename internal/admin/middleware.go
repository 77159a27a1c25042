// Package admin implements the spec §6 admin surface: read-only circuit
// breaker inspection and force transitions, upstream quota inspection and
// resync, stats reducers over RequestLog+BillingSnapshot, and
// compensation-rule CRUD. All routes live under /api/admin and are
// secured by a single static ADMIN_TOKEN bearer (spec §6), unlike the
// teacher's scoped multi-key AuthMiddleware/RequireScope model — this
// surface has one operator, not many API consumers with differing
// scopes.
package admin

import (
	"encoding/json"
	"net/http"
	"strings"
)

// StaticTokenMiddleware returns a chi-compatible middleware that accepts
// only requests bearing "Authorization: Bearer <token>" where token
// equals the configured ADMIN_TOKEN.
func StaticTokenMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			presented := strings.TrimPrefix(auth, "Bearer ")
			if auth == "" || !strings.HasPrefix(auth, "Bearer ") || presented != token {
				writeError(w, http.StatusUnauthorized, "missing or invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
