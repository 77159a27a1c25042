package admin

import (
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/autorouter/autorouter/internal/billing"
	"github.com/autorouter/autorouter/internal/circuitbreaker"
	"github.com/autorouter/autorouter/internal/compensation"
	"github.com/autorouter/autorouter/internal/quota"
	"github.com/autorouter/autorouter/internal/upstream"
)

// Handlers wires spec §6's admin surface to its domain collaborators.
// Grounded in the teacher's cmd/ferrogw/main.go wiring one admin.Handlers
// struct mounted under /admin, generalized to the collaborators this
// domain's admin surface actually depends on instead of a single
// in-process key store.
type Handlers struct {
	CircuitBreakers    *circuitbreaker.Registry
	Upstreams          *upstream.Registry
	Quota              *quota.Tracker
	Billing            *billing.Recorder
	Compensation       *compensation.Store
	CompensationEngine *compensation.Engine

	// QuotaRebuildHorizon bounds how far back resyncQuota rescans billing
	// snapshots, mirroring the boot-time rebuild horizon (spec §4.8).
	QuotaRebuildHorizon time.Duration
}

// Routes returns the chi router for everything under /api/admin. Mount it
// behind StaticTokenMiddleware.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/circuit-breakers", h.listCircuitBreakers)
	r.Get("/circuit-breakers/{upstreamId}", h.getCircuitBreaker)
	r.Post("/circuit-breakers/{upstreamId}/force-open", h.forceOpenCircuitBreaker)
	r.Post("/circuit-breakers/{upstreamId}/force-close", h.forceCloseCircuitBreaker)

	r.Get("/upstreams/quota", h.listQuota)
	r.Post("/upstreams/quota", h.resyncQuota)

	r.Get("/stats/overview", h.overviewStats)
	r.Get("/stats/timeseries", h.timeseriesStats)
	r.Get("/stats/leaderboard", h.leaderboardStats)

	r.Get("/compensation-rules", h.listCompensationRules)
	r.Post("/compensation-rules", h.createCompensationRule)
	r.Get("/compensation-rules/{id}", h.getCompensationRule)
	r.Put("/compensation-rules/{id}", h.updateCompensationRule)
	r.Delete("/compensation-rules/{id}", h.deleteCompensationRule)

	return r
}
