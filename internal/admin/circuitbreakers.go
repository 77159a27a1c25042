package admin

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/autorouter/autorouter/internal/domain"
)

// circuitBreakerView is the admin-facing JSON shape of one breaker, per
// spec §6 "GET /api/admin/circuit-breakers[?state=]".
type circuitBreakerView struct {
	UpstreamID    string     `json:"upstreamId"`
	State         string     `json:"state"`
	FailureCount  int        `json:"failureCount"`
	SuccessCount  int        `json:"successCount"`
	LastFailureAt *time.Time `json:"lastFailureAt,omitempty"`
	OpenedAt      *time.Time `json:"openedAt,omitempty"`
	LastProbeAt   *time.Time `json:"lastProbeAt,omitempty"`
}

func toView(s domain.CircuitBreakerState) circuitBreakerView {
	return circuitBreakerView{
		UpstreamID:    s.UpstreamID,
		State:         string(s.State),
		FailureCount:  s.FailureCount,
		SuccessCount:  s.SuccessCount,
		LastFailureAt: s.LastFailureAt,
		OpenedAt:      s.OpenedAt,
		LastProbeAt:   s.LastProbeAt,
	}
}

// realizeAll forces the registry to lazily create (and thus list) a
// Breaker for every currently active upstream, since Registry.List only
// returns breakers that have been referenced at least once (spec §3
// "Created lazily with defaults when first referenced").
func (h *Handlers) realizeAll(r *http.Request) error {
	ctx := r.Context()
	upstreams, err := h.Upstreams.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, u := range upstreams {
		h.CircuitBreakers.Get(ctx, u.ID, u.CircuitBreaker)
	}
	return nil
}

// listCircuitBreakers implements "GET /api/admin/circuit-breakers[?state=]".
func (h *Handlers) listCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	if err := h.realizeAll(r); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	states := h.CircuitBreakers.List()
	sort.Slice(states, func(i, j int) bool { return states[i].UpstreamID < states[j].UpstreamID })

	if filter := r.URL.Query().Get("state"); filter != "" {
		filtered := states[:0]
		for _, s := range states {
			if string(s.State) == filter {
				filtered = append(filtered, s)
			}
		}
		states = filtered
	}

	page, pageSize := parsePagination(r)
	total := len(states)
	totalPages := (total + pageSize - 1) / pageSize
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	data := make([]circuitBreakerView, 0, end-start)
	for _, s := range states[start:end] {
		data = append(data, toView(s))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": data,
		"pagination": map[string]int{
			"page":       page,
			"pageSize":   pageSize,
			"total":      total,
			"totalPages": totalPages,
		},
	})
}

// getCircuitBreaker implements "GET /api/admin/circuit-breakers/{upstreamId}".
func (h *Handlers) getCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	upstream, ok := h.mustUpstream(w, r)
	if !ok {
		return
	}
	b := h.CircuitBreakers.Get(r.Context(), upstream.ID, upstream.CircuitBreaker)
	writeJSON(w, http.StatusOK, toView(b.Snapshot()))
}

// forceOpenCircuitBreaker implements "POST
// /api/admin/circuit-breakers/{upstreamId}/force-open".
func (h *Handlers) forceOpenCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	upstream, ok := h.mustUpstream(w, r)
	if !ok {
		return
	}
	b := h.CircuitBreakers.Get(r.Context(), upstream.ID, upstream.CircuitBreaker)
	b.ForceOpen(time.Now())
	writeJSON(w, http.StatusOK, toView(b.Snapshot()))
}

// forceCloseCircuitBreaker implements "POST
// /api/admin/circuit-breakers/{upstreamId}/force-close".
func (h *Handlers) forceCloseCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	upstream, ok := h.mustUpstream(w, r)
	if !ok {
		return
	}
	b := h.CircuitBreakers.Get(r.Context(), upstream.ID, upstream.CircuitBreaker)
	b.ForceClose(time.Now())
	writeJSON(w, http.StatusOK, toView(b.Snapshot()))
}

func (h *Handlers) mustUpstream(w http.ResponseWriter, r *http.Request) (domain.Upstream, bool) {
	id := chi.URLParam(r, "upstreamId")
	u, err := h.Upstreams.Get(r.Context(), id)
	if err != nil || u == nil {
		writeError(w, http.StatusNotFound, "upstream not found: "+id)
		return domain.Upstream{}, false
	}
	return *u, true
}

func parsePagination(r *http.Request) (page, pageSize int) {
	page = 1
	pageSize = 50
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("pageSize")); err == nil && v > 0 && v <= 200 {
		pageSize = v
	}
	return page, pageSize
}
