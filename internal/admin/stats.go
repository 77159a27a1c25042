package admin

import (
	"net/http"
	"sort"
	"time"

	"github.com/autorouter/autorouter/internal/domain"
)

// statsRange resolves the spec §6 "range ∈ {today,7d,30d}" query param
// into a lower bound on CreatedAt.
func statsRange(r *http.Request) (time.Time, string, bool) {
	rng := r.URL.Query().Get("range")
	if rng == "" {
		rng = "today"
	}
	now := time.Now().UTC()
	switch rng {
	case "today":
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), rng, true
	case "7d":
		return now.Add(-7 * 24 * time.Hour), rng, true
	case "30d":
		return now.Add(-30 * 24 * time.Hour), rng, true
	default:
		return time.Time{}, rng, false
	}
}

// overviewStats implements "GET /api/admin/stats/overview".
func (h *Handlers) overviewStats(w http.ResponseWriter, r *http.Request) {
	since, rng, ok := statsRange(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "range must be one of today, 7d, 30d")
		return
	}
	rows, err := h.Billing.ListSince(r.Context(), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var totalCost float64
	var billedCount, unbilledCount int
	var totalDurationMs int64
	for _, row := range rows {
		if row.Status == domain.BillingBilled {
			billedCount++
			totalCost += row.Cost
		} else {
			unbilledCount++
		}
		totalDurationMs += row.DurationMs
	}
	avgDurationMs := float64(0)
	if len(rows) > 0 {
		avgDurationMs = float64(totalDurationMs) / float64(len(rows))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"range":             rng,
		"requestCount":      len(rows),
		"billedCount":       billedCount,
		"unbilledCount":     unbilledCount,
		"totalCost":         totalCost,
		"avgDurationMs":     avgDurationMs,
	})
}

// timeseriesStats implements "GET /api/admin/stats/timeseries": one
// UTC-day bucket per point, cost and request count per bucket.
func (h *Handlers) timeseriesStats(w http.ResponseWriter, r *http.Request) {
	since, rng, ok := statsRange(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "range must be one of today, 7d, 30d")
		return
	}
	rows, err := h.Billing.ListSince(r.Context(), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type bucket struct {
		Date         string  `json:"date"`
		RequestCount int     `json:"requestCount"`
		Cost         float64 `json:"cost"`
	}
	buckets := make(map[string]*bucket)
	var order []string
	for _, row := range rows {
		key := row.CreatedAt.UTC().Format("2006-01-02")
		b, ok := buckets[key]
		if !ok {
			b = &bucket{Date: key}
			buckets[key] = b
			order = append(order, key)
		}
		b.RequestCount++
		if row.Status == domain.BillingBilled {
			b.Cost += row.Cost
		}
	}
	sort.Strings(order)
	points := make([]*bucket, 0, len(order))
	for _, k := range order {
		points = append(points, buckets[k])
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"range": rng, "data": points})
}

// leaderboardStats implements "GET /api/admin/stats/leaderboard": per
// upstream request count and cost, sorted by cost descending.
func (h *Handlers) leaderboardStats(w http.ResponseWriter, r *http.Request) {
	since, rng, ok := statsRange(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "range must be one of today, 7d, 30d")
		return
	}
	rows, err := h.Billing.ListSince(r.Context(), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type entry struct {
		UpstreamID   string  `json:"upstreamId"`
		RequestCount int     `json:"requestCount"`
		Cost         float64 `json:"cost"`
	}
	byUpstream := make(map[string]*entry)
	var order []string
	for _, row := range rows {
		e, ok := byUpstream[row.UpstreamID]
		if !ok {
			e = &entry{UpstreamID: row.UpstreamID}
			byUpstream[row.UpstreamID] = e
			order = append(order, row.UpstreamID)
		}
		e.RequestCount++
		if row.Status == domain.BillingBilled {
			e.Cost += row.Cost
		}
	}
	leaders := make([]*entry, 0, len(order))
	for _, id := range order {
		leaders = append(leaders, byUpstream[id])
	}
	sort.Slice(leaders, func(i, j int) bool { return leaders[i].Cost > leaders[j].Cost })

	writeJSON(w, http.StatusOK, map[string]interface{}{"range": rng, "data": leaders})
}
