package admin

import (
	"net/http"
	"time"
)

// quotaView is the admin-facing JSON shape of one upstream's spending
// quota state, per spec §6 "GET /api/admin/upstreams/quota".
type quotaView struct {
	UpstreamID      string     `json:"upstreamId"`
	UpstreamName    string     `json:"upstreamName"`
	PeriodType      string     `json:"periodType"`
	PeriodHours     int        `json:"periodHours,omitempty"`
	SpendingLimit   float64    `json:"spendingLimit"`
	CurrentSpend    float64    `json:"currentSpend"`
	IsExceeded      bool       `json:"isExceeded"`
	RecoveryAt      *time.Time `json:"recoveryAt,omitempty"`
}

// listQuota implements "GET /api/admin/upstreams/quota".
func (h *Handlers) listQuota(w http.ResponseWriter, r *http.Request) {
	upstreams, err := h.Upstreams.ListActive(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	now := time.Now()
	views := make([]quotaView, 0, len(upstreams))
	for _, u := range upstreams {
		v := quotaView{
			UpstreamID:    u.ID,
			UpstreamName:  u.Name,
			PeriodType:    string(u.SpendingPeriodType),
			PeriodHours:   u.SpendingPeriodHours,
			SpendingLimit: u.SpendingLimit,
			CurrentSpend:  h.Quota.CurrentSpend(u, now),
			IsExceeded:    h.Quota.IsExceeded(u, now),
		}
		if at, ok := h.Quota.RecoveryEstimate(u, now); ok {
			v.RecoveryAt = &at
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": views})
}

// resyncQuota implements "POST /api/admin/upstreams/quota": rebuilds the
// in-memory tracker from persisted billing snapshots (spec §4.8), the
// same rebuild boot runs, callable on demand when the operator suspects
// drift (e.g. after restoring a database backup).
func (h *Handlers) resyncQuota(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-h.QuotaRebuildHorizon)
	events, err := h.Billing.RebuildSpendEvents(r.Context(), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.Quota.Rebuild(events)
	writeJSON(w, http.StatusOK, map[string]interface{}{"resynced": true, "events": len(events)})
}
