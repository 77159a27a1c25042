// Package quota implements the C3 spending quota tracker: per-upstream
// daily/monthly/rolling spend accounting, consulted inline by the
// candidate selector (C8) and updated by the billing recorder (C11).
//
// The window-sum computation is kept as a pure function (PeriodStart,
// sumWithinWindow) in the style of artpar-apigate's domain/quota.Check —
// deterministic, no side effects — wrapped by a single-writer-per-upstream
// Tracker that owns the actual increment log, following this repository's
// "global mutable counters → owner task per upstream" design note.
package quota

import (
	"sort"
	"sync"
	"time"

	"github.com/autorouter/autorouter/internal/domain"
)

// SpendEvent is one billed increment against an upstream, used both for
// live recording and for the boot-time rebuild from persisted snapshots.
type SpendEvent struct {
	UpstreamID string
	Amount     float64
	At         time.Time
}

// PeriodStart returns the lower bound of the spending window that's in
// effect at `now` for the given period configuration. Pure function.
func PeriodStart(periodType domain.SpendingPeriodType, periodHours int, now time.Time) time.Time {
	switch periodType {
	case domain.PeriodDaily:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	case domain.PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	case domain.PeriodRolling:
		return now.Add(-time.Duration(periodHours) * time.Hour)
	default:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	}
}

// sumWithinWindow sums events with At in [start, now]. Pure function.
func sumWithinWindow(events []SpendEvent, start, now time.Time) float64 {
	var sum float64
	for _, e := range events {
		if !e.At.Before(start) && !e.At.After(now) {
			sum += e.Amount
		}
	}
	return sum
}

// Tracker is the single-writer-per-upstream owner of spend history. Safe
// for concurrent use; internally serialized via a single Tracker-wide
// mutex (the event lists are small and checks are not hot enough to
// warrant per-upstream locks).
type Tracker struct {
	mu     sync.Mutex
	events map[string][]SpendEvent // upstreamID -> ascending by At
}

// NewTracker returns an empty Tracker. Call Rebuild at boot to restore
// state from persisted billing snapshots (spec §4.8 "On process start,
// rebuild counters from RequestBillingSnapshot table").
func NewTracker() *Tracker {
	return &Tracker{events: make(map[string][]SpendEvent)}
}

// Rebuild replaces the in-memory event log with events reconstructed from
// persisted billing snapshots. Callers should pass only events within the
// maximum horizon the tracker needs (last 24h + current month + the
// largest configured rolling window), per spec §4.8.
func (t *Tracker) Rebuild(events []SpendEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	grouped := make(map[string][]SpendEvent)
	for _, e := range events {
		grouped[e.UpstreamID] = append(grouped[e.UpstreamID], e)
	}
	for id, es := range grouped {
		sort.Slice(es, func(i, j int) bool { return es[i].At.Before(es[j].At) })
		grouped[id] = es
	}
	t.events = grouped
}

// RecordSpend appends a spend event for upstreamID, called by the billing
// recorder (C11) on every successful billed request.
func (t *Tracker) RecordSpend(upstreamID string, amount float64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	events := t.events[upstreamID]
	events = append(events, SpendEvent{UpstreamID: upstreamID, Amount: amount, At: at})
	sort.Slice(events, func(i, j int) bool { return events[i].At.Before(events[j].At) })
	t.events[upstreamID] = events
}

// CurrentSpend returns the upstream's spend within its currently
// configured window as of now.
func (t *Tracker) CurrentSpend(u domain.Upstream, now time.Time) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	start := PeriodStart(u.SpendingPeriodType, u.SpendingPeriodHours, now)
	return sumWithinWindow(t.events[u.ID], start, now)
}

// IsExceeded reports whether upstream u is currently over its configured
// spending limit (spec §4.8's `isExceeded(upstream)`). A non-positive
// limit is treated as unlimited.
func (t *Tracker) IsExceeded(u domain.Upstream, now time.Time) bool {
	if u.SpendingLimit <= 0 {
		return false
	}
	return t.CurrentSpend(u, now) >= u.SpendingLimit
}

// RecoveryEstimate returns the time at which the oldest in-window spend
// event rolls off the window, dropping the running total by that event's
// amount — the "Recovery-time estimate" spec §4.8 names for rolling
// rules. Only meaningful (and only computed) for PeriodRolling; other
// period types return ok=false since they reset wholesale at a period
// boundary rather than sliding continuously.
func (t *Tracker) RecoveryEstimate(u domain.Upstream, now time.Time) (time.Time, bool) {
	if u.SpendingPeriodType != domain.PeriodRolling {
		return time.Time{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	start := PeriodStart(u.SpendingPeriodType, u.SpendingPeriodHours, now)
	events := t.events[u.ID]
	for _, e := range events {
		if !e.At.Before(start) && !e.At.After(now) {
			return e.At.Add(time.Duration(u.SpendingPeriodHours) * time.Hour), true
		}
	}
	return time.Time{}, false
}
