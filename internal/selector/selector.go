// Package selector implements the C8 candidate selector: filtering,
// priority-tier grouping, weighted-random-without-replacement ordering
// within a tier, and the session-affinity exception, exposed as a
// pull-based iterator so a successful first attempt skips all further
// computation (spec §4.2).
//
// The weighted draw reuses the teacher's `weightedStartIndex` technique
// (gateway.go) generalized from "pick a single rotation offset" to
// "repeatedly draw one survivor, removing it, until the tier is empty".
package selector

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/autorouter/autorouter/internal/circuitbreaker"
	"github.com/autorouter/autorouter/internal/classifier"
	"github.com/autorouter/autorouter/internal/domain"
	"github.com/autorouter/autorouter/internal/quota"
)

// AffinityStore tracks session→upstream stickiness within a retention
// window (spec §4.2 "observed within the retention window").
type AffinityStore interface {
	Lookup(sessionKey string) (upstreamID string, ok bool)
	Record(sessionKey, upstreamID string)
}

// AffinityContext carries the current request's session key and the
// metric reading (tokens or textual length, per the bound upstream's
// AffinityMigration.Metric) used to decide whether affinity has migrated
// past its configured threshold.
type AffinityContext struct {
	SessionKey  string
	MetricValue float64
}

// Info reports affinity outcomes for the request log (spec §4.2, §4.5).
type Info struct {
	AffinityHit      bool
	AffinityMigrated bool
}

// Selector implements C8.
type Selector struct {
	breakers *circuitbreaker.Registry
	quota    *quota.Tracker
	affinity AffinityStore

	// rngMu guards rng, which only ever seeds a fresh, unshared source for
	// each request's Iterator (seedRand below) — rand.Rand itself is never
	// touched concurrently from two requests, since each gets its own.
	rngMu sync.Mutex
	rng   *rand.Rand
}

// New builds a Selector. affinity may be nil to disable session affinity.
func New(breakers *circuitbreaker.Registry, quotaTracker *quota.Tracker, affinity AffinityStore) *Selector {
	return &Selector{
		breakers: breakers,
		quota:    quotaTracker,
		affinity: affinity,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Select runs the spec §4.2 filter pipeline against upstreams and returns
// a pull-based Iterator over the survivors plus the affinity Info to
// attach to the request log.
func (s *Selector) Select(ctx context.Context, apiKey domain.ApiKey, cap domain.RouteCapability, requestedModel string, upstreams []domain.Upstream, affinity *AffinityContext, now time.Time) (*Iterator, Info) {
	eligible := s.filter(ctx, apiKey, cap, requestedModel, upstreams, now)
	tiers := groupByPriority(eligible)

	var info Info
	var affinityUpstreamID string
	if affinity != nil && s.affinity != nil {
		if uid, ok := s.affinity.Lookup(affinity.SessionKey); ok {
			if u, stillEligible := findByID(eligible, uid); stillEligible {
				if migrated(u, affinity.MetricValue) {
					info.AffinityMigrated = true
				} else {
					affinityUpstreamID = uid
					info.AffinityHit = true
				}
			}
		}
	}

	it := &Iterator{
		tiers:              tiers,
		affinityUpstreamID: affinityUpstreamID,
		rng:                rand.New(rand.NewSource(s.seedRand())),
	}
	return it, info
}

// seedRand draws a seed for one request's Iterator from the Selector's
// shared source. math/rand.Rand is not safe for concurrent use, so
// concurrent requests must not share one *rand.Rand across weightedPick
// calls (spec §5 "parallel threads"); each Iterator instead gets its own,
// seeded here under a mutex held only for this one Int63 call rather than
// for the whole per-request weighted draw.
func (s *Selector) seedRand() int64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Int63()
}

// RecordAffinity binds sessionKey to upstreamID for future requests, to
// be called by the caller once an attempt against upstreamID succeeds.
func (s *Selector) RecordAffinity(sessionKey, upstreamID string) {
	if s.affinity == nil || sessionKey == "" {
		return
	}
	s.affinity.Record(sessionKey, upstreamID)
}

func migrated(u domain.Upstream, metricValue float64) bool {
	if u.AffinityMigration == nil || !u.AffinityMigration.Enabled {
		return false
	}
	return metricValue > u.AffinityMigration.Threshold
}

func findByID(upstreams []domain.Upstream, id string) (domain.Upstream, bool) {
	for _, u := range upstreams {
		if u.ID == id {
			return u, true
		}
	}
	return domain.Upstream{}, false
}

// filter applies spec §4.2's five ordered checks.
func (s *Selector) filter(ctx context.Context, apiKey domain.ApiKey, cap domain.RouteCapability, requestedModel string, upstreams []domain.Upstream, now time.Time) []domain.Upstream {
	var out []domain.Upstream
	for _, u := range upstreams {
		if !u.IsActive || !apiKey.BindsUpstream(u.ID) {
			continue
		}
		if !classifier.Eligible(u.RouteCapabilities, cap) {
			continue
		}
		if !u.ModelAllowed(requestedModel) {
			continue
		}
		if u.Weight <= 0 {
			continue // B1: weight=0 upstreams are excluded
		}
		if s.breakers != nil {
			b := s.breakers.Get(ctx, u.ID, u.CircuitBreaker)
			// Peek, don't acquire: the half-open probe slot is consumed by
			// Allow() at attempt time (C9), not here, so a half-open upstream
			// still counts as a candidate.
			if b.State(now) == domain.CBOpen {
				continue
			}
		}
		if s.quota != nil && s.quota.IsExceeded(u, now) {
			continue
		}
		out = append(out, u)
	}
	return out
}

func groupByPriority(upstreams []domain.Upstream) [][]domain.Upstream {
	byPriority := make(map[int][]domain.Upstream)
	var priorities []int
	for _, u := range upstreams {
		if _, seen := byPriority[u.Priority]; !seen {
			priorities = append(priorities, u.Priority)
		}
		byPriority[u.Priority] = append(byPriority[u.Priority], u)
	}
	for i := 0; i < len(priorities); i++ {
		for j := i + 1; j < len(priorities); j++ {
			if priorities[j] < priorities[i] {
				priorities[i], priorities[j] = priorities[j], priorities[i]
			}
		}
	}
	tiers := make([][]domain.Upstream, len(priorities))
	for i, p := range priorities {
		tiers[i] = byPriority[p]
	}
	return tiers
}

// Iterator is the pull-based ordered stream of candidate upstreams (spec
// §4.2: "advances only when the failover loop asks for the next
// candidate").
type Iterator struct {
	tiers              [][]domain.Upstream
	tierIdx            int
	affinityUpstreamID string
	rng                *rand.Rand
}

// Next returns the next candidate, or ok=false when every tier is
// drained.
func (it *Iterator) Next() (domain.Upstream, bool) {
	for it.tierIdx < len(it.tiers) {
		tier := it.tiers[it.tierIdx]
		if len(tier) == 0 {
			it.tierIdx++
			continue
		}

		pickIdx := -1
		if it.affinityUpstreamID != "" {
			for i, u := range tier {
				if u.ID == it.affinityUpstreamID {
					pickIdx = i
					it.affinityUpstreamID = ""
					break
				}
			}
		}
		if pickIdx < 0 {
			pickIdx = weightedPick(tier, it.rng)
		}

		picked := tier[pickIdx]
		it.tiers[it.tierIdx] = append(tier[:pickIdx], tier[pickIdx+1:]...)
		return picked, true
	}
	return domain.Upstream{}, false
}

// weightedPick draws one index from tier proportional to weight, the way
// the teacher's weightedStartIndex draws a rotation offset (gateway.go),
// generalized here to draw-with-removal across repeated calls.
func weightedPick(tier []domain.Upstream, rng *rand.Rand) int {
	if len(tier) == 1 {
		return 0
	}
	total := 0.0
	for _, u := range tier {
		total += u.Weight
	}
	if total <= 0 {
		return 0
	}
	r := rng.Float64() * total
	cumulative := 0.0
	for i, u := range tier {
		cumulative += u.Weight
		if r < cumulative {
			return i
		}
	}
	return len(tier) - 1
}
