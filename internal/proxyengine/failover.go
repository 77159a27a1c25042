package proxyengine

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/autorouter/autorouter/internal/circuitbreaker"
	"github.com/autorouter/autorouter/internal/domain"
	"github.com/autorouter/autorouter/internal/logging"
	"github.com/autorouter/autorouter/internal/selector"
)

// FailoverStrategy configures how many candidates the loop may try before
// giving up (spec §4.5: "exhaust_all (default) or max_attempts with
// numeric cap (default 10)").
type FailoverStrategy struct {
	ExhaustAll  bool
	MaxAttempts int
}

// DefaultFailoverStrategy returns the spec's stated default.
func DefaultFailoverStrategy() FailoverStrategy {
	return FailoverStrategy{ExhaustAll: true}
}

func (s FailoverStrategy) cap() int {
	if s.ExhaustAll {
		return 0 // unbounded, loop stops when the iterator is drained
	}
	if s.MaxAttempts <= 0 {
		return 10
	}
	return s.MaxAttempts
}

// Loop is the C10 failover driver: it pulls one candidate at a time from
// a selector.Iterator and hands each to Attempt.Do until a terminal
// outcome is reached, the candidate stream is exhausted, or the strategy's
// attempt cap is hit.
type Loop struct {
	Attempt  *Attempt
	Breakers *circuitbreaker.Registry
}

// Result is what the caller (the HTTP handler) needs after the loop ends,
// to populate the request log.
type Result struct {
	FinalOutcome      AttemptOutcome
	History           []domain.FailoverAttempt
	RoutingDecision   string
	RespondedToClient bool
}

// Run drives the loop. w is the client's response writer; it is written
// to once a non-failoverable outcome is reached, or with an error
// envelope when the candidates run out or the attempt cap is hit.
func (l *Loop) Run(ctx context.Context, w http.ResponseWriter, it *selector.Iterator, buildInput func(u domain.Upstream) AttemptInput, strategy FailoverStrategy, now time.Time) Result {
	var history []domain.FailoverAttempt
	maxAttempts := strategy.cap()

	for attempts := 0; ; attempts++ {
		if maxAttempts > 0 && attempts >= maxAttempts {
			env := domain.ErrorEnvelope{
				Message:   "maximum failover attempts reached",
				Type:      domain.ErrorTypeServiceUnavailable,
				Code:      domain.CodeAllUpstreamsUnavailable,
				RequestID: logging.TraceIDFromContext(ctx),
			}
			writeErrorEnvelope(w, env)
			return Result{History: history, RoutingDecision: "max_attempts_reached", RespondedToClient: true}
		}

		u, ok := it.Next()
		if !ok {
			env := domain.ErrorEnvelope{
				Message:   "no upstream candidates remain",
				Type:      domain.ErrorTypeServiceUnavailable,
				Code:      domain.CodeAllUpstreamsUnavailable,
				RequestID: logging.TraceIDFromContext(ctx),
			}
			writeErrorEnvelope(w, env)
			return Result{History: history, RoutingDecision: "candidates_exhausted", RespondedToClient: true}
		}

		var breaker *circuitbreaker.Breaker
		if l.Breakers != nil {
			breaker = l.Breakers.Get(ctx, u.ID, u.CircuitBreaker)
		}

		in := buildInput(u)
		outcome := l.Attempt.Do(ctx, w, breaker, in, now)

		if outcome.ClientDisconnected {
			// Not a failoverHistory entry: client_disconnected isn't in the
			// failoverable-error-type enum (spec §4.5), it terminates the
			// loop outright rather than trying the next candidate.
			return Result{FinalOutcome: outcome, History: history, RoutingDecision: "client_disconnected", RespondedToClient: false}
		}

		if breaker != nil {
			if outcome.Failoverable || outcome.ErrorType != "" {
				breaker.RecordFailure(now)
			} else if outcome.Terminal {
				breaker.RecordSuccess(now)
			}
		}

		if !outcome.Failoverable {
			return Result{FinalOutcome: outcome, History: history, RoutingDecision: "attempt_" + strconv.Itoa(attempts+1) + "_terminal", RespondedToClient: outcome.Terminal}
		}

		history = append(history, asHistoryEntry(u, now, outcome.ErrorType, outcome))
	}
}

func asHistoryEntry(u domain.Upstream, now time.Time, errType domain.FailoverErrorType, outcome AttemptOutcome) domain.FailoverAttempt {
	return domain.FailoverAttempt{
		UpstreamID:   u.ID,
		UpstreamName: u.Name,
		AttemptedAt:  now,
		ErrorType:    errType,
		ErrorMessage: outcome.ErrorMessage,
		StatusCode:   outcome.StatusCode,
	}
}
