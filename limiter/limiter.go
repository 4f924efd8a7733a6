// Package limiter orchestrates the decision pipeline: resolve the policy
// for a request, run the pure algorithm against the current counter state,
// and commit the new state with an optimistic compare-and-set. No lock is
// held across the store round-trip; contention is handled by bounded CAS
// retries, and store failures resolve through the configured
// fail-open/fail-closed mode with the decision flagged as degraded.
package limiter

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/limitgate/limitgate/counter"
	"github.com/limitgate/limitgate/engine"
	"github.com/limitgate/limitgate/policy"
)

// PolicySource supplies the active policy candidates for a scope. Both
// *policy.MemoryStore and *policy.Cache satisfy it; production deployments
// put the cache in front so the hot path never takes store locks.
type PolicySource interface {
	Candidates(ctx context.Context, scope policy.Scope) ([]*policy.RateLimitPolicy, error)
}

// Reporter receives one usage sample per decision, asynchronously.
// Implementations must not block; see stats.Reporter.
type Reporter interface {
	Record(policyID string, allowed bool, weight int64, at time.Time)
}

// Limiter is the decision engine facade.
type Limiter struct {
	cfg      Config
	policies PolicySource
	counters counter.Store
	reporter Reporter
	now      func() time.Time
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithReporter attaches a usage reporter. Decisions are recorded
// best-effort and never delayed by it.
func WithReporter(r Reporter) LimiterOption {
	return func(l *Limiter) {
		l.reporter = r
	}
}

// WithLimiterClock overrides the time source, for deterministic tests.
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a Limiter. The config is validated and defaulted in place.
func New(cfg Config, policies PolicySource, counters counter.Store, opts ...LimiterOption) (*Limiter, error) {
	if err := cfg.ValidateAndPrepare(); err != nil {
		return nil, err
	}
	if policies == nil || counters == nil {
		return nil, errors.New("limiter: policy source and counter store are required")
	}
	l := &Limiter{
		cfg:      cfg,
		policies: policies,
		counters: counters,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Check decides whether the request is admitted. It is safe for concurrent
// use; different limiter keys never contend with each other. The only
// returned error is an invalid request; policy misses and store failures
// resolve into decisions per the configured failure mode.
func (l *Limiter) Check(ctx context.Context, req *CheckRequest) (*Decision, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.normalize(l.cfg.DefaultWeight, l.now())

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && l.cfg.CheckTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.CheckTimeout)
		defer cancel()
	}

	candidates, err := l.policies.Candidates(ctx, req.scope())
	if err != nil {
		log.Error().Err(err).Str("request_id", req.RequestID).Msg("policy source unavailable")
		return l.degraded(nil), nil
	}
	p, err := policy.Resolve(candidates, req.scope())
	if errors.Is(err, policy.ErrNotFound) {
		allowed := l.cfg.FailureMode == FailOpen
		log.Debug().Str("request_id", req.RequestID).Str("endpoint", req.Endpoint).Bool("allowed", allowed).Msg("no policy matched, applying default behavior")
		return &Decision{Allowed: allowed}, nil
	}

	key := counter.Key{
		PolicyID:  p.ID,
		Algorithm: p.Algorithm,
		Identity:  req.identity(),
		Bucket:    strconv.FormatInt(p.Version, 10),
	}
	ttl := time.Duration(l.cfg.TTLFactor) * p.TimeWindow

	// Optimistic concurrency loop: read, decide, compare-and-set. A failed
	// CAS means another instance decided for this key first; re-fetch and
	// re-run the pure function against the fresh state.
	for attempt := 0; attempt < l.cfg.MaxCASRetries; attempt++ {
		entry, err := l.counters.Get(ctx, key)
		if err != nil {
			return l.storeFailure(p, key, err), nil
		}
		newState, outcome, err := engine.Apply(p.Algorithm, entry.State, req.Timestamp, req.Weight, p.Params())
		if err != nil {
			// Unreachable for stored policies; Validate guards creation.
			log.Error().Err(err).Str("policy_id", p.ID).Msg("algorithm dispatch failed")
			return l.degraded(p), nil
		}
		applied, err := l.counters.CompareAndSet(ctx, key, entry.Version, newState, ttl)
		if err != nil {
			return l.storeFailure(p, key, err), nil
		}
		if applied {
			l.report(p.ID, outcome.Allowed, req.Weight, req.Timestamp)
			return decisionFrom(p, outcome), nil
		}
		log.Debug().Str("key", key.String()).Int("attempt", attempt+1).Msg("counter CAS contention, retrying")
	}
	return l.storeFailure(p, key, errors.New("CAS retries exhausted")), nil
}

func decisionFrom(p *policy.RateLimitPolicy, outcome engine.Outcome) *Decision {
	d := &Decision{
		Allowed:      outcome.Allowed,
		Remaining:    outcome.Remaining,
		ResetTime:    outcome.ResetAt,
		PolicyID:     p.ID,
		Algorithm:    p.Algorithm,
		CurrentUsage: outcome.Usage,
	}
	if !outcome.Allowed {
		secs := int64(math.Ceil(outcome.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1 // a Retry-After of zero is meaningless to clients
		}
		d.RetryAfterSeconds = secs
	}
	return d
}

// storeFailure resolves a counter store failure through the failure mode.
func (l *Limiter) storeFailure(p *policy.RateLimitPolicy, key counter.Key, cause error) *Decision {
	storeErr := &StoreError{PolicyID: p.ID, Key: key.String(), Algorithm: p.Algorithm, Err: cause}
	log.Error().Err(storeErr).Str("failure_mode", string(l.cfg.FailureMode)).Msg("counter store unavailable, applying failure mode")
	return l.degraded(p)
}

func (l *Limiter) degraded(p *policy.RateLimitPolicy) *Decision {
	d := &Decision{
		Allowed:  l.cfg.FailureMode == FailOpen,
		Degraded: true,
	}
	if p != nil {
		d.PolicyID = p.ID
		d.Algorithm = p.Algorithm
	}
	return d
}

func (l *Limiter) report(policyID string, allowed bool, weight int64, at time.Time) {
	if l.reporter != nil {
		l.reporter.Record(policyID, allowed, weight, at)
	}
}
