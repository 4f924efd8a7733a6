// Package engine implements the rate limiting algorithms as pure functions.
// Every algorithm maps (state, now, weight, params) to (newState, Outcome)
// without performing any I/O, so decisions are deterministic and the
// functions can be exercised with plain table-driven tests. Counter state is
// owned by the caller (normally a counter.Store); the engine never retains
// it between calls.
package engine

import (
	"errors"
	"fmt"
	"time"
)

// Algorithm identifies one of the supported rate limiting algorithms.
type Algorithm string

const (
	TokenBucket   Algorithm = "token_bucket"
	SlidingWindow Algorithm = "sliding_window"
	FixedWindow   Algorithm = "fixed_window"
	LeakyBucket   Algorithm = "leaky_bucket"
)

// ErrUnknownAlgorithm is returned by Apply for algorithms it does not implement.
var ErrUnknownAlgorithm = errors.New("engine: unknown algorithm")

// Valid reports whether the algorithm is one of the supported values.
func (a Algorithm) Valid() bool {
	switch a {
	case TokenBucket, SlidingWindow, FixedWindow, LeakyBucket:
		return true
	}
	return false
}

// Params carries the algorithm parameters resolved from a policy.
type Params struct {
	// MaxRequests is the number of requests admitted per Window.
	// For the leaky bucket it is also the accumulator capacity.
	MaxRequests int64
	// Window is the policy time window.
	Window time.Duration
	// BurstCapacity is the token bucket capacity. Token bucket only.
	BurstCapacity int64
	// RefillRate is the token bucket refill rate in tokens per second.
	// Token bucket only.
	RefillRate float64
}

// State is the per-key counter state. One State serves all four algorithms;
// each algorithm reads and writes only its own fields, so the zero value is a
// valid fresh state for any of them.
type State struct {
	// Token bucket.
	Tokens     float64   `json:"tokens,omitempty"`
	LastRefill time.Time `json:"last_refill,omitempty"`

	// Fixed and sliding window. Fixed window uses Current + WindowStart,
	// sliding window additionally tracks the previous window's count.
	Current     int64     `json:"current,omitempty"`
	Previous    int64     `json:"previous,omitempty"`
	WindowStart time.Time `json:"window_start,omitempty"`

	// Leaky bucket.
	Level    float64   `json:"level,omitempty"`
	LastLeak time.Time `json:"last_leak,omitempty"`
}

// IsZero reports whether the state is a fresh, never-written state.
func (s State) IsZero() bool {
	return s == State{}
}

// Outcome is the algorithmic decision for a single request.
type Outcome struct {
	// Allowed reports whether the request was admitted.
	Allowed bool
	// Remaining is the number of additional unit-weight requests that would
	// currently be admitted, never negative.
	Remaining int64
	// ResetAt is when the limit fully replenishes (bucket full, window
	// rolled over, or accumulator drained).
	ResetAt time.Time
	// RetryAfter is how long a denied caller should wait before the same
	// request has a chance of being admitted. Zero when Allowed.
	RetryAfter time.Duration
	// Usage is the usage counted against the limit after this decision.
	Usage int64
}

// Apply runs the algorithm's pure decision function against the given state.
// The returned state must be written back (atomically) by the caller for the
// decision to take effect.
func Apply(alg Algorithm, state State, now time.Time, weight int64, params Params) (State, Outcome, error) {
	if weight <= 0 {
		weight = 1
	}
	switch alg {
	case TokenBucket:
		s, o := tokenBucket(state, now, weight, params)
		return s, o, nil
	case SlidingWindow:
		s, o := slidingWindow(state, now, weight, params)
		return s, o, nil
	case FixedWindow:
		s, o := fixedWindow(state, now, weight, params)
		return s, o, nil
	case LeakyBucket:
		s, o := leakyBucket(state, now, weight, params)
		return s, o, nil
	default:
		return state, Outcome{}, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
	}
}

// elapsedSince returns now-since clamped to >= 0 so that backward clock
// jumps never produce negative refill or leak amounts.
func elapsedSince(now, since time.Time) time.Duration {
	if since.IsZero() {
		return 0
	}
	elapsed := now.Sub(since)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}
