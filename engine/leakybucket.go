package engine

import (
	"math"
	"time"
)

// leakyBucket drains a bounded accumulator at a constant rate of
// MaxRequests per Window. A request is admitted when its weight fits into
// the remaining capacity, which shapes traffic to the leak rate once the
// accumulator is full.
func leakyBucket(state State, now time.Time, weight int64, params Params) (State, Outcome) {
	capacity := float64(params.MaxRequests)
	leakRate := capacity / params.Window.Seconds() // units per second

	level := state.Level
	if !state.LastLeak.IsZero() {
		elapsed := elapsedSince(now, state.LastLeak)
		level -= elapsed.Seconds() * leakRate
		if level < 0 {
			level = 0
		}
	}

	cost := float64(weight)
	out := Outcome{}
	if level+cost <= capacity {
		level += cost
		out.Allowed = true
	} else if leakRate > 0 {
		out.RetryAfter = time.Duration((level + cost - capacity) / leakRate * float64(time.Second))
	}

	out.Usage = int64(math.Ceil(level))
	out.Remaining = params.MaxRequests - out.Usage
	if out.Remaining < 0 {
		out.Remaining = 0
	}
	if leakRate > 0 {
		out.ResetAt = now.Add(time.Duration(level / leakRate * float64(time.Second)))
	} else {
		out.ResetAt = now
	}

	state.Level = level
	state.LastLeak = now
	return state, out
}
