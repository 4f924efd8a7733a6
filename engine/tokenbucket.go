package engine

import (
	"math"
	"time"
)

// tokenBucket admits bursts up to BurstCapacity and replenishes tokens at
// RefillRate per second. Refill is applied before the admission check, and is
// kept even when the request is denied.
func tokenBucket(state State, now time.Time, weight int64, params Params) (State, Outcome) {
	capacity := float64(params.BurstCapacity)
	refill := params.RefillRate

	tokens := state.Tokens
	if state.LastRefill.IsZero() {
		// First sighting of this key: the bucket starts full.
		tokens = capacity
	} else {
		elapsed := elapsedSince(now, state.LastRefill)
		tokens += elapsed.Seconds() * refill
		if tokens > capacity {
			tokens = capacity
		}
	}

	cost := float64(weight)
	out := Outcome{}
	if tokens >= cost {
		tokens -= cost
		out.Allowed = true
	} else if refill > 0 {
		out.RetryAfter = time.Duration((cost - tokens) / refill * float64(time.Second))
	}

	out.Remaining = int64(math.Floor(tokens))
	out.Usage = params.BurstCapacity - out.Remaining
	if refill > 0 {
		out.ResetAt = now.Add(time.Duration((capacity - tokens) / refill * float64(time.Second)))
	} else {
		out.ResetAt = now
	}

	state.Tokens = tokens
	state.LastRefill = now
	return state, out
}
