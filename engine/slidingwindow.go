package engine

import (
	"math"
	"time"
)

// slidingWindow approximates a continuously moving window by weighting the
// previous fixed window's count by how much of it still overlaps the moving
// interval. No per-request timestamps are stored, so the state stays O(1)
// per key while boundary bursts that a fixed window would admit twice are
// partially throttled.
func slidingWindow(state State, now time.Time, weight int64, params Params) (State, Outcome) {
	window := params.Window
	windowStart := now.Truncate(window)

	switch {
	case state.WindowStart.IsZero():
		state.WindowStart = windowStart
	case windowStart.After(state.WindowStart):
		// Crossed at least one boundary. The previous count only carries
		// over when the new window is directly adjacent to the stored one;
		// after a longer gap both windows are stale.
		if state.WindowStart.Add(window).Equal(windowStart) {
			state.Previous = state.Current
		} else {
			state.Previous = 0
		}
		state.Current = 0
		state.WindowStart = windowStart
	case windowStart.Before(state.WindowStart):
		// Clock moved backwards across a boundary; evaluate against the
		// stored window as if no time had passed.
		windowStart = state.WindowStart
	}

	elapsed := elapsedSince(now, windowStart)
	if elapsed > window {
		elapsed = window
	}
	overlap := float64(window-elapsed) / float64(window)
	estimated := float64(state.Current) + float64(state.Previous)*overlap

	resetAt := windowStart.Add(window)
	out := Outcome{ResetAt: resetAt}

	if estimated+float64(weight) <= float64(params.MaxRequests) {
		state.Current += weight
		estimated += float64(weight)
		out.Allowed = true
	} else {
		out.RetryAfter = slidingRetryAfter(state, elapsed, weight, params)
	}

	out.Usage = int64(math.Ceil(estimated))
	out.Remaining = params.MaxRequests - out.Usage
	if out.Remaining < 0 {
		out.Remaining = 0
	}
	return state, out
}

// slidingRetryAfter estimates how long until enough of the previous window
// has slid out of the interval for a request of the given weight to fit.
// Falls back to the next window boundary when the current window alone is
// already over the limit.
func slidingRetryAfter(state State, elapsed time.Duration, weight int64, params Params) time.Duration {
	window := params.Window
	boundary := window - elapsed
	if boundary < 0 {
		boundary = 0
	}

	budget := float64(params.MaxRequests-state.Current) - float64(weight)
	if budget < 0 || state.Previous <= 0 {
		return boundary
	}

	// Solve previous*(window-e)/window <= budget for the earliest e.
	needed := time.Duration(float64(window) * (1 - budget/float64(state.Previous)))
	wait := needed - elapsed
	if wait < 0 {
		wait = 0
	}
	if wait > boundary {
		wait = boundary
	}
	return wait
}
