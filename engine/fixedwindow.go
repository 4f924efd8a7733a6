package engine

import "time"

// fixedWindow counts requests inside discrete windows aligned to multiples
// of the window size. The counter resets the moment a new window begins,
// which is what makes the algorithm vulnerable to boundary bursts; callers
// that need smoothing should use the sliding window instead.
func fixedWindow(state State, now time.Time, weight int64, params Params) (State, Outcome) {
	windowStart := now.Truncate(params.Window)
	if !state.WindowStart.Equal(windowStart) {
		state.Current = 0
		state.WindowStart = windowStart
	}

	resetAt := windowStart.Add(params.Window)
	out := Outcome{ResetAt: resetAt}

	if state.Current+weight <= params.MaxRequests {
		state.Current += weight
		out.Allowed = true
	} else {
		out.RetryAfter = resetAt.Sub(now)
		if out.RetryAfter < 0 {
			out.RetryAfter = 0
		}
	}

	out.Usage = state.Current
	out.Remaining = params.MaxRequests - state.Current
	if out.Remaining < 0 {
		out.Remaining = 0
	}
	return state, out
}
