package policy

import "sort"

// Resolve picks the single winning policy for a scope out of the candidate
// list. Only active policies are considered. Precedence is: higher
// specificity (client > tenant > global), then higher Priority, then most
// recently created. The result is deterministic and independent of candidate
// order; ErrNotFound is returned when nothing matches.
func Resolve(candidates []*RateLimitPolicy, scope Scope) (*RateLimitPolicy, error) {
	matches := make([]*RateLimitPolicy, 0, len(candidates))
	for _, p := range candidates {
		if p == nil || !p.Active {
			continue
		}
		if p.Matches(scope) {
			matches = append(matches, p)
		}
	}
	if len(matches) == 0 {
		return nil, ErrNotFound
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.specificity() != b.specificity() {
			return a.specificity() > b.specificity()
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		// Last resort so equal-priority, equal-age policies still order
		// deterministically.
		return a.ID < b.ID
	})
	return matches[0], nil
}
