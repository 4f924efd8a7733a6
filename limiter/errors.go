package limiter

import (
	"fmt"

	"github.com/limitgate/limitgate/engine"
)

// InvalidRequestError reports a CheckRequest missing required fields.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("limiter: invalid request (%s): %s", e.Field, e.Reason)
}

// StoreError reports a counter store failure during a check, carrying the
// policy id, limiter key, and algorithm for diagnosis. Check resolves it
// into a degraded decision per the configured failure mode rather than
// returning it, so it surfaces in logs, not in the API.
type StoreError struct {
	PolicyID  string
	Key       string
	Algorithm engine.Algorithm
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("limiter: store failure for policy %s key %q (%s): %v", e.PolicyID, e.Key, e.Algorithm, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
