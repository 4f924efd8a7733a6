package policy

import (
	"errors"
	"fmt"

	"github.com/limitgate/limitgate/engine"
)

// ErrNotFound is returned when no policy matches a scope or id.
var ErrNotFound = errors.New("policy: not found")

// ConflictError reports an optimistic concurrency failure on update or
// delete. The caller must re-read the policy and retry with the current
// version; conflicting writes are never merged.
type ConflictError struct {
	PolicyID        string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("policy: version conflict on %s: expected %d, stored %d", e.PolicyID, e.ExpectedVersion, e.ActualVersion)
}

// MisconfigurationError reports an invalid policy definition. It is raised
// only at create or update time, never during a check.
type MisconfigurationError struct {
	PolicyID  string
	Algorithm engine.Algorithm
	Reason    string
}

func (e *MisconfigurationError) Error() string {
	return fmt.Sprintf("policy: invalid configuration for %q (%s): %s", e.PolicyID, e.Algorithm, e.Reason)
}
