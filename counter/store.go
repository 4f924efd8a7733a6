// Package counter provides concurrency-safe storage for per-key limiter
// state. The only write primitive is a compare-and-set keyed by an entry
// version, so correctness under contention comes from optimistic retries in
// the caller rather than locks held across I/O. Entries are ephemeral:
// every write carries a TTL (normally 2x the policy window) and idle state
// is reclaimed, either by Redis expiry or by the memory store's sweeper.
package counter

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/limitgate/limitgate/engine"
)

// ErrUnavailable indicates the backing store could not be reached or did not
// answer within the caller's deadline. Callers resolve it via their
// fail-open/fail-closed setting.
var ErrUnavailable = errors.New("counter: store unavailable")

// KeySeparator separates key components in storage form. Callers must keep
// it out of identifiers; the decision pipeline rejects requests whose
// identity fields contain it so key components cannot be forged.
const KeySeparator = "\x1f"

// Key identifies one counter entry. All four components participate in the
// stored key, so counters never collide across policies, algorithms,
// identities, or policy generations.
type Key struct {
	PolicyID  string
	Algorithm engine.Algorithm
	Identity  string
	// Bucket namespaces counter generations. The pipeline uses the policy
	// version, so a parameter change starts counting fresh instead of
	// reinterpreting old state.
	Bucket string
}

// String renders the key in storage form, policy id first so that all
// counters of one policy share a scannable prefix.
func (k Key) String() string {
	return k.PolicyID + KeySeparator + string(k.Algorithm) + KeySeparator + k.Identity + KeySeparator + k.Bucket
}

// policyPrefix is the storage prefix shared by all counters of a policy.
func policyPrefix(policyID string) string {
	return policyID + KeySeparator
}

// hasPolicyPrefix reports whether a stored key belongs to the policy.
func hasPolicyPrefix(storedKey, policyID string) bool {
	return strings.HasPrefix(storedKey, policyPrefix(policyID))
}

// Entry is a versioned counter state. Version 0 means the entry does not
// exist yet; every successful CompareAndSet increments it by one.
type Entry struct {
	State   engine.State
	Version int64
}

// Store is the counter storage abstraction shared by the local and
// distributed backends.
type Store interface {
	// Get returns the current entry for the key. A missing or expired key
	// yields the zero Entry with no error.
	Get(ctx context.Context, key Key) (Entry, error)

	// CompareAndSet writes state if the stored version still equals
	// expectedVersion (0 to create). It returns false without writing when
	// the version moved, in which case the caller re-fetches and retries.
	CompareAndSet(ctx context.Context, key Key, expectedVersion int64, state engine.State, ttl time.Duration) (bool, error)

	// Purge removes all counters belonging to a policy, used after policy
	// deletion so stale counters do not linger until their TTL.
	Purge(ctx context.Context, policyID string) (int, error)

	Close() error
}
