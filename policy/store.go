package policy

import (
	"context"
)

// ListFilter narrows List results. Empty fields are ignored.
type ListFilter struct {
	ClientID string
	TenantID string
	Endpoint string
}

// Store is the administrative policy storage surface. Updates and deletes
// are guarded by optimistic concurrency: the caller passes the version it
// last read, and a mismatch fails with a ConflictError without applying the
// write. Every successful mutation appends exactly one ChangeRecord
// atomically with the policy write.
type Store interface {
	Create(ctx context.Context, p *RateLimitPolicy, actor string) (*RateLimitPolicy, error)
	Update(ctx context.Context, p *RateLimitPolicy, expectedVersion int64, actor string) (*RateLimitPolicy, error)
	Delete(ctx context.Context, id string, expectedVersion int64, actor string) error
	Get(ctx context.Context, id string) (*RateLimitPolicy, error)
	List(ctx context.Context, filter ListFilter) ([]*RateLimitPolicy, error)

	// Candidates returns every active policy whose scope matches; the
	// caller resolves the winner with Resolve.
	Candidates(ctx context.Context, scope Scope) ([]*RateLimitPolicy, error)

	// History returns the append-only change ledger for a policy, oldest
	// first. An empty policyID returns the full ledger.
	History(ctx context.Context, policyID string) ([]*ChangeRecord, error)
}

// ChangeListener is invoked synchronously after each committed mutation,
// typically to publish a policy-change event and invalidate caches. The
// record passed in is a private copy.
type ChangeListener func(rec *ChangeRecord)
