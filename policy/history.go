package policy

import "time"

// ChangeType classifies a policy mutation.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ChangeRecord is one entry of the append-only audit ledger. Records are
// written in the same critical section as the policy mutation and are never
// modified afterwards.
type ChangeRecord struct {
	ID         string
	PolicyID   string
	ChangeType ChangeType
	// OldValue is nil for creates, NewValue is nil for deletes.
	OldValue *RateLimitPolicy
	NewValue *RateLimitPolicy
	Actor    string
	At       time.Time
}
