package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MemoryStore implements Store with a mutex-guarded map, for single-instance
// deployments and tests. History is an in-order append-only slice.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*RateLimitPolicy
	history  []*ChangeRecord
	listener ChangeListener
	now      func() time.Time
}

// StoreOption configures a MemoryStore.
type StoreOption func(*MemoryStore)

// WithChangeListener registers a listener invoked after each committed
// mutation.
func WithChangeListener(fn ChangeListener) StoreOption {
	return func(s *MemoryStore) {
		s.listener = fn
	}
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates an empty in-memory policy store.
func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	s := &MemoryStore{
		policies: make(map[string]*RateLimitPolicy),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates and stores a new policy at version 1.
func (s *MemoryStore) Create(ctx context.Context, p *RateLimitPolicy, actor string) (*RateLimitPolicy, error) {
	if p == nil {
		return nil, fmt.Errorf("policy: nil policy")
	}
	stored := p.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if err := stored.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, exists := s.policies[stored.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("policy: id %q already exists", stored.ID)
	}
	now := s.now()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.CreatedBy = actor
	stored.UpdatedBy = actor
	s.policies[stored.ID] = stored
	rec := s.appendHistoryLocked(ChangeCreate, stored.ID, nil, stored, actor, now)
	s.mu.Unlock()

	log.Info().Str("policy_id", stored.ID).Str("algorithm", string(stored.Algorithm)).Str("actor", actor).Msg("policy created")
	s.notify(rec)
	return stored.Clone(), nil
}

// Update replaces a policy's definition. The caller's expectedVersion must
// match the stored version; on success the version increments by exactly 1.
func (s *MemoryStore) Update(ctx context.Context, p *RateLimitPolicy, expectedVersion int64, actor string) (*RateLimitPolicy, error) {
	if p == nil || p.ID == "" {
		return nil, fmt.Errorf("policy: update requires a policy id")
	}
	updated := p.Clone()
	if err := updated.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	current, ok := s.policies[updated.ID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if current.Version != expectedVersion {
		conflict := &ConflictError{PolicyID: updated.ID, ExpectedVersion: expectedVersion, ActualVersion: current.Version}
		s.mu.Unlock()
		log.Warn().Str("policy_id", updated.ID).Int64("expected_version", expectedVersion).Int64("stored_version", conflict.ActualVersion).Msg("policy update rejected on version conflict")
		return nil, conflict
	}
	now := s.now()
	updated.Version = current.Version + 1
	updated.CreatedAt = current.CreatedAt
	updated.CreatedBy = current.CreatedBy
	updated.UpdatedAt = now
	updated.UpdatedBy = actor
	s.policies[updated.ID] = updated
	rec := s.appendHistoryLocked(ChangeUpdate, updated.ID, current, updated, actor, now)
	s.mu.Unlock()

	log.Info().Str("policy_id", updated.ID).Int64("version", updated.Version).Str("actor", actor).Msg("policy updated")
	s.notify(rec)
	return updated.Clone(), nil
}

// Delete removes a policy, guarded by the same version check as Update.
func (s *MemoryStore) Delete(ctx context.Context, id string, expectedVersion int64, actor string) error {
	s.mu.Lock()
	current, ok := s.policies[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		conflict := &ConflictError{PolicyID: id, ExpectedVersion: expectedVersion, ActualVersion: current.Version}
		s.mu.Unlock()
		return conflict
	}
	delete(s.policies, id)
	rec := s.appendHistoryLocked(ChangeDelete, id, current, nil, actor, s.now())
	s.mu.Unlock()

	log.Info().Str("policy_id", id).Str("actor", actor).Msg("policy deleted")
	s.notify(rec)
	return nil
}

// Get returns a copy of the policy with the given id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*RateLimitPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// List returns copies of all policies matching the filter.
func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*RateLimitPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*RateLimitPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		if filter.ClientID != "" && p.ClientID != filter.ClientID {
			continue
		}
		if filter.TenantID != "" && p.TenantID != filter.TenantID {
			continue
		}
		if filter.Endpoint != "" && p.Endpoint != filter.Endpoint {
			continue
		}
		out = append(out, p.Clone())
	}
	return out, nil
}

// Candidates returns copies of all active policies whose scope matches.
func (s *MemoryStore) Candidates(ctx context.Context, scope Scope) ([]*RateLimitPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*RateLimitPolicy
	for _, p := range s.policies {
		if p.Active && p.Matches(scope) {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

// History returns the change ledger, oldest first.
func (s *MemoryStore) History(ctx context.Context, policyID string) ([]*ChangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ChangeRecord
	for _, rec := range s.history {
		if policyID == "" || rec.PolicyID == policyID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemoryStore) appendHistoryLocked(ct ChangeType, policyID string, oldValue, newValue *RateLimitPolicy, actor string, at time.Time) *ChangeRecord {
	rec := &ChangeRecord{
		ID:         uuid.NewString(),
		PolicyID:   policyID,
		ChangeType: ct,
		OldValue:   oldValue.Clone(),
		NewValue:   newValue.Clone(),
		Actor:      actor,
		At:         at,
	}
	s.history = append(s.history, rec)
	return rec
}

func (s *MemoryStore) notify(rec *ChangeRecord) {
	if s.listener != nil {
		cp := *rec
		s.listener(&cp)
	}
}
