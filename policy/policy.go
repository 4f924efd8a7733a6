// Package policy defines rate limit policies, their validation rules, and
// deterministic resolution of the policy that applies to a request scope.
// Resolution is a pure function over an ordered candidate list so it can be
// tested without any storage backend; the Store interface decouples the
// administrative CRUD surface from whatever backs it.
package policy

import (
	"fmt"
	"time"

	"github.com/limitgate/limitgate/engine"
)

// RateLimitPolicy describes one rate limit configuration. A policy is scoped
// by (ClientID, TenantID, Endpoint); empty scope fields act as wildcards, so
// a policy with only TenantID set covers every client of that tenant and a
// policy with no scope fields at all is a global default.
type RateLimitPolicy struct {
	ID       string
	ClientID string
	APIKey   string
	TenantID string
	Endpoint string

	Algorithm   engine.Algorithm
	MaxRequests int64
	TimeWindow  time.Duration
	// BurstCapacity and RefillRate are populated iff Algorithm is
	// TokenBucket; RefillRate is tokens per second.
	BurstCapacity int64
	RefillRate    float64

	Active      bool
	Priority    int
	Description string
	Metadata    map[string]string

	// Version increments by exactly one per accepted update and is required
	// for optimistic concurrency on updates and deletes.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	CreatedBy string
	UpdatedBy string
}

// Validate enforces the algorithm-specific field requirements. It is called
// on every create and update, which is what guarantees a check can never
// observe a misconfigured policy.
func (p *RateLimitPolicy) Validate() error {
	if !p.Algorithm.Valid() {
		return &MisconfigurationError{PolicyID: p.ID, Algorithm: p.Algorithm, Reason: "unknown algorithm"}
	}
	if p.MaxRequests <= 0 {
		return &MisconfigurationError{PolicyID: p.ID, Algorithm: p.Algorithm, Reason: fmt.Sprintf("max requests must be positive, got %d", p.MaxRequests)}
	}
	if p.TimeWindow <= 0 {
		return &MisconfigurationError{PolicyID: p.ID, Algorithm: p.Algorithm, Reason: fmt.Sprintf("time window must be positive, got %s", p.TimeWindow)}
	}
	if p.Algorithm == engine.TokenBucket {
		if p.BurstCapacity <= 0 {
			return &MisconfigurationError{PolicyID: p.ID, Algorithm: p.Algorithm, Reason: "token bucket requires a positive burst capacity"}
		}
		if p.RefillRate <= 0 {
			return &MisconfigurationError{PolicyID: p.ID, Algorithm: p.Algorithm, Reason: "token bucket requires a positive refill rate"}
		}
	} else if p.BurstCapacity != 0 || p.RefillRate != 0 {
		return &MisconfigurationError{PolicyID: p.ID, Algorithm: p.Algorithm, Reason: "burst capacity and refill rate are token bucket parameters"}
	}
	return nil
}

// Params maps the policy onto the engine's algorithm parameters.
func (p *RateLimitPolicy) Params() engine.Params {
	return engine.Params{
		MaxRequests:   p.MaxRequests,
		Window:        p.TimeWindow,
		BurstCapacity: p.BurstCapacity,
		RefillRate:    p.RefillRate,
	}
}

// Clone returns a deep copy so callers can never mutate stored state.
func (p *RateLimitPolicy) Clone() *RateLimitPolicy {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Metadata != nil {
		cp.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Scope identifies the request dimensions a policy can bind to.
type Scope struct {
	ClientID string
	TenantID string
	Endpoint string
}

// Matches reports whether the policy covers the given scope. Empty policy
// scope fields match anything.
func (p *RateLimitPolicy) Matches(s Scope) bool {
	if p.ClientID != "" && p.ClientID != s.ClientID {
		return false
	}
	if p.TenantID != "" && p.TenantID != s.TenantID {
		return false
	}
	if p.Endpoint != "" && p.Endpoint != s.Endpoint {
		return false
	}
	return true
}

// specificity ranks matching policies: client-scoped beats tenant-scoped
// beats global, regardless of priority.
func (p *RateLimitPolicy) specificity() int {
	switch {
	case p.ClientID != "":
		return 2
	case p.TenantID != "":
		return 1
	default:
		return 0
	}
}
