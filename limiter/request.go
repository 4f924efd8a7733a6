package limiter

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/limitgate/limitgate/counter"
	"github.com/limitgate/limitgate/engine"
	"github.com/limitgate/limitgate/policy"
)

// CheckRequest describes one unit of work to admit or reject. ClientID,
// APIKey, or IPAddress identifies the caller (checked in that order);
// Endpoint and an identity are required, everything else is optional.
type CheckRequest struct {
	ClientID   string
	APIKey     string
	Endpoint   string
	HTTPMethod string
	IPAddress  string
	TenantID   string
	// Timestamp is the decision time; zero means now.
	Timestamp time.Time
	// Weight is the cost of this request in limit units; zero means the
	// configured default (normally 1).
	Weight    int64
	RequestID string
	Region    string
	Metadata  map[string]string
}

// Validate rejects requests missing the fields a decision needs. It runs
// before any store access, so an invalid request has no side effects.
func (r *CheckRequest) Validate() error {
	if r == nil {
		return &InvalidRequestError{Field: "request", Reason: "nil request"}
	}
	if r.Endpoint == "" {
		return &InvalidRequestError{Field: "endpoint", Reason: "endpoint is required"}
	}
	if r.ClientID == "" && r.APIKey == "" && r.IPAddress == "" {
		return &InvalidRequestError{Field: "clientId", Reason: "one of clientId, apiKey, or ipAddress is required"}
	}
	if r.Weight < 0 {
		return &InvalidRequestError{Field: "weight", Reason: "weight must not be negative"}
	}
	// The identity fields become limiter key components; the key separator
	// inside one would let a caller forge another identity's counter.
	for _, f := range []struct{ name, value string }{
		{"clientId", r.ClientID},
		{"apiKey", r.APIKey},
		{"tenantId", r.TenantID},
		{"ipAddress", r.IPAddress},
	} {
		if strings.Contains(f.value, counter.KeySeparator) {
			return &InvalidRequestError{Field: f.name, Reason: "contains a reserved control character"}
		}
	}
	return nil
}

// scope maps the request onto the policy resolution dimensions.
func (r *CheckRequest) scope() policy.Scope {
	return policy.Scope{ClientID: r.ClientID, TenantID: r.TenantID, Endpoint: r.Endpoint}
}

// identity is the counter dimension: the most specific caller identifier
// available, qualified by tenant so identical client ids of different
// tenants never share a counter.
func (r *CheckRequest) identity() string {
	var id string
	switch {
	case r.ClientID != "":
		id = "client:" + r.ClientID
	case r.APIKey != "":
		id = "key:" + r.APIKey
	default:
		id = "ip:" + r.IPAddress
	}
	if r.TenantID != "" {
		return "tenant:" + r.TenantID + "|" + id
	}
	return id
}

// normalize fills defaulted fields in place.
func (r *CheckRequest) normalize(defaultWeight int64, now time.Time) {
	if r.Weight == 0 {
		r.Weight = defaultWeight
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}
}

// Decision is the outcome returned to the gateway collaborator, which maps
// it onto transport signals (429 plus Retry-After and X-RateLimit-* headers
// on deny, informational headers on allow).
type Decision struct {
	Allowed           bool
	Remaining         int64
	ResetTime         time.Time
	RetryAfterSeconds int64
	PolicyID          string
	Algorithm         engine.Algorithm
	CurrentUsage      int64
	// Degraded marks decisions produced by the failure policy while the
	// counter store was unreachable, for observability.
	Degraded bool
}
