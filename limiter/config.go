package limiter

import (
	"fmt"
	"time"
)

// FailureMode decides what happens when no policy matches or the counter
// store is unreachable: admit by default or reject by default. It is a
// process-wide setting, never left ambiguous per call.
type FailureMode string

const (
	FailOpen   FailureMode = "fail_open"
	FailClosed FailureMode = "fail_closed"
)

const (
	defaultMaxCASRetries = 3
	defaultWeight        = 1
	defaultTTLFactor     = 2
)

// Config holds the decision pipeline configuration.
type Config struct {
	// FailureMode applies both when no policy matches and when the counter
	// store is unavailable.
	FailureMode FailureMode

	// MaxCASRetries bounds how often a contended compare-and-set is
	// retried within one check before the failure mode applies.
	MaxCASRetries int

	// DefaultWeight is the cost assigned to requests that do not specify
	// one.
	DefaultWeight int64

	// CheckTimeout is applied to checks whose context carries no deadline.
	// Zero disables it; callers are expected to pass deadlines.
	CheckTimeout time.Duration

	// TTLFactor scales the counter TTL relative to the policy window.
	TTLFactor int
}

// ValidateAndPrepare validates the config and fills defaults.
func (c *Config) ValidateAndPrepare() error {
	switch c.FailureMode {
	case FailOpen, FailClosed:
	case "":
		return fmt.Errorf("limiter: failure mode is required, must be %q or %q", FailOpen, FailClosed)
	default:
		return fmt.Errorf("limiter: invalid failure mode %q", c.FailureMode)
	}
	if c.MaxCASRetries < 0 {
		return fmt.Errorf("limiter: max CAS retries must not be negative, got %d", c.MaxCASRetries)
	}
	if c.MaxCASRetries == 0 {
		c.MaxCASRetries = defaultMaxCASRetries
	}
	if c.DefaultWeight < 0 {
		return fmt.Errorf("limiter: default weight must not be negative, got %d", c.DefaultWeight)
	}
	if c.DefaultWeight == 0 {
		c.DefaultWeight = defaultWeight
	}
	if c.TTLFactor <= 0 {
		c.TTLFactor = defaultTTLFactor
	}
	return nil
}
