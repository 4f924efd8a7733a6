// Package stats implements the asynchronous usage-reporting side channel of
// the decision pipeline. The Reporter accepts one sample per decision
// without ever blocking the check path, aggregates per policy in memory,
// and flushes periodically: as Usage events on the event bus and, when
// Redis is configured, onto a capped Redis list that the Consumer drains
// with BRPOP. Everything here is best-effort; samples are dropped rather
// than delaying or failing a decision.
package stats

import "time"

// UsageList is the Redis list usage reports are pushed onto.
const UsageList = "limitgate:usage:reports"

// Sample is one recorded decision.
type Sample struct {
	PolicyID string
	Allowed  bool
	Weight   int64
	At       time.Time
}

// Snapshot is the aggregated usage for one policy.
type Snapshot struct {
	PolicyID  string
	Requested int64
	Allowed   int64
	Denied    int64
	Weight    int64
}

// merge folds a sample into the snapshot.
func (s *Snapshot) merge(sample Sample) {
	s.Requested++
	s.Weight += sample.Weight
	if sample.Allowed {
		s.Allowed++
	} else {
		s.Denied++
	}
}
