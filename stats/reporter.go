package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/limitgate/limitgate/events"
)

const (
	defaultFlushInterval = 5 * time.Second
	defaultBufferSize    = 1024
)

// Reporter collects usage samples off the check hot path. Record is
// non-blocking: when the internal buffer is full the sample is dropped and
// counted, never queued synchronously. A background loop aggregates samples
// per policy and flushes Usage events on every interval.
type Reporter struct {
	bus       events.Bus
	publisher *ListPublisher

	flushInterval time.Duration
	samples       chan Sample
	dropped       atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithBus publishes aggregated usage as events on the given bus.
func WithBus(bus events.Bus) ReporterOption {
	return func(r *Reporter) {
		r.bus = bus
	}
}

// WithListPublisher additionally pushes aggregated usage onto the Redis
// usage list for cross-instance consumers.
func WithListPublisher(p *ListPublisher) ReporterOption {
	return func(r *Reporter) {
		r.publisher = p
	}
}

// WithFlushInterval sets how often aggregated usage is flushed.
// Defaults to 5 seconds.
func WithFlushInterval(d time.Duration) ReporterOption {
	return func(r *Reporter) {
		if d > 0 {
			r.flushInterval = d
		}
	}
}

// WithSampleBuffer sets the sample queue length. Defaults to 1024.
func WithSampleBuffer(n int) ReporterOption {
	return func(r *Reporter) {
		if n > 0 {
			r.samples = make(chan Sample, n)
		}
	}
}

// NewReporter creates a Reporter. Call Start to begin aggregating.
func NewReporter(opts ...ReporterOption) *Reporter {
	r := &Reporter{
		flushInterval: defaultFlushInterval,
		samples:       make(chan Sample, defaultBufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record implements the limiter's Reporter contract. It never blocks.
func (r *Reporter) Record(policyID string, allowed bool, weight int64, at time.Time) {
	select {
	case r.samples <- Sample{PolicyID: policyID, Allowed: allowed, Weight: weight, At: at}:
	default:
		if n := r.dropped.Add(1); n%1000 == 1 {
			log.Warn().Int64("dropped_total", n).Msg("usage sample buffer full, dropping samples")
		}
	}
}

// Dropped returns how many samples have been discarded so far.
func (r *Reporter) Dropped() int64 {
	return r.dropped.Load()
}

// Name implements the runtime component contract.
func (r *Reporter) Name() string { return "stats-reporter" }

// Start launches the aggregation loop.
func (r *Reporter) Start(ctx context.Context) error {
	r.startOnce.Do(func() {
		r.started.Store(true)
		go r.run()
	})
	return nil
}

// Shutdown flushes pending aggregates and stops the loop. Without a prior
// Start there is no loop to wait for, so it returns immediately.
func (r *Reporter) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	if !r.started.Load() {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reporter) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	pending := make(map[string]*Snapshot)
	log.Debug().Dur("flush_interval", r.flushInterval).Msg("usage reporter started")

	for {
		select {
		case sample := <-r.samples:
			snap := pending[sample.PolicyID]
			if snap == nil {
				snap = &Snapshot{PolicyID: sample.PolicyID}
				pending[sample.PolicyID] = snap
			}
			snap.merge(sample)
		case <-ticker.C:
			r.flush(pending)
			pending = make(map[string]*Snapshot)
		case <-r.stop:
			// Drain whatever is queued, then flush one last time.
			for {
				select {
				case sample := <-r.samples:
					snap := pending[sample.PolicyID]
					if snap == nil {
						snap = &Snapshot{PolicyID: sample.PolicyID}
						pending[sample.PolicyID] = snap
					}
					snap.merge(sample)
					continue
				default:
				}
				break
			}
			r.flush(pending)
			log.Debug().Msg("usage reporter stopped")
			return
		}
	}
}

func (r *Reporter) flush(pending map[string]*Snapshot) {
	if len(pending) == 0 {
		return
	}
	ctx := context.Background()
	for _, snap := range pending {
		usage := &events.Usage{
			EventID:   uuid.NewString(),
			PolicyID:  snap.PolicyID,
			Requested: snap.Requested,
			Allowed:   snap.Allowed,
			Denied:    snap.Denied,
			Weight:    snap.Weight,
			At:        time.Now(),
		}
		if r.bus != nil {
			msg, err := events.Encode(usage.EventID, usage)
			if err != nil {
				log.Error().Err(err).Str("policy_id", usage.PolicyID).Msg("failed to encode usage event")
				continue
			}
			r.bus.TryPublish(ctx, events.TopicUsage, msg)
		}
		if r.publisher != nil {
			r.publisher.Broadcast(ctx, usage)
		}
	}
	log.Debug().Int("policies", len(pending)).Msg("flushed usage aggregates")
}
