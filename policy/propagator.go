package policy

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/limitgate/limitgate/counter"
	"github.com/limitgate/limitgate/events"
)

const defaultPropagateTimeout = 2 * time.Second

// Propagator fans a committed policy mutation out to the parts of the system
// that hold derived state: it publishes a PolicyChanged event on the bus,
// invalidates the local snapshot cache, and purges a deleted policy's
// counters so they do not linger until their TTL. Register OnChange as the
// store's change listener, and call Listen so change events from other
// instances invalidate this instance's cache too.
type Propagator struct {
	bus      events.Bus
	cache    *Cache
	counters counter.Store
	timeout  time.Duration

	subID string
}

// PropagatorOption configures a Propagator.
type PropagatorOption func(*Propagator)

// WithCache invalidates the given cache on every local or remote change.
func WithCache(c *Cache) PropagatorOption {
	return func(p *Propagator) {
		p.cache = c
	}
}

// WithCounterPurge purges a policy's counters from the given store when the
// policy is deleted.
func WithCounterPurge(s counter.Store) PropagatorOption {
	return func(p *Propagator) {
		p.counters = s
	}
}

// WithPropagateTimeout bounds the publish and purge calls made from the
// change listener. Defaults to 2 seconds.
func WithPropagateTimeout(d time.Duration) PropagatorOption {
	return func(p *Propagator) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// AttachCache sets the cache after construction. The cache wraps the store
// and the store needs the listener at construction time, so the cache is
// usually not available yet when the Propagator is created. Call before the
// first mutation.
func (p *Propagator) AttachCache(c *Cache) {
	p.cache = c
}

// NewPropagator creates a Propagator publishing on the given bus.
func NewPropagator(bus events.Bus, opts ...PropagatorOption) *Propagator {
	p := &Propagator{
		bus:     bus,
		timeout: defaultPropagateTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnChange implements ChangeListener. It runs synchronously after the store
// commits, so by the time a mutation returns to its caller the local cache
// is already stale and the change event is on the bus.
func (p *Propagator) OnChange(rec *ChangeRecord) {
	if p.cache != nil {
		p.cache.Invalidate()
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if rec.ChangeType == ChangeDelete && p.counters != nil {
		n, err := p.counters.Purge(ctx, rec.PolicyID)
		if err != nil {
			log.Warn().Err(err).Str("policy_id", rec.PolicyID).Msg("failed to purge counters for deleted policy")
		} else if n > 0 {
			log.Debug().Str("policy_id", rec.PolicyID).Int("purged", n).Msg("purged counters for deleted policy")
		}
	}

	if p.bus == nil {
		return
	}
	evt := &events.PolicyChanged{
		EventID:    uuid.NewString(),
		PolicyID:   rec.PolicyID,
		ChangeType: string(rec.ChangeType),
		Actor:      rec.Actor,
		At:         rec.At,
	}
	if rec.NewValue != nil {
		evt.Version = rec.NewValue.Version
	} else if rec.OldValue != nil {
		evt.Version = rec.OldValue.Version
	}
	if err := events.PublishPolicyChanged(ctx, p.bus, evt); err != nil {
		log.Warn().Err(err).Str("policy_id", rec.PolicyID).Msg("failed to publish policy change event")
	}
}

// Listen subscribes to policy change events so mutations committed by other
// instances invalidate this instance's cache and purge deleted policies'
// counters here as well. Safe to call once; Stop removes the subscription.
func (p *Propagator) Listen() error {
	if p.bus == nil || p.subID != "" {
		return nil
	}
	id, err := p.bus.Subscribe(events.TopicPolicyChanged, func(msg *events.Message) {
		var evt events.PolicyChanged
		if err := events.Decode(msg, &evt); err != nil {
			log.Warn().Err(err).Msg("discarding undecodable policy change event")
			return
		}
		if p.cache != nil {
			p.cache.Invalidate()
		}
		if evt.ChangeType == string(ChangeDelete) && p.counters != nil {
			ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
			defer cancel()
			if _, err := p.counters.Purge(ctx, evt.PolicyID); err != nil {
				log.Warn().Err(err).Str("policy_id", evt.PolicyID).Msg("failed to purge counters on remote policy delete")
			}
		}
	})
	if err != nil {
		return err
	}
	p.subID = id
	return nil
}

// Stop removes the Listen subscription.
func (p *Propagator) Stop() {
	if p.bus == nil || p.subID == "" {
		return
	}
	if err := p.bus.Unsubscribe(p.subID); err != nil {
		log.Warn().Err(err).Msg("failed to unsubscribe policy change listener")
	}
	p.subID = ""
}
