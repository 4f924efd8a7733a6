package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Broker wraps a Bus implementation so callers can switch between the
// memory and Redis backends without touching call sites.
type Broker struct {
	mu   sync.RWMutex
	impl Bus
}

// BrokerOption configures a Broker.
type BrokerOption func(*brokerOptions)

type brokerOptions struct {
	redisClient redis.UniversalClient
}

// WithRedisClient selects the Redis pub/sub backend.
func WithRedisClient(client redis.UniversalClient) BrokerOption {
	return func(o *brokerOptions) {
		o.redisClient = client
	}
}

// NewBroker creates a Broker. The memory backend is the default; pass
// WithRedisClient for clustered deployments.
func NewBroker(opts ...BrokerOption) *Broker {
	options := &brokerOptions{}
	for _, opt := range opts {
		opt(options)
	}

	var impl Bus
	if options.redisClient != nil {
		log.Info().Msg("event broker using redis pubsub backend")
		impl = NewRedisBus(options.redisClient)
	} else {
		log.Info().Msg("event broker using memory backend")
		impl = NewMemoryBus()
	}
	return &Broker{impl: impl}
}

// Publish delegates to the underlying bus.
func (b *Broker) Publish(ctx context.Context, topic string, msg *Message) error {
	bus := b.bus()
	if bus == nil {
		return errBusClosed
	}
	return bus.Publish(ctx, topic, msg)
}

// TryPublish delegates to the underlying bus.
func (b *Broker) TryPublish(ctx context.Context, topic string, msg *Message) error {
	bus := b.bus()
	if bus == nil {
		return errBusClosed
	}
	return bus.TryPublish(ctx, topic, msg)
}

// Subscribe delegates to the underlying bus.
func (b *Broker) Subscribe(topic string, h Handler, opts ...Option) (string, error) {
	bus := b.bus()
	if bus == nil {
		return "", errBusClosed
	}
	return bus.Subscribe(topic, h, opts...)
}

// Unsubscribe delegates to the underlying bus.
func (b *Broker) Unsubscribe(id string) error {
	bus := b.bus()
	if bus == nil {
		return nil
	}
	return bus.Unsubscribe(id)
}

// Close shuts the underlying bus down.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.impl == nil {
		return nil
	}
	err := b.impl.Close()
	b.impl = nil
	return err
}

func (b *Broker) bus() Bus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.impl
}

var _ Bus = (*Broker)(nil)

// PublishPolicyChanged is a convenience helper used by the policy store's
// change listener.
func PublishPolicyChanged(ctx context.Context, bus Bus, evt *PolicyChanged) error {
	msg, err := Encode(evt.EventID, evt)
	if err != nil {
		return fmt.Errorf("events: encode policy change: %w", err)
	}
	return bus.Publish(ctx, TopicPolicyChanged, msg)
}
