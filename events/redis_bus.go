package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// tryPublishTimeout bounds best-effort publishes so the check hot path is
// never delayed by a slow Redis connection.
const tryPublishTimeout = 250 * time.Millisecond

// RedisBus implements Bus on Redis pub/sub channels so events reach every
// engine instance in a cluster. Delivery is at-most-once, which is
// acceptable for both cache invalidation (the cache reloads on the next
// change) and best-effort usage reporting.
type RedisBus struct {
	client redis.UniversalClient
	mu     sync.Mutex
	closed bool
	subs   map[string]*redisSub
}

type redisSub struct {
	id     string
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisBus creates a bus on the given client. Pub/sub requires a full
// client rather than a Cmdable because subscriptions hold a dedicated
// connection.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{
		client: client,
		subs:   make(map[string]*redisSub),
	}
}

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, topic string, msg *Message) error {
	if err := b.client.Publish(ctx, topic, msg.Body).Err(); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("redis publish failed")
		return err
	}
	return nil
}

// TryPublish implements Bus. Failures and timeouts are logged and dropped.
func (b *RedisBus) TryPublish(ctx context.Context, topic string, msg *Message) error {
	tctx, cancel := context.WithTimeout(ctx, tryPublishTimeout)
	defer cancel()
	if err := b.client.Publish(tctx, topic, msg.Body).Err(); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("best-effort publish dropped")
	}
	return nil
}

// Subscribe implements Bus.
func (b *RedisBus) Subscribe(topic string, h Handler, opts ...Option) (string, error) {
	if topic == "" || h == nil {
		return "", errors.New("events: topic and handler are required")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", errBusClosed
	}
	pubsub := b.client.Subscribe(context.Background(), topic)
	sub := &redisSub{
		id:     uuid.NewString(),
		pubsub: pubsub,
		done:   make(chan struct{}),
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-sub.done:
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				h(&Message{Body: []byte(m.Payload)})
			}
		}
	}()

	log.Debug().Str("topic", topic).Str("subscription_id", sub.id).Msg("redis subscription registered")
	return sub.id, nil
}

// Unsubscribe implements Bus.
func (b *RedisBus) Unsubscribe(id string) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	close(sub.done)
	return sub.pubsub.Close()
}

// Close implements Bus.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSub, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*redisSub)
	b.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		close(sub.done)
		if err := sub.pubsub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
