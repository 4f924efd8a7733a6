package events

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var errBusClosed = errors.New("events: bus is closed")

// MemoryBus implements Bus with per-subscription buffered channels. Each
// subscription runs its own dispatch goroutine, so one slow handler never
// stalls the others.
type MemoryBus struct {
	mu     sync.RWMutex
	closed bool
	topics map[string]map[string]*memorySub // topic -> sub id -> sub
	subs   map[string]*memorySub            // sub id -> sub, for Unsubscribe
}

type memorySub struct {
	id      string
	topic   string
	queue   chan *Message
	done    chan struct{}
	handler Handler
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		topics: make(map[string]map[string]*memorySub),
		subs:   make(map[string]*memorySub),
	}
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(topic string, h Handler, opts ...Option) (string, error) {
	if topic == "" || h == nil {
		return "", errors.New("events: topic and handler are required")
	}
	options := DefaultSubscriptionOptions()
	for _, opt := range opts {
		opt(options)
	}

	sub := &memorySub{
		id:      uuid.NewString(),
		topic:   topic,
		queue:   make(chan *Message, options.BufferSize),
		done:    make(chan struct{}),
		handler: h,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", errBusClosed
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[string]*memorySub)
	}
	b.topics[topic][sub.id] = sub
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.dispatch()
	log.Debug().Str("topic", topic).Str("subscription_id", sub.id).Msg("subscription registered")
	return sub.id, nil
}

func (s *memorySub) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			if msg != nil {
				s.handler(msg)
			}
		}
	}
}

// Publish implements Bus.
func (b *MemoryBus) Publish(ctx context.Context, topic string, msg *Message) error {
	for _, sub := range b.snapshot(topic) {
		select {
		case sub.queue <- msg:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// TryPublish implements Bus. Full subscriber buffers drop the message.
func (b *MemoryBus) TryPublish(ctx context.Context, topic string, msg *Message) error {
	for _, sub := range b.snapshot(topic) {
		select {
		case sub.queue <- msg:
		default:
			log.Warn().Str("topic", topic).Str("subscription_id", sub.id).Msg("subscriber buffer full, dropping message")
		}
	}
	return nil
}

func (b *MemoryBus) snapshot(topic string) []*memorySub {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	subs := make([]*memorySub, 0, len(b.topics[topic]))
	for _, sub := range b.topics[topic] {
		subs = append(subs, sub)
	}
	return subs
}

// Unsubscribe implements Bus.
func (b *MemoryBus) Unsubscribe(id string) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		delete(b.topics[sub.topic], id)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	close(sub.done)
	return nil
}

// Close implements Bus.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*memorySub, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*memorySub)
	b.topics = make(map[string]map[string]*memorySub)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
	}
	return nil
}
