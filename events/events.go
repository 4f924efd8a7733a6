// Package events carries the engine's asynchronous notifications: policy
// change events consumed by caches and audit collaborators, and usage events
// feeding the stats pipeline. The Bus interface has an in-memory
// implementation for single-instance deployments and a Redis pub/sub
// implementation for clusters; the Broker wrapper selects between them.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Topics published by the engine.
const (
	TopicPolicyChanged = "limitgate.policy.changed"
	TopicUsage         = "limitgate.usage"
)

// Message is the wire unit moved by a Bus. Body is a JSON-encoded event.
type Message struct {
	ID   string
	Body []byte
}

// Handler receives messages for one subscription. Handlers run on the bus's
// dispatch goroutine for their subscription; slow handlers delay only their
// own subscription.
type Handler func(msg *Message)

// Bus is the publish/subscribe abstraction.
type Bus interface {
	// Publish delivers the message to all current subscribers, blocking
	// until each has accepted it or ctx is done.
	Publish(ctx context.Context, topic string, msg *Message) error

	// TryPublish delivers best-effort: subscribers whose buffers are full
	// are skipped and the message is dropped for them. It never blocks,
	// which is what the check hot path requires.
	TryPublish(ctx context.Context, topic string, msg *Message) error

	// Subscribe registers a handler and returns its subscription id.
	Subscribe(topic string, h Handler, opts ...Option) (string, error)

	// Unsubscribe removes a subscription by id.
	Unsubscribe(id string) error

	Close() error
}

// PolicyChanged is emitted after every committed policy mutation.
type PolicyChanged struct {
	EventID    string    `json:"event_id"`
	PolicyID   string    `json:"policy_id"`
	ChangeType string    `json:"change_type"`
	Version    int64     `json:"version"`
	Actor      string    `json:"actor"`
	At         time.Time `json:"at"`
}

// Usage is an aggregated usage report for one policy over a short interval.
type Usage struct {
	EventID   string    `json:"event_id"`
	PolicyID  string    `json:"policy_id"`
	Requested int64     `json:"requested"`
	Allowed   int64     `json:"allowed"`
	Denied    int64     `json:"denied"`
	Weight    int64     `json:"weight"`
	At        time.Time `json:"at"`
}

// Encode wraps an event into a Message.
func Encode(id string, event any) (*Message, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return &Message{ID: id, Body: body}, nil
}

// Decode unmarshals a message body into the given event struct.
func Decode(msg *Message, into any) error {
	return json.Unmarshal(msg.Body, into)
}

// SubscriptionOptions configures one subscription.
type SubscriptionOptions struct {
	// BufferSize is the per-subscription queue length used by the memory
	// bus. TryPublish drops messages once the buffer is full.
	BufferSize int
}

// Option configures a subscription.
type Option func(*SubscriptionOptions)

// DefaultSubscriptionOptions returns the defaults.
func DefaultSubscriptionOptions() *SubscriptionOptions {
	return &SubscriptionOptions{BufferSize: 64}
}

// WithBufferSize sets the subscription queue length.
func WithBufferSize(n int) Option {
	return func(o *SubscriptionOptions) {
		if n > 0 {
			o.BufferSize = n
		}
	}
}
