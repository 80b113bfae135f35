package pubsub

import (
	"context"
	"encoding/json"
	"time"
)

// Event is the envelope carried on the backplane. Payload is opaque to the
// drivers; ID is unique per published event and is what subscribers
// deduplicate on, since every driver is at-least-once.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	ChatID    string          `json:"chat_id,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// UnmarshalPayload unmarshals the event payload into v.
func (e *Event) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// Publisher publishes events to the backplane.
type Publisher interface {
	Publish(ctx context.Context, channel string, event *Event) error
}

// Subscriber subscribes to events from the backplane. The returned channel
// is closed when ctx ends, the subscription is removed, or the underlying
// stream breaks.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan *Event, error)
	Unsubscribe(ctx context.Context, channel string) error
}

// PubSub combines Publisher and Subscriber.
type PubSub interface {
	Publisher
	Subscriber
	Close() error
}
