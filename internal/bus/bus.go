// Package bus provides the provider-agnostic message bus (C4) and its two
// backends: an in-memory queue (C5) and an external broker adapter (C6).
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message is one envelope flowing through the bus.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Attempt   int
	LastError string
	Timestamp time.Time
}

// NewMessage builds a Message with a fresh ID and current timestamp.
func NewMessage(topic string, payload []byte) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Handler processes one delivered message. Returning an error causes the
// message to be retried (on the in-memory backend, dead-lettered once its
// retries run out; on the broker backend, nak'd for redelivery); returning
// nil acks it.
type Handler func(ctx context.Context, msg *Message) error

// Subscription represents an active subscription to a topic.
type Subscription interface {
	Unsubscribe() error
}

// EventBus is the provider-agnostic publish/subscribe contract (C4).
//
// Delivery semantics are at-least-once: a handler that returns nil acks the
// message; a handler that returns an error causes a retry (and the backend's
// own rollback/redelivery behavior, on the broker backend).
type EventBus interface {
	// Publish writes a message to topic. Best-effort durable. On the external
	// broker backend it is an independent publish even when called from within
	// a delivery callback: it is not tied to that delivery's ack or nak, and a
	// later nak does not withdraw it.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a delivery callback for topic. When the bus is
	// configured for a single consumer thread, at most one callback runs at a
	// time per topic, preserving FIFO order.
	Subscribe(topic string, handler Handler) (Subscription, error)

	// Close shuts the bus down, draining in-flight callbacks and refusing new
	// publishes/subscribes.
	Close() error

	// IsConnected reports whether the bus can currently accept traffic.
	IsConnected() bool
}

// Topics names the three logical topics the core publishes/subscribes to.
type Topics struct {
	Event    string
	Response string
	Audit    string
}

// PublishResponse is a convenience wrapper publishing to the response topic.
func PublishResponse(ctx context.Context, b EventBus, topics Topics, payload []byte) error {
	return b.Publish(ctx, topics.Response, payload)
}

// PublishAudit is a convenience wrapper publishing to the audit topic. The
// audit topic is publish-only from the core; nothing subscribes to it here.
func PublishAudit(ctx context.Context, b EventBus, topics Topics, payload []byte) error {
	return b.Publish(ctx, topics.Audit, payload)
}

// DLQTopic returns the dead-letter topic name for topic.
func DLQTopic(topic, suffix string) string {
	return topic + suffix
}
