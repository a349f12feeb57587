// Package pubsub is the transport boundary a dispatching handler forwards
// completed outbox messages across - the "RabbitMQ or other transport
// adapters" spec.md §1 names as an external collaborator the core never
// owns. It defines low-level interfaces for publishing and subscribing to
// topics with []byte payloads; it's a dumb transport layer, not an outbox
// client - Topic supplies the outbox.<messageType> topic naming on top of
// it.
//
// Two implementations are provided:
//   - InMemory: Channel-based, single-process pub/sub
//   - Postgres: LISTEN/NOTIFY-based, multi-process pub/sub
package pubsub

import (
	"context"
	"errors"
	"fmt"
)

// TopicPrefix namespaces every topic Topic builds, so a
// broker shared with unrelated pub/sub traffic doesn't collide with outbox
// delivery.
const TopicPrefix = "outbox."

// Topic builds the topic name for a given outbox/inbox messageType.
func Topic(messageType string) string {
	return TopicPrefix + messageType
}

// Common errors.
var (
	// ErrClosed is returned when operations are attempted on a closed broker.
	ErrClosed = errors.New("pubsub: broker is closed")

	// ErrPayloadTooLarge is returned by a Publisher whose transport caps
	// message size (the Postgres broker's NOTIFY is limited to 8000 bytes).
	ErrPayloadTooLarge = errors.New("pubsub: payload exceeds transport limit")
)

// errPayloadTooLarge wraps ErrPayloadTooLarge with the offending size so
// callers get both a sentinel to match on and a useful message.
func errPayloadTooLarge(size, limit int) error {
	return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrPayloadTooLarge, size, limit)
}

// Publisher publishes messages to topics.
type Publisher interface {
	// Publish sends a message to the specified topic.
	// The payload is delivered to all active subscribers.
	// Publishing is fire-and-forget - if no subscribers exist, the message is dropped.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Close releases any resources held by the publisher.
	Close() error
}

// Subscriber subscribes to topics and receives messages via handlers.
type Subscriber interface {
	// Subscribe registers a handler for the specified topic.
	// The handler is called asynchronously for each message published to the topic.
	// Multiple subscribers to the same topic each receive a copy of every message.
	//
	// The subscription remains active until the context is canceled or Close is called.
	// Handlers should be fast and non-blocking. For slow operations, handlers should
	// spawn goroutines or use channels to bridge to synchronous code.
	Subscribe(ctx context.Context, topic string, handler func([]byte)) error

	// Close releases any resources held by the subscriber and stops all handlers.
	Close() error
}

// Broker combines Publisher and Subscriber interfaces.
// Most implementations provide both capabilities.
type Broker interface {
	Publisher
	Subscriber
}
