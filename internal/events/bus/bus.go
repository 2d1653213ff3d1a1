// Package bus is the pub-sub transport the Event Bus Bridge
// (internal/bpe/eventbridge) republishes Registry mutations onto, so a
// process other than the engine itself (a dashboard, a chat pipeline) can
// observe "bpe.process.*" activity without linking against the Registry's
// in-process Subscribe API. It backs onto NATS in production and an
// in-memory implementation for single-node/dev deployments and tests —
// eventbridge and its tests are written against the EventBus interface
// below and never know which one is active.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a message carried on the bus. eventbridge fills Type with a
// registry.EventType (e.g. "added", "statusChanged") and Data with a
// map[string]interface{} process snapshot summary; Source identifies the
// engine instance that produced it.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Source    string      `json:"source"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewEvent stamps eventType/source/data with a fresh ID and timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler handles one delivered Event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the pub-sub surface eventbridge depends on. Subject strings
// follow eventbridge's "bpe.process.<type>" namespacing convention; nothing
// in this package enforces that shape, it's purely a publisher convention.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription for load balancing.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Request sends a request and waits for a response (with timeout).
	// eventbridge doesn't use this today — it's request/reply plumbing the
	// teacher's services use for synchronous cross-service calls, kept for
	// any future D2 consumer that needs the same pattern for process
	// control commands (e.g. a remote "terminate" request/ack).
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}

