// Package bus provides a publish/subscribe abstraction for benchmark
// lifecycle events. The default implementation uses NATS, with an
// in-memory option for single-process deployments and tests.
package bus

import (
	"context"
	"errors"
)

// Subjects published by the storage layer and consumed by the unified
// event stream. Wildcards follow NATS semantics: "sitebench.>" matches
// everything below.
const (
	SubjectSessionCreated   = "sitebench.session.created"
	SubjectSessionUpdated   = "sitebench.session.updated"
	SubjectSessionCompleted = "sitebench.session.completed"
	SubjectSessionDeleted   = "sitebench.session.deleted"
	SubjectRecordUpdated    = "sitebench.record.updated"
)

var (
	// ErrClosed is returned when operating on a closed bus or subscription.
	ErrClosed = errors.New("bus or subscription closed")
)

// MessageBus fans benchmark events out to subscribers.
// Implementations must be safe for concurrent use.
type MessageBus interface {
	// Publish sends a message to all subscribers of the given subject.
	// Returns immediately; does not wait for message delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The handler runs on a delivery goroutine, one message at a time per
	// subscription. Supports wildcards: "sitebench.session.*" matches
	// "sitebench.session.created".
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(msg *Message)

// Message represents an incoming message from the bus.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription represents an active subscription that can be cancelled.
type Subscription interface {
	// Unsubscribe stops receiving messages and cleans up resources.
	Unsubscribe() error

	// Subject returns the subject pattern this subscription is for.
	Subject() string
}
