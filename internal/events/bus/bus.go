// Package bus provides the announce bus for codeplane.
//
// The orchestrator publishes thread and job lifecycle announcements here so
// sidecar consumers (push-notification relays, the websocket gateway,
// dashboards) can observe activity without holding a per-job SSE
// subscription. The bus carries hints, not the event log: the durable,
// seq-ordered stream lives in the event store.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Announce subjects published by the orchestrator.
const (
	SubjectJobState    = "job.state.changed"
	SubjectJobFinished = "job.finished"
	SubjectThread      = "thread.updated"
)

// Event represents a message on the announce bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // component that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for announce bus operations.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	// NATS-style wildcards are supported: * (one token) and > (rest).
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
