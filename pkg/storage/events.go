package storage

import (
	"fmt"
	"time"
)

// EventType represents the type of storage event emitted.
type EventType string

// Storage event type constants.
const (
	EventSessionCreated   EventType = "session.created"
	EventSessionUpdated   EventType = "session.updated"
	EventSessionCompleted EventType = "session.completed"
	EventSessionDeleted   EventType = "session.deleted"

	EventRecordUpdated EventType = "record.updated"
)

// Event represents a change inside the storage layer that other subsystems
// can react to. ExternalID carries the session's external identifier so
// consumers never need an extra lookup.
type Event struct {
	Type       EventType `json:"type"`
	ExternalID string    `json:"externalId,omitempty"`
	EntityID   string    `json:"entityId,omitempty"`
	Data       any       `json:"data,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Observer reacts to storage events.
type Observer interface {
	HandleStorageEvent(Event)
}

// ObserverFunc is a helper to turn a function into an Observer.
type ObserverFunc func(Event)

// HandleStorageEvent implements the Observer interface.
func (f ObserverFunc) HandleStorageEvent(e Event) {
	f(e)
}

// newEvent is a helper to build a storage event.
func newEvent(eventType EventType, externalID string, entityID any, data any) Event {
	entity := ""
	if entityID != nil {
		entity = fmt.Sprintf("%v", entityID)
	}
	return Event{
		Type:       eventType,
		ExternalID: externalID,
		EntityID:   entity,
		Data:       data,
		Timestamp:  time.Now(),
	}
}
