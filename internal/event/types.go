// Package event defines the events the orchestrator publishes while driving
// diagnostic collection sessions. Events decouple the control loop from the
// daemon's logging sink and from anything else that wants to observe session
// progress.
package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "collection.started").
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// CollectionStartedEvent is emitted when this instance begins collecting
// diagnostics for a session.
type CollectionStartedEvent struct {
	baseEvent
	SessionID  string
	InstanceID string
	Tool       string
}

// NewCollectionStartedEvent creates a CollectionStartedEvent.
func NewCollectionStartedEvent(sessionID, instanceID, tool string) CollectionStartedEvent {
	return CollectionStartedEvent{
		baseEvent:  newBaseEvent("collection.started"),
		SessionID:  sessionID,
		InstanceID: instanceID,
		Tool:       tool,
	}
}

// CollectionFinishedEvent is emitted when this instance's local collection
// run reaches a terminal state.
type CollectionFinishedEvent struct {
	baseEvent
	SessionID  string
	InstanceID string
	Artifacts  int    // Number of artifact files produced
	Error      string // Empty on success
}

// NewCollectionFinishedEvent creates a CollectionFinishedEvent.
func NewCollectionFinishedEvent(sessionID, instanceID string, artifacts int, errMsg string) CollectionFinishedEvent {
	return CollectionFinishedEvent{
		baseEvent:  newBaseEvent("collection.finished"),
		SessionID:  sessionID,
		InstanceID: instanceID,
		Artifacts:  artifacts,
		Error:      errMsg,
	}
}

// SessionCompletedEvent is emitted when a session transitions to its
// terminal complete state.
type SessionCompletedEvent struct {
	baseEvent
	SessionID string
	Forced    bool // True if completion was forced by the deadline
}

// NewSessionCompletedEvent creates a SessionCompletedEvent.
func NewSessionCompletedEvent(sessionID string, forced bool) SessionCompletedEvent {
	return SessionCompletedEvent{
		baseEvent: newBaseEvent("session.completed"),
		SessionID: sessionID,
		Forced:    forced,
	}
}
