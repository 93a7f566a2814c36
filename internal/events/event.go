// Package events publishes session lifecycle events to a message bus.
package events

import (
	"context"
	"encoding/json"
	"time"

	"segmentation-gateway/internal/models"
)

// Type names a session lifecycle event
type Type string

// Event types
const (
	SessionCreated       Type = "session.created"
	SessionClosed        Type = "session.closed"
	SessionExpired       Type = "session.expired"
	SessionReset         Type = "session.reset"
	SessionFailed        Type = "session.failed"
	PromptAdded          Type = "prompt.added"
	ObjectRemoved        Type = "object.removed"
	PropagationCompleted Type = "propagation.completed"
	PropagationCancelled Type = "propagation.cancelled"
	PropagationFailed    Type = "propagation.failed"
	BatchCompleted       Type = "batch.completed"
)

// Event is one session lifecycle event
type Event struct {
	Type      Type                   `json:"type"`
	SessionID string                 `json:"session_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`

	// Session is a snapshot taken when the event was raised
	Session *models.Session `json:"session,omitempty"`
}

// New creates an event stamped with the current time
func New(t Type, sessionID string, data map[string]interface{}) Event {
	return Event{Type: t, SessionID: sessionID, Timestamp: time.Now().UTC(), Data: data}
}

// ForSession creates an event carrying a session snapshot
func ForSession(t Type, session *models.Session, data map[string]interface{}) Event {
	e := New(t, session.ID, data)
	e.Session = session
	return e
}

// Marshal encodes the event as JSON
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events to one backend
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Emitter accepts events without blocking the caller
type Emitter interface {
	Emit(event Event)
}

// Discard is an Emitter that drops every event
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}
