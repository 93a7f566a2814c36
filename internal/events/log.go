package events

import (
	"context"
	"log/slog"
)

// LogPublisher writes events to the structured log
type LogPublisher struct{}

// Publish logs the event
func (LogPublisher) Publish(ctx context.Context, event Event) error {
	slog.InfoContext(ctx, "session event",
		"type", event.Type, "session_id", event.SessionID, "data", event.Data)
	return nil
}

// Close is a no-op
func (LogPublisher) Close() error { return nil }
