package repository

import (
	"context"

	"segmentation-gateway/internal/events"
	"segmentation-gateway/internal/models"
)

// AuditPublisher writes session events into the audit table. It runs behind
// the event dispatcher, so database latency never reaches request handlers.
type AuditPublisher struct {
	repo *SessionRepository
}

func NewAuditPublisher(repo *SessionRepository) *AuditPublisher {
	return &AuditPublisher{repo: repo}
}

// Publish upserts the carried session snapshot and closes the record on
// close or expiry events. Events without a snapshot are ignored.
func (p *AuditPublisher) Publish(ctx context.Context, event events.Event) error {
	if event.Session == nil {
		return nil
	}

	if err := p.repo.Upsert(ctx, models.RecordFromSession(event.Session, event.Timestamp)); err != nil {
		return err
	}

	switch event.Type {
	case events.SessionClosed, events.SessionExpired:
		return p.repo.MarkClosed(ctx, event.SessionID, string(models.StatusClosed), event.Timestamp)
	}
	return nil
}

// Close is a no-op; the database is owned by the caller
func (p *AuditPublisher) Close() error { return nil }
