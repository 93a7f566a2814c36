package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"segmentation-gateway/internal/models"
)

// SessionRepository persists session history. Queries use $N placeholders,
// each bound once and in order, which both lib/pq and SQLite accept.
type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// timeLayout is fixed width so text comparison orders timestamps
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// Upsert inserts a session record or refreshes its mutable columns
func (r *SessionRepository) Upsert(ctx context.Context, rec *models.SessionRecord) error {
	query := `
		INSERT INTO session_audit (id, kind, status, source, total_frames, objects_count, frames_processed, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			source = excluded.source,
			total_frames = excluded.total_frames,
			objects_count = excluded.objects_count,
			frames_processed = excluded.frames_processed,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		rec.ID,
		rec.Kind,
		rec.Status,
		rec.Source,
		rec.TotalFrames,
		rec.ObjectsCount,
		rec.FramesProcessed,
		rec.LastError,
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session record: %w", err)
	}
	return nil
}

// MarkClosed records the final status and close time of a session
func (r *SessionRepository) MarkClosed(ctx context.Context, id, status string, closedAt time.Time) error {
	query := `
		UPDATE session_audit
		SET status = $1, updated_at = $2, closed_at = $3
		WHERE id = $4
	`
	ts := formatTime(closedAt)
	res, err := r.db.ExecContext(ctx, query, status, ts, ts, id)
	if err != nil {
		return fmt.Errorf("failed to close session record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", models.ErrSessionNotFound, id)
	}
	return nil
}

const selectColumns = `id, kind, status, source, total_frames, objects_count, frames_processed, last_error, created_at, updated_at, closed_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*models.SessionRecord, error) {
	var (
		rec                  models.SessionRecord
		source, lastError    sql.NullString
		createdAt, updatedAt string
		closedAt             sql.NullString
	)
	err := row.Scan(
		&rec.ID,
		&rec.Kind,
		&rec.Status,
		&source,
		&rec.TotalFrames,
		&rec.ObjectsCount,
		&rec.FramesProcessed,
		&lastError,
		&createdAt,
		&updatedAt,
		&closedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Source = source.String
	rec.LastError = lastError.String
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	if closedAt.Valid {
		t := parseTime(closedAt.String)
		rec.ClosedAt = &t
	}
	return &rec, nil
}

// Get retrieves a session record by ID
func (r *SessionRepository) Get(ctx context.Context, id string) (*models.SessionRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM session_audit WHERE id = $1`
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("failed to get session record: %w", err)
	}
	return rec, nil
}

// ListRecent returns the most recently created records, newest first
func (r *SessionRepository) ListRecent(ctx context.Context, limit int) ([]*models.SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + selectColumns + ` FROM session_audit ORDER BY created_at DESC LIMIT $1`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session records: %w", err)
	}
	defer rows.Close()

	var records []*models.SessionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list session records: %w", err)
	}
	return records, nil
}

// DeleteClosedBefore purges closed records older than cutoff
func (r *SessionRepository) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM session_audit WHERE closed_at IS NOT NULL AND closed_at < $1`
	res, err := r.db.ExecContext(ctx, query, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge session records: %w", err)
	}
	return res.RowsAffected()
}
