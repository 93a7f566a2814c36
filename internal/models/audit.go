package models

import "time"

// SessionRecord is the persisted history of a session
type SessionRecord struct {
	ID              string     `json:"id"`
	Kind            string     `json:"kind"`
	Status          string     `json:"status"`
	Source          string     `json:"source,omitempty"`
	TotalFrames     int        `json:"total_frames"`
	ObjectsCount    int        `json:"objects_count"`
	FramesProcessed int        `json:"frames_processed"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
}

// RecordFromSession builds a history record from a session snapshot
func RecordFromSession(s *Session, updatedAt time.Time) *SessionRecord {
	rec := &SessionRecord{
		ID:              s.ID,
		Kind:            string(s.Kind),
		Status:          string(s.Status),
		Source:          s.SourcePath,
		ObjectsCount:    s.ObjectsCount,
		FramesProcessed: s.FramesProcessed,
		LastError:       s.LastError,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       updatedAt,
	}
	if s.VideoInfo != nil {
		rec.TotalFrames = s.VideoInfo.TotalFrames
	}
	return rec
}
