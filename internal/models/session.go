package models

import (
	"time"
)

// SessionKind distinguishes video tracking sessions from image batches
type SessionKind string

const (
	KindVideo      SessionKind = "video"
	KindImageBatch SessionKind = "image_batch"
)

// SessionStatus is the lifecycle status of a session
type SessionStatus string

// Session statuses
const (
	StatusReady      SessionStatus = "ready"
	StatusProcessing SessionStatus = "processing"
	StatusError      SessionStatus = "error"
	StatusClosed     SessionStatus = "closed"
)

// VideoInfo describes the media loaded into an engine session
type VideoInfo struct {
	TotalFrames     int     `json:"total_frames"`
	FPS             float64 `json:"fps"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Session represents a tracked segmentation session.
// The registry hands out copies; mutating a returned Session has no effect.
type Session struct {
	ID              string        `json:"id"`
	Kind            SessionKind   `json:"kind"`
	Status          SessionStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	LastAccessedAt  time.Time     `json:"last_accessed_at"`
	VideoInfo       *VideoInfo    `json:"video_info,omitempty"`
	ObjectsCount    int           `json:"objects_count"`
	FramesProcessed int           `json:"frames_processed"`
	LastError       string        `json:"last_error,omitempty"`

	// EngineSessionID references the engine-side session state
	EngineSessionID string `json:"-"`
	SourcePath      string `json:"source_path,omitempty"`
}

// Clone returns a deep copy of the session
func (s *Session) Clone() *Session {
	c := *s
	if s.VideoInfo != nil {
		vi := *s.VideoInfo
		c.VideoInfo = &vi
	}
	return &c
}

// IdleFor reports how long the session has gone without access
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastAccessedAt)
}
