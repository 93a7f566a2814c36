package dto

import (
	"time"

	"segmentation-gateway/internal/models"
)

// StartSessionRequest starts a video session from exactly one source
type StartSessionRequest struct {
	VideoURL    string `json:"video_url,omitempty"`
	VideoBase64 string `json:"video_base64,omitempty"`
	VideoPath   string `json:"video_path,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// Resolution is a frame size
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// VideoInfo describes a loaded video
type VideoInfo struct {
	TotalFrames     int        `json:"total_frames"`
	FPS             float64    `json:"fps"`
	Resolution      Resolution `json:"resolution"`
	DurationSeconds float64    `json:"duration_seconds"`
}

// NewVideoInfo converts registry video metadata
func NewVideoInfo(info *models.VideoInfo) VideoInfo {
	if info == nil {
		return VideoInfo{}
	}
	return VideoInfo{
		TotalFrames:     info.TotalFrames,
		FPS:             info.FPS,
		Resolution:      Resolution{Width: info.Width, Height: info.Height},
		DurationSeconds: info.DurationSeconds,
	}
}

// StartSessionResponse represents response after starting a session
type StartSessionResponse struct {
	SessionID string    `json:"session_id"`
	VideoInfo VideoInfo `json:"video_info"`
	Status    string    `json:"status"`
}

// AddPromptRequest adds prompts on a frame
type AddPromptRequest struct {
	FrameIndex int             `json:"frame_index"`
	Prompts    []models.Prompt `json:"prompts"`
	ObjectID   *int            `json:"obj_id,omitempty"`
}

// AddPromptResponse is the engine output for the prompted frame
type AddPromptResponse struct {
	FrameIndex int         `json:"frame_index"`
	ObjectIDs  []int       `json:"obj_id"`
	Masks      []string    `json:"masks"`
	Boxes      [][]float64 `json:"boxes"`
	Scores     []float64   `json:"scores"`
	Status     string      `json:"status"`
}

// PropagateRequest parameterizes batch and streaming propagation
type PropagateRequest struct {
	Direction       string `json:"direction,omitempty"`
	StartFrameIndex *int   `json:"start_frame_index,omitempty"`
	MaxFrames       *int   `json:"max_frames,omitempty"`
}

// Model converts the request for the coordinator
func (r PropagateRequest) Model() models.PropagateRequest {
	return models.PropagateRequest{
		Direction:       models.Direction(r.Direction),
		StartFrameIndex: r.StartFrameIndex,
		MaxFrames:       r.MaxFrames,
	}
}

// PropagateResponse holds every propagated frame keyed by frame index
type PropagateResponse struct {
	SessionID        string                     `json:"session_id"`
	Results          map[int]models.FrameResult `json:"results"`
	TotalFrames      int                        `json:"total_frames"`
	ProcessingTimeMS float64                    `json:"processing_time_ms"`
}

// SessionStatusResponse represents a session status
type SessionStatusResponse struct {
	SessionID       string  `json:"session_id"`
	Status          string  `json:"status"`
	CurrentObjects  int     `json:"current_objects"`
	FramesProcessed int     `json:"frames_processed"`
	TotalFrames     int     `json:"total_frames"`
	GPUMemoryUsedMB float64 `json:"gpu_memory_used_mb"`
	LastError       string  `json:"last_error,omitempty"`
}

// RemoveObjectResponse confirms an object removal
type RemoveObjectResponse struct {
	SessionID string `json:"session_id"`
	ObjectID  int    `json:"obj_id"`
	Status    string `json:"status"`
}

// ResetSessionResponse confirms a reset
type ResetSessionResponse struct {
	SessionID      string `json:"session_id"`
	Status         string `json:"status"`
	ObjectsCleared int    `json:"objects_cleared"`
}

// CloseSessionResponse confirms a close
type CloseSessionResponse struct {
	SessionID     string  `json:"session_id"`
	Status        string  `json:"status"`
	MemoryFreedMB float64 `json:"memory_freed_mb"`
}

// SessionListItem summarizes one live session
type SessionListItem struct {
	SessionID       string    `json:"session_id"`
	Type            string    `json:"type"`
	CreatedAt       time.Time `json:"created_at"`
	Status          string    `json:"status"`
	ObjectsCount    *int      `json:"objects_count,omitempty"`
	ImagesProcessed *int      `json:"images_processed,omitempty"`
}

// NewSessionListItem converts a registry snapshot
func NewSessionListItem(s *models.Session) SessionListItem {
	item := SessionListItem{
		SessionID: s.ID,
		Type:      string(s.Kind),
		CreatedAt: s.CreatedAt,
		Status:    string(s.Status),
	}
	if s.Kind == models.KindImageBatch {
		n := s.FramesProcessed
		item.ImagesProcessed = &n
	} else {
		n := s.ObjectsCount
		item.ObjectsCount = &n
	}
	return item
}

// SessionListResponse lists live sessions
type SessionListResponse struct {
	Sessions      []SessionListItem `json:"sessions"`
	TotalSessions int               `json:"total_sessions"`
}

// AuditListResponse lists persisted session history
type AuditListResponse struct {
	Sessions []*models.SessionRecord `json:"sessions"`
	Count    int                     `json:"count"`
}
