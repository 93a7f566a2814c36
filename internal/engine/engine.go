// Package engine defines the segmentation engine the gateway drives and an
// HTTP client for a remote engine worker.
//
// Engine calls are blocking and may take seconds on a busy GPU. Calls against
// the same engine session are not safe to run concurrently; callers serialize
// them (see service.Registry.WithSession).
package engine

import (
	"context"

	"segmentation-gateway/internal/models"
)

// FrameIterator is a pull-based view of the engine's lazy propagation
// sequence. Next returns io.EOF once the sequence is exhausted. Close stops
// engine work for frames not yet pulled and must be called exactly once.
type FrameIterator interface {
	Next() (models.FrameResult, error)
	Close() error
}

// ImageEngine segments still images
type ImageEngine interface {
	Segment(ctx context.Context, image []byte, prompts []models.Prompt, threshold float64) (*models.SegmentResult, error)
	ComputeFeatures(ctx context.Context, image []byte) (*models.Features, error)
	SegmentWithFeatures(ctx context.Context, features *models.Features, textPrompts []string, threshold float64) ([]models.SegmentResult, error)
	ReleaseFeatures(ctx context.Context, handle string) error
}

// VideoEngine tracks objects across video frames
type VideoEngine interface {
	StartVideoSession(ctx context.Context, sourcePath, sessionID string) (string, models.VideoInfo, error)
	AddPrompt(ctx context.Context, engineSessionID string, req models.AddPromptRequest) (*models.PromptResult, error)
	Propagate(ctx context.Context, engineSessionID string, req models.PropagateRequest) (FrameIterator, error)
	RemoveObject(ctx context.Context, engineSessionID string, objectID int) error
	ResetSession(ctx context.Context, engineSessionID string) error
	CloseSession(ctx context.Context, engineSessionID string) error
	SessionInfo(ctx context.Context, engineSessionID string) (*models.EngineSessionInfo, error)
}

// Engine is the full segmentation engine surface
type Engine interface {
	ImageEngine
	VideoEngine
	Info(ctx context.Context) (*models.EngineInfo, error)
}
