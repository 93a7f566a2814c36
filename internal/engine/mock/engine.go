// Package mock provides test doubles for engine interfaces using function fields.
package mock

import (
	"context"
	"io"
	"sync"

	"segmentation-gateway/internal/engine"
	"segmentation-gateway/internal/models"
)

// Interface compliance checks.
var (
	_ engine.Engine        = (*Engine)(nil)
	_ engine.FrameIterator = (*FrameIterator)(nil)
	_ engine.FrameIterator = (*Frames)(nil)
)

// Engine is a test double for engine.Engine.
// Set the function fields for the methods you need.
type Engine struct {
	SegmentFn             func(ctx context.Context, image []byte, prompts []models.Prompt, threshold float64) (*models.SegmentResult, error)
	ComputeFeaturesFn     func(ctx context.Context, image []byte) (*models.Features, error)
	SegmentWithFeaturesFn func(ctx context.Context, features *models.Features, textPrompts []string, threshold float64) ([]models.SegmentResult, error)
	ReleaseFeaturesFn     func(ctx context.Context, handle string) error
	StartVideoSessionFn   func(ctx context.Context, sourcePath, sessionID string) (string, models.VideoInfo, error)
	AddPromptFn           func(ctx context.Context, engineSessionID string, req models.AddPromptRequest) (*models.PromptResult, error)
	PropagateFn           func(ctx context.Context, engineSessionID string, req models.PropagateRequest) (engine.FrameIterator, error)
	RemoveObjectFn        func(ctx context.Context, engineSessionID string, objectID int) error
	ResetSessionFn        func(ctx context.Context, engineSessionID string) error
	CloseSessionFn        func(ctx context.Context, engineSessionID string) error
	SessionInfoFn         func(ctx context.Context, engineSessionID string) (*models.EngineSessionInfo, error)
	InfoFn                func(ctx context.Context) (*models.EngineInfo, error)
}

// Segment delegates to SegmentFn.
func (e *Engine) Segment(ctx context.Context, image []byte, prompts []models.Prompt, threshold float64) (*models.SegmentResult, error) {
	return e.SegmentFn(ctx, image, prompts, threshold)
}

// ComputeFeatures delegates to ComputeFeaturesFn.
func (e *Engine) ComputeFeatures(ctx context.Context, image []byte) (*models.Features, error) {
	return e.ComputeFeaturesFn(ctx, image)
}

// SegmentWithFeatures delegates to SegmentWithFeaturesFn.
func (e *Engine) SegmentWithFeatures(ctx context.Context, features *models.Features, textPrompts []string, threshold float64) ([]models.SegmentResult, error) {
	return e.SegmentWithFeaturesFn(ctx, features, textPrompts, threshold)
}

// ReleaseFeatures delegates to ReleaseFeaturesFn.
func (e *Engine) ReleaseFeatures(ctx context.Context, handle string) error {
	return e.ReleaseFeaturesFn(ctx, handle)
}

// StartVideoSession delegates to StartVideoSessionFn.
func (e *Engine) StartVideoSession(ctx context.Context, sourcePath, sessionID string) (string, models.VideoInfo, error) {
	return e.StartVideoSessionFn(ctx, sourcePath, sessionID)
}

// AddPrompt delegates to AddPromptFn.
func (e *Engine) AddPrompt(ctx context.Context, engineSessionID string, req models.AddPromptRequest) (*models.PromptResult, error) {
	return e.AddPromptFn(ctx, engineSessionID, req)
}

// Propagate delegates to PropagateFn.
func (e *Engine) Propagate(ctx context.Context, engineSessionID string, req models.PropagateRequest) (engine.FrameIterator, error) {
	return e.PropagateFn(ctx, engineSessionID, req)
}

// RemoveObject delegates to RemoveObjectFn.
func (e *Engine) RemoveObject(ctx context.Context, engineSessionID string, objectID int) error {
	return e.RemoveObjectFn(ctx, engineSessionID, objectID)
}

// ResetSession delegates to ResetSessionFn.
func (e *Engine) ResetSession(ctx context.Context, engineSessionID string) error {
	return e.ResetSessionFn(ctx, engineSessionID)
}

// CloseSession delegates to CloseSessionFn.
func (e *Engine) CloseSession(ctx context.Context, engineSessionID string) error {
	return e.CloseSessionFn(ctx, engineSessionID)
}

// SessionInfo delegates to SessionInfoFn.
func (e *Engine) SessionInfo(ctx context.Context, engineSessionID string) (*models.EngineSessionInfo, error) {
	return e.SessionInfoFn(ctx, engineSessionID)
}

// Info delegates to InfoFn.
func (e *Engine) Info(ctx context.Context) (*models.EngineInfo, error) {
	return e.InfoFn(ctx)
}

// FrameIterator is a test double for engine.FrameIterator.
type FrameIterator struct {
	NextFn  func() (models.FrameResult, error)
	CloseFn func() error
}

// Next delegates to NextFn.
func (it *FrameIterator) Next() (models.FrameResult, error) {
	return it.NextFn()
}

// Close delegates to CloseFn.
func (it *FrameIterator) Close() error {
	return it.CloseFn()
}

// Frames is an instrumented iterator over a fixed frame list. It records how
// many frames were pulled and whether it was closed. Err, when set, is
// returned after the frames are exhausted instead of io.EOF.
type Frames struct {
	Results  []models.FrameResult
	Err      error
	CloseErr error

	mu     sync.Mutex
	pulled int
	closed int
}

// NewFrames returns an iterator yielding n frames indexed from 0, each with
// a single object.
func NewFrames(n int) *Frames {
	results := make([]models.FrameResult, n)
	for i := range results {
		results[i] = models.FrameResult{
			FrameIndex: i,
			Objects:    []models.VideoObject{{ID: 1, Mask: "rle", Box: []float64{0.5, 0.5, 0.1, 0.1}, Score: 0.9}},
		}
	}
	return &Frames{Results: results}
}

// Next returns the next frame, then Err or io.EOF.
func (f *Frames) Next() (models.FrameResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pulled < len(f.Results) {
		r := f.Results[f.pulled]
		f.pulled++
		return r, nil
	}
	if f.Err != nil {
		return models.FrameResult{}, f.Err
	}
	return models.FrameResult{}, io.EOF
}

// Close records the call and returns CloseErr.
func (f *Frames) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return f.CloseErr
}

// Pulled is the number of frames handed out so far.
func (f *Frames) Pulled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulled
}

// Closed is the number of Close calls.
func (f *Frames) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
