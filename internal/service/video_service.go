package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"segmentation-gateway/internal/engine"
	"segmentation-gateway/internal/events"
	"segmentation-gateway/internal/models"
	"segmentation-gateway/internal/propagation"
	"segmentation-gateway/pkg/ffmpeg"
)

// ProbeFunc reads media metadata from a local file
type ProbeFunc func(ctx context.Context, path string) (*ffmpeg.Metadata, error)

// closeTimeout bounds engine cleanup that runs outside a request
const closeTimeout = 30 * time.Second

// SessionStatus is the status view of a video session
type SessionStatus struct {
	Session     *models.Session
	GPUMemoryMB float64
	// Live is false when the engine could not be asked, for example while a
	// propagation holds the session.
	Live bool
}

// VideoService runs video tracking sessions on the engine
type VideoService struct {
	registry    *Registry
	engine      engine.VideoEngine
	coordinator *propagation.Coordinator
	sources     *SourceResolver
	events      events.Emitter
	probe       ProbeFunc
}

// NewVideoService creates a video service. A nil engine disables every
// operation that needs it.
func NewVideoService(registry *Registry, eng engine.VideoEngine, sources *SourceResolver, emitter events.Emitter) *VideoService {
	if emitter == nil {
		emitter = events.Discard
	}
	s := &VideoService{
		registry: registry,
		engine:   eng,
		sources:  sources,
		events:   emitter,
	}
	if eng != nil {
		s.coordinator = propagation.NewCoordinator(registry, eng)
	}
	return s
}

// SetProbe enables the media probe used when the engine reports no
// dimensions or frame rate.
func (s *VideoService) SetProbe(probe ProbeFunc) {
	s.probe = probe
}

func (s *VideoService) available() error {
	if s.engine == nil {
		return models.ErrEngineUnavailable
	}
	return nil
}

func (s *VideoService) emit(t events.Type, sessionID string, data map[string]interface{}) {
	if session, err := s.registry.Get(sessionID); err == nil {
		s.events.Emit(events.ForSession(t, session, data))
		return
	}
	s.events.Emit(events.New(t, sessionID, data))
}

// engineFailed drives the session to error and wraps err as an engine failure
func (s *VideoService) engineFailed(sessionID, op string, err error) error {
	wrapped := fmt.Errorf("%w: %s: %w", models.ErrEngineFailure, op, err)
	if uerr := s.registry.UpdateStatus(sessionID, models.StatusError, wrapped); uerr != nil {
		slog.Warn("failed to mark session failed", "session_id", sessionID, "error", uerr)
	}
	slog.Error("engine operation failed", "session_id", sessionID, "op", op, "error", err)
	s.emit(events.SessionFailed, sessionID, map[string]interface{}{"op": op})
	return wrapped
}

func requireVideo(session *models.Session) error {
	if session.Kind != models.KindVideo || session.EngineSessionID == "" {
		return fmt.Errorf("%w: session %s has no video loaded", models.ErrInvalidRequest, session.ID)
	}
	return nil
}

// StartSession resolves the source, registers a session and loads the video
// into the engine. An empty sessionID generates one.
func (s *VideoService) StartSession(ctx context.Context, src VideoSource, sessionID string) (*models.Session, error) {
	if err := s.available(); err != nil {
		return nil, err
	}

	path, err := s.sources.Resolve(ctx, src)
	if err != nil {
		return nil, err
	}

	session, err := s.registry.Create(sessionID, models.KindVideo, nil)
	if err != nil {
		return nil, err
	}
	id := session.ID

	err = s.registry.WithSession(id, func(*models.Session) error {
		engineID, info, err := s.engine.StartVideoSession(ctx, path, id)
		if err != nil {
			return fmt.Errorf("%w: start video session: %w", models.ErrEngineFailure, err)
		}
		s.fillVideoInfo(ctx, path, &info)

		if err := s.registry.SetEngineSession(id, engineID, path); err != nil {
			return err
		}
		return s.registry.SetVideoInfo(id, info)
	})
	if err != nil {
		s.registry.Delete(id)
		slog.Error("failed to start video session", "session_id", id, "error", err)
		return nil, err
	}

	session, err = s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	slog.Info("video session started", "session_id", id,
		"frames", session.VideoInfo.TotalFrames, "width", session.VideoInfo.Width, "height", session.VideoInfo.Height)
	s.events.Emit(events.ForSession(events.SessionCreated, session, nil))
	return session, nil
}

func (s *VideoService) fillVideoInfo(ctx context.Context, path string, info *models.VideoInfo) {
	if s.probe != nil && (info.Width == 0 || info.Height == 0 || info.FPS == 0) {
		meta, err := s.probe(ctx, path)
		if err != nil {
			slog.Warn("media probe failed", "path", path, "error", err)
		} else {
			if info.Width == 0 {
				info.Width = meta.Width
			}
			if info.Height == 0 {
				info.Height = meta.Height
			}
			if info.FPS == 0 {
				info.FPS = meta.FPS
			}
			if info.TotalFrames == 0 {
				info.TotalFrames = meta.TotalFrames
			}
		}
	}
	if info.DurationSeconds == 0 && info.FPS > 0 {
		info.DurationSeconds = float64(info.TotalFrames) / info.FPS
	}
}

// AddPrompt adds prompts on one frame, creating or refining an object
func (s *VideoService) AddPrompt(ctx context.Context, sessionID string, req models.AddPromptRequest) (*models.PromptResult, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	if err := models.ValidatePrompts(req.Prompts); err != nil {
		return nil, err
	}
	if req.FrameIndex < 0 {
		return nil, fmt.Errorf("%w: frame_index must be >= 0", models.ErrInvalidRequest)
	}
	if req.ObjectID != nil && *req.ObjectID < 0 {
		return nil, fmt.Errorf("%w: obj_id must be >= 0", models.ErrInvalidRequest)
	}

	var result *models.PromptResult
	err := s.registry.WithSession(sessionID, func(session *models.Session) error {
		if err := requireVideo(session); err != nil {
			return err
		}
		if session.VideoInfo != nil && session.VideoInfo.TotalFrames > 0 && req.FrameIndex >= session.VideoInfo.TotalFrames {
			return fmt.Errorf("%w: frame_index %d out of range (%d frames)",
				models.ErrInvalidRequest, req.FrameIndex, session.VideoInfo.TotalFrames)
		}

		var err error
		result, err = s.engine.AddPrompt(ctx, session.EngineSessionID, req)
		if err != nil {
			return s.engineFailed(sessionID, "add prompt", err)
		}

		objects := len(result.ObjectIDs)
		if objects < session.ObjectsCount {
			objects = session.ObjectsCount
		}
		if err := s.registry.UpdateStats(sessionID, &objects, nil); err != nil {
			return err
		}
		return s.registry.UpdateStatus(sessionID, models.StatusReady, nil)
	})
	if err != nil {
		return nil, err
	}

	s.emit(events.PromptAdded, sessionID, map[string]interface{}{
		"frame_index": req.FrameIndex,
		"obj_ids":     result.ObjectIDs,
	})
	return result, nil
}

func (s *VideoService) emitOutcome(sessionID string, outcome propagation.Outcome, frames int) {
	t := events.PropagationCompleted
	switch outcome {
	case propagation.Cancelled:
		t = events.PropagationCancelled
	case propagation.Failed:
		t = events.PropagationFailed
	}
	s.emit(t, sessionID, map[string]interface{}{"frames": frames})
}

// Propagate runs a propagation to completion and returns every frame
func (s *VideoService) Propagate(ctx context.Context, sessionID string, req models.PropagateRequest) (*propagation.BatchResult, error) {
	if err := s.available(); err != nil {
		return nil, err
	}

	res, err := s.coordinator.RunBatch(ctx, sessionID, req)
	switch {
	case err == nil:
		s.emitOutcome(sessionID, propagation.Completed, res.TotalFrames)
	case errors.Is(err, models.ErrCancelled):
		s.emitOutcome(sessionID, propagation.Cancelled, 0)
	case errors.Is(err, models.ErrEngineFailure):
		s.emitOutcome(sessionID, propagation.Failed, 0)
	}
	return res, err
}

// Stream runs a propagation and hands each frame to sink as it is produced
func (s *VideoService) Stream(ctx context.Context, sessionID string, req models.PropagateRequest, sink propagation.Sink) (*propagation.Result, error) {
	if err := s.available(); err != nil {
		return nil, err
	}

	res, err := s.coordinator.RunStreaming(ctx, sessionID, req, sink)
	if err != nil {
		return nil, err
	}
	s.emitOutcome(sessionID, res.Outcome, res.FramesDelivered)
	return res, nil
}

// Status reports registry metadata, enriched with engine memory use when the
// session is idle. It is read-only and never takes the session, so polling
// cannot make a concurrent mutation fail with ErrBusy.
func (s *VideoService) Status(ctx context.Context, sessionID string) (*SessionStatus, error) {
	session, err := s.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	status := &SessionStatus{Session: session}
	if s.engine == nil || session.EngineSessionID == "" || s.registry.IsBusy(sessionID) {
		return status, nil
	}

	info, err := s.engine.SessionInfo(ctx, session.EngineSessionID)
	if err != nil {
		slog.Debug("engine session info unavailable", "session_id", sessionID, "error", err)
	} else {
		status.GPUMemoryMB = info.GPUMemoryMB
		status.Live = true
	}

	// the session may have been closed while the engine answered
	fresh, err := s.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	status.Session = fresh
	return status, nil
}

// RemoveObject stops tracking one object
func (s *VideoService) RemoveObject(ctx context.Context, sessionID string, objectID int) error {
	if err := s.available(); err != nil {
		return err
	}
	if objectID < 0 {
		return fmt.Errorf("%w: obj_id must be >= 0", models.ErrInvalidRequest)
	}

	err := s.registry.WithSession(sessionID, func(session *models.Session) error {
		if err := requireVideo(session); err != nil {
			return err
		}
		if err := s.engine.RemoveObject(ctx, session.EngineSessionID, objectID); err != nil {
			return s.engineFailed(sessionID, "remove object", err)
		}
		objects := session.ObjectsCount - 1
		if objects < 0 {
			objects = 0
		}
		return s.registry.UpdateStats(sessionID, &objects, nil)
	})
	if err != nil {
		return err
	}

	s.emit(events.ObjectRemoved, sessionID, map[string]interface{}{"obj_id": objectID})
	return nil
}

// Reset clears every prompt and tracked object and returns how many objects
// were cleared.
func (s *VideoService) Reset(ctx context.Context, sessionID string) (int, error) {
	if err := s.available(); err != nil {
		return 0, err
	}

	var cleared int
	err := s.registry.WithSession(sessionID, func(session *models.Session) error {
		if err := requireVideo(session); err != nil {
			return err
		}
		if err := s.engine.ResetSession(ctx, session.EngineSessionID); err != nil {
			return s.engineFailed(sessionID, "reset", err)
		}
		cleared = session.ObjectsCount
		zero := 0
		if err := s.registry.UpdateStats(sessionID, &zero, &zero); err != nil {
			return err
		}
		return s.registry.UpdateStatus(sessionID, models.StatusReady, nil)
	})
	if err != nil {
		return 0, err
	}

	s.emit(events.SessionReset, sessionID, map[string]interface{}{"objects_cleared": cleared})
	return cleared, nil
}

// Close releases the engine session and removes the session. It returns the
// engine memory the session held, when known. A failed engine close leaves
// the session in error so the close can be retried. The session is removed
// before it is let go, so no other operation can reach the closed engine
// session.
func (s *VideoService) Close(ctx context.Context, sessionID string) (float64, error) {
	var (
		freedMB  float64
		snapshot *models.Session
	)
	err := s.registry.WithSession(sessionID, func(session *models.Session) error {
		snapshot = session
		if session.EngineSessionID != "" && s.engine != nil {
			if info, err := s.engine.SessionInfo(ctx, session.EngineSessionID); err == nil {
				freedMB = info.GPUMemoryMB
			}
			if err := s.engine.CloseSession(ctx, session.EngineSessionID); err != nil {
				return s.engineFailed(sessionID, "close", err)
			}
		}
		s.registry.Delete(sessionID)
		return nil
	})
	if err != nil {
		return 0, err
	}

	snapshot.Status = models.StatusClosed
	slog.Info("session closed", "session_id", sessionID, "memory_freed_mb", freedMB)
	s.events.Emit(events.ForSession(events.SessionClosed, snapshot, map[string]interface{}{"memory_freed_mb": freedMB}))
	return freedMB, nil
}

// List returns every live session
func (s *VideoService) List() []*models.Session {
	return s.registry.List()
}

// HandleEvicted releases engine state for a session the registry swept
func (s *VideoService) HandleEvicted(session *models.Session) {
	s.release(session)
	s.events.Emit(events.ForSession(events.SessionExpired, session, nil))
}

func (s *VideoService) release(session *models.Session) {
	if s.engine == nil || session.EngineSessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := s.engine.CloseSession(ctx, session.EngineSessionID); err != nil {
		slog.Warn("failed to close engine session", "session_id", session.ID, "error", err)
	}
}

// Shutdown removes every session and closes its engine state
func (s *VideoService) Shutdown() int {
	sessions := s.registry.Clear()
	for _, session := range sessions {
		s.release(session)
		s.events.Emit(events.ForSession(events.SessionClosed, session, map[string]interface{}{"reason": "shutdown"}))
	}
	if len(sessions) > 0 {
		slog.Info("closed sessions on shutdown", "count", len(sessions))
	}
	return len(sessions)
}
