// Package propagation drives the engine's lazy per-frame tracking results to
// batch callers and streaming consumers.
package propagation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"segmentation-gateway/internal/engine"
	"segmentation-gateway/internal/models"
)

// Sessions is the part of the session registry the coordinator needs
type Sessions interface {
	WithSession(id string, op func(session *models.Session) error) error
	UpdateStatus(id string, status models.SessionStatus, cause error) error
	UpdateStats(id string, objectsCount, framesProcessed *int) error
}

// Outcome is the terminal state of one propagation run
type Outcome string

const (
	Completed Outcome = "completed"
	Cancelled Outcome = "cancelled"
	Failed    Outcome = "failed"
)

// Result summarizes a propagation run
type Result struct {
	Outcome         Outcome
	FramesDelivered int
	Duration        time.Duration
	// Err is set for Failed runs and wraps models.ErrEngineFailure
	Err error
}

// BatchResult is the materialized output of RunBatch
type BatchResult struct {
	Frames      []models.FrameResult // in engine yield order
	TotalFrames int                  // distinct frame indexes among Frames
	Duration    time.Duration
}

// Coordinator pulls frames from the engine one at a time and hands them to a
// consumer. Exactly one run per session can be active; the registry enforces it.
type Coordinator struct {
	sessions Sessions
	engine   engine.VideoEngine
}

// NewCoordinator creates a propagation coordinator
func NewCoordinator(sessions Sessions, eng engine.VideoEngine) *Coordinator {
	return &Coordinator{sessions: sessions, engine: eng}
}

// emitFunc delivers one frame; an error means the consumer is gone
type emitFunc func(ctx context.Context, frame models.FrameResult) error

// RunBatch propagates to exhaustion (or req.MaxFrames) and returns every frame.
// A cancelled ctx yields models.ErrCancelled.
func (c *Coordinator) RunBatch(ctx context.Context, sessionID string, req models.PropagateRequest) (*BatchResult, error) {
	var frames []models.FrameResult
	seen := make(map[int]struct{})
	res, err := c.run(ctx, sessionID, req, func(_ context.Context, frame models.FrameResult) error {
		frames = append(frames, frame)
		seen[frame.FrameIndex] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch res.Outcome {
	case Failed:
		return nil, res.Err
	case Cancelled:
		return nil, fmt.Errorf("propagation for %s: %w", sessionID, models.ErrCancelled)
	}
	return &BatchResult{Frames: frames, TotalFrames: len(seen), Duration: res.Duration}, nil
}

// RunStreaming propagates and sends each frame to sink as it is produced.
// A completed run ends with a complete message and a failed run with an
// error message; a cancelled run (ctx done or sink error) sends nothing more.
// The returned error is non-nil only when the run could not start (session
// missing or busy, invalid request), in which case nothing was sent.
func (c *Coordinator) RunStreaming(ctx context.Context, sessionID string, req models.PropagateRequest, sink Sink) (*Result, error) {
	res, err := c.run(ctx, sessionID, req, func(ctx context.Context, frame models.FrameResult) error {
		return sink.Send(ctx, models.FrameMessage(frame))
	})
	if err != nil {
		return nil, err
	}

	switch res.Outcome {
	case Completed:
		if err := sink.Send(ctx, models.CompleteMessage(res.FramesDelivered)); err != nil {
			slog.Debug("consumer gone before complete message", "session_id", sessionID, "error", err)
		}
	case Failed:
		// engine details stay in the server log
		if err := sink.Send(ctx, models.ErrorMessage("propagation failed")); err != nil {
			slog.Debug("consumer gone before error message", "session_id", sessionID, "error", err)
		}
	}
	return res, nil
}

func (c *Coordinator) run(ctx context.Context, sessionID string, req models.PropagateRequest, emit emitFunc) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var res *Result
	err := c.sessions.WithSession(sessionID, func(session *models.Session) error {
		if session.Kind != models.KindVideo || session.EngineSessionID == "" {
			return fmt.Errorf("%w: session %s has no video loaded", models.ErrInvalidRequest, sessionID)
		}
		if err := c.sessions.UpdateStatus(sessionID, models.StatusProcessing, nil); err != nil {
			return err
		}
		res = c.pull(ctx, session, req, emit)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// pull runs the frame loop for a held session and settles its status
func (c *Coordinator) pull(ctx context.Context, session *models.Session, req models.PropagateRequest, emit emitFunc) *Result {
	start := time.Now()
	res := &Result{}
	logger := slog.With("session_id", session.ID, "direction", req.Direction)

	it, err := c.engine.Propagate(ctx, session.EngineSessionID, req)
	if err != nil {
		if ctx.Err() != nil {
			res.Outcome = Cancelled
		} else {
			res.Outcome = Failed
			res.Err = fmt.Errorf("%w: propagate: %w", models.ErrEngineFailure, err)
		}
		c.settle(session.ID, res, nil, logger)
		res.Duration = time.Since(start)
		return res
	}

	res.Outcome = c.loop(ctx, it, req, emit, res, logger)
	closeErr := it.Close()

	res.Duration = time.Since(start)
	c.settle(session.ID, res, closeErr, logger)
	return res
}

func (c *Coordinator) loop(ctx context.Context, it engine.FrameIterator, req models.PropagateRequest, emit emitFunc, res *Result, logger *slog.Logger) Outcome {
	for {
		if req.MaxFrames != nil && res.FramesDelivered >= *req.MaxFrames {
			return Completed
		}
		if ctx.Err() != nil {
			return Cancelled
		}

		frame, err := it.Next()
		if errors.Is(err, io.EOF) {
			return Completed
		}
		if err != nil {
			if ctx.Err() != nil {
				return Cancelled
			}
			res.Err = fmt.Errorf("%w: frame %d: %w", models.ErrEngineFailure, res.FramesDelivered, err)
			return Failed
		}

		if err := emit(ctx, frame); err != nil {
			logger.Info("propagation consumer cancelled", "frame_index", frame.FrameIndex, "reason", err)
			return Cancelled
		}
		res.FramesDelivered++
	}
}

// settle maps the run outcome back onto the session
func (c *Coordinator) settle(sessionID string, res *Result, closeErr error, logger *slog.Logger) {
	frames := res.FramesDelivered
	if err := c.sessions.UpdateStats(sessionID, nil, &frames); err != nil {
		logger.Warn("failed to record frames processed", "error", err)
	}

	status := models.StatusReady
	var cause error
	switch {
	case res.Outcome == Failed:
		status, cause = models.StatusError, res.Err
		logger.Error("propagation failed", "frames", frames, "error", res.Err)
	case closeErr != nil && res.Outcome == Cancelled:
		status, cause = models.StatusError, fmt.Errorf("%w: closing cancelled propagation: %w", models.ErrEngineFailure, closeErr)
		logger.Error("engine iterator did not close cleanly", "error", closeErr)
	case closeErr != nil:
		logger.Warn("engine iterator close failed after completion", "error", closeErr)
	default:
		logger.Info("propagation finished", "outcome", res.Outcome, "frames", frames)
	}

	if err := c.sessions.UpdateStatus(sessionID, status, cause); err != nil {
		logger.Warn("failed to settle session status", "error", err)
	}
}
