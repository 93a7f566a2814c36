package service_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segmentation-gateway/internal/engine"
	"segmentation-gateway/internal/engine/mock"
	"segmentation-gateway/internal/events"
	"segmentation-gateway/internal/models"
	"segmentation-gateway/internal/propagation"
	"segmentation-gateway/internal/service"
	"segmentation-gateway/pkg/ffmpeg"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type videoFixture struct {
	svc      *service.VideoService
	registry *service.Registry
	engine   *mock.Engine
	events   *recorder
	clock    *testClock
	video    string

	mu     sync.Mutex
	closed []string
}

func (f *videoFixture) Closed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

func newVideoFixture(t *testing.T, maxSessions int) *videoFixture {
	t.Helper()

	dir := t.TempDir()
	video := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(video, []byte("not really a video"), 0o644))

	sources, err := service.NewSourceResolver(service.SourceConfig{
		UploadDir:    filepath.Join(dir, "uploads"),
		AllowedPaths: []string{filepath.ToSlash(dir) + "/*.mp4"},
	})
	require.NoError(t, err)

	f := &videoFixture{events: &recorder{}, clock: newTestClock(), video: video}
	f.engine = &mock.Engine{
		StartVideoSessionFn: func(ctx context.Context, sourcePath, sessionID string) (string, models.VideoInfo, error) {
			return "eng-" + sessionID, models.VideoInfo{TotalFrames: 30, FPS: 30, Width: 640, Height: 480}, nil
		},
		AddPromptFn: func(ctx context.Context, engineSessionID string, req models.AddPromptRequest) (*models.PromptResult, error) {
			return &models.PromptResult{FrameIndex: req.FrameIndex, ObjectIDs: []int{1}}, nil
		},
		CloseSessionFn: func(ctx context.Context, engineSessionID string) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.closed = append(f.closed, engineSessionID)
			return nil
		},
		SessionInfoFn: func(ctx context.Context, engineSessionID string) (*models.EngineSessionInfo, error) {
			return &models.EngineSessionInfo{NumFrames: 30, GPUMemoryMB: 256}, nil
		},
		ResetSessionFn: func(ctx context.Context, engineSessionID string) error { return nil },
		RemoveObjectFn: func(ctx context.Context, engineSessionID string, objectID int) error { return nil },
	}
	f.registry = service.NewRegistry(service.RegistryConfig{
		MaxSessions:    maxSessions,
		SessionTimeout: time.Minute,
		Now:            f.clock.Now,
		OnEvict:        func(s *models.Session) { f.svc.HandleEvicted(s) },
	})
	f.svc = service.NewVideoService(f.registry, f.engine, sources, f.events)
	return f
}

func (f *videoFixture) start(t *testing.T) *models.Session {
	t.Helper()
	s, err := f.svc.StartSession(context.Background(), service.VideoSource{Path: f.video}, "")
	require.NoError(t, err)
	return s
}

func textPrompt() []models.Prompt {
	return []models.Prompt{{Type: models.PromptText, Text: "dog"}}
}

func TestVideoService_StartSession(t *testing.T) {
	t.Parallel()

	f := newVideoFixture(t, 2)
	s := f.start(t)

	assert.Equal(t, models.StatusReady, s.Status)
	assert.Equal(t, "eng-"+s.ID, s.EngineSessionID)
	assert.Equal(t, f.video, s.SourcePath)
	require.NotNil(t, s.VideoInfo)
	assert.Equal(t, 30, s.VideoInfo.TotalFrames)
	assert.InDelta(t, 1.0, s.VideoInfo.DurationSeconds, 1e-9)
	assert.Equal(t, []events.Type{events.SessionCreated}, f.events.Types())
}

func TestVideoService_StartSessionProbesMissingInfo(t *testing.T) {
	t.Parallel()

	f := newVideoFixture(t, 2)
	f.engine.StartVideoSessionFn = func(ctx context.Context, sourcePath, sessionID string) (string, models.VideoInfo, error) {
		return "eng", models.VideoInfo{TotalFrames: 50}, nil
	}
	f.svc.SetProbe(func(ctx context.Context, path string) (*ffmpeg.Metadata, error) {
		return &ffmpeg.Metadata{Width: 1920, Height: 1080, FPS: 25, TotalFrames: 49}, nil
	})

	s := f.start(t)
	assert.Equal(t, 1920, s.VideoInfo.Width)
	assert.Equal(t, 1080, s.VideoInfo.Height)
	assert.InDelta(t, 25.0, s.VideoInfo.FPS, 1e-9)
	assert.Equal(t, 50, s.VideoInfo.TotalFrames, "engine frame count wins")
	assert.InDelta(t, 2.0, s.VideoInfo.DurationSeconds, 1e-9)
}

func TestVideoService_StartSessionRejectsSource(t *testing.T) {
	t.Parallel()

	f := newVideoFixture(t, 2)
	f.engine.StartVideoSessionFn = func(ctx context.Context, sourcePath, sessionID string) (string, models.VideoInfo, error) {
		t.Fatal("engine must not be called")
		return "", models.VideoInfo{}, nil
	}

	_, err := f.svc.StartSession(context.Background(), service.VideoSource{Path: "/etc/passwd"}, "")
	assert.ErrorIs(t, err, models.ErrInvalidSource)

	_, err = f.svc.StartSession(context.Background(), service.VideoSource{}, "")
	assert.ErrorIs(t, err, models.ErrInvalidSource)
	assert.Zero(t, f.registry.Count())
}

func TestVideoService_StartSessionEngineFailure(t *testing.T) {
	t.Parallel()

	f := newVideoFixture(t, 2)
	f.engine.StartVideoSessionFn = func(ctx context.Context, sourcePath, sessionID string) (string, models.VideoInfo, error) {
		return "", models.VideoInfo{}, errors.New("cuda out of memory")
	}

	_, err := f.svc.StartSession(context.Background(), service.VideoSource{Path: f.video}, "")
	assert.ErrorIs(t, err, models.ErrEngineFailure)
	assert.Zero(t, f.registry.Count(), "failed start must not hold capacity")
}

func TestVideoService_StartSessionCapacity(t *testing.T) {
	t.Parallel()

	f := newVideoFixture(t, 1)
	f.start(t)

	_, err := f.svc.StartSession(context.Background(), service.VideoSource{Path: f.video}, "")
	assert.ErrorIs(t, err, models.ErrCapacityExceeded)
	assert.True(t, models.IsRetryable(err))
}

func TestVideoService_AddPrompt(t *testing.T) {
	t.Parallel()

	f := newVideoFixture(t, 2)
	s := f.start(t)
	ctx := context.Background()

	t.Run("records objects", func(t *testing.T) {
		res, err := f.svc.AddPrompt(ctx, s.ID, models.AddPromptRequest{FrameIndex: 3, Prompts: textPrompt()})
		require.NoError(t, err)
		assert.Equal(t, []int{1}, res.ObjectIDs)

		got, err := f.registry.Get(s.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.ObjectsCount)
	})

	t.Run("frame out of range", func(t *testing.T) {
		_, err := f.svc.AddPrompt(ctx, s.ID, models.AddPromptRequest{FrameIndex: 30, Prompts: textPrompt()})
		assert.ErrorIs(t, err, models.ErrInvalidRequest)
	})

	t.Run("invalid prompt", func(t *testing.T) {
		_, err := f.svc.AddPrompt(ctx, s.ID, models.AddPromptRequest{Prompts: []models.Prompt{{Type: models.PromptBox}}})
		assert.ErrorIs(t, err, models.ErrInvalidRequest)
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := f.svc.AddPrompt(ctx, "missing", models.AddPromptRequest{Prompts: textPrompt()})
		assert.ErrorIs(t, err, models.ErrSessionNotFound)
	})
}

func TestVideoService_EngineFailureMarksSessionError(t *testing.T) {
	t.Parallel()

	f := newVideoFixture(t, 2)
	s := f.start(t)
	ctx := context.Background()

	failing := f.engine.AddPromptFn
	f.engine.AddPromptFn = func(ctx context.Context, engineSessionID string, req models.AddPromptRequest) (*models.PromptResult, error) {
		return nil, errors.New("tensor shape mismatch")
	}
	_, err := f.svc.AddPrompt(ctx, s.ID, models.AddPromptRequest{Prompts: textPrompt()})
	require.ErrorIs(t, err, models.ErrEngineFailure)

	got, err := f.registry.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got.Status)
	assert.Contains(t, got.LastError, "tensor shape mismatch")
	assert.Contains(t, f.events.Types(), events.SessionFailed)

	// an errored session still accepts work
	f.engine.AddPromptFn = failing
	_, err = f.svc.AddPrompt(ctx, s.ID, models.AddPromptRequest{Prompts: textPrompt()})
	require.NoError(t, err)
	got, err = f.registry.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, got.Status)
	assert.Empty(t, got.LastError)
}

func TestVideoService_Propagate(t *testing.T) {
	t.Parallel()

	f := newVideoFixture(t, 2)
	s := f.start(t)
	frames := mock.NewFrames(5)
	f.engine.PropagateFn = func(ctx context.Context, engineSessionID string, req models.PropagateRequest) (engine.FrameIterator, error) {
		assert.Equal(t, "eng-"+s.ID, engineSessionID)
		assert.Equal(t, models.DirectionForward, req.Direction)
		return frames, nil
	}

	res, err := f.svc.Propagate(context.Background(), s.ID, models.PropagateRequest{Direction: models.DirectionForward})
	require.NoError(t, err)
	assert.Equal(t, 5, res.TotalFrames)
	assert.Equal(t, 1, frames.Closed())
	assert.Contains(t, f.events.Types(), events.PropagationCompleted)

	got, err := f.registry.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.FramesProcessed)
	assert.Equal(t, models.StatusReady, got.Status)
}

func TestVideoService_StreamHoldsSession(t *testing.T) {
	t.Parallel()

	f := newVideoFixture(t, 2)
	s := f.start(t)
	f.engine.PropagateFn = func(ctx context.Context, engineSessionID string, req models.PropagateRequest) (engine.FrameIterator, error) {
		return mock.NewFrames(3), nil
	}

	sink := propagation.NewChannelSink(0)
	done := make(chan *propagation.Result, 1)
	go func() {
		res, err := f.svc.Stream(context.Background(), s.ID, models.PropagateRequest{}, sink)
		assert.NoError(t, err)
		done <- res
	}()

	first := <-sink.Messages()
	assert.Equal(t, models.StreamFrame, first.Type)

	// the stream is parked on the next send and still holds the session
	_, err := f.svc.AddPrompt(context.Background(), s.ID, models.AddPromptRequest{Prompts: textPrompt()})
	assert.ErrorIs(t, err, models.ErrBusy)

	status, err := f.svc.Status(context.Background(), s.ID)
	require.NoError(t, err)
	assert.False(t, status.Live)
	assert.Equal(t, models.StatusProcessing, status.Session.Status)

	var rest []models.StreamMessage
	for msg := range sink.Messages() {
		rest = append(rest, msg)
		if msg.IsTerminal() {
			break
		}
	}
	require.Len(t, rest, 3)
	assert.Equal(t, models.StreamComplete, rest[2].Type)
	assert.Equal(t, 3, *rest[2].TotalFrames)

	res := <-done
	assert.Equal(t, propagation.Completed, res.Outcome)
	assert.Contains(t, f.events.Types(), events.PropagationCompleted)
}

func TestVideoService_Status(t *testing.T) {
	t.Parallel()

	f := newVideoFixture(t, 2)
	s := f.start(t)

	status, err := f.svc.Status(context.Background(), s.ID)
	require.NoError(t, err)
	assert.True(t, status.Live)
	assert.InDelta(t, 256.0, status.GPUMemoryMB, 1e-9)

	f.engine.SessionInfoFn = func(ctx context.Context, engineSessionID string) (*models.EngineSessionInfo, error) {
		return nil, errors.New("engine restarting")
	}
	status, err = f.svc.Status(context.Background(), s.ID)
	require.NoError(t, err, "status falls back to registry data")
	assert.False(t, status.Live)
	assert.Equal(t, models.StatusReady, status.Session.Status)

	_, err = f.svc.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestVideoService_StatusDoesNotHoldSession(t *testing.T) {
	t.Parallel()

	f := newVideoFixture(t, 2)
	s := f.start(t)
	ctx := context.Background()

	inInfo := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	f.engine.SessionInfoFn = func(ctx context.Context, engineSessionID string) (*models.EngineSessionInfo, error) {
		once.Do(func() { close(inInfo) })
		<-unblock
		return &models.EngineSessionInfo{GPUMemoryMB: 64}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Status(ctx, s.ID)
		done <- err
	}()
	<-inInfo

	// a mutation is not turned away while status is being polled
	_, err := f.svc.AddPrompt(ctx, s.ID, models.AddPromptRequest{Prompts: textPrompt()})
	assert.NoError(t, err)
	_, err = f.svc.Reset(ctx, s.ID)
	assert.NoError(t, err)

	close(unblock)
	require.NoError(t, <-done)
}

func TestVideoService_RemoveObjectAndReset(t *testing.T) {
	t.Parallel()

	f := newVideoFixture(t, 2)
	s := f.start(t)
	ctx := context.Background()

	f.engine.AddPromptFn = func(ctx context.Context, engineSessionID string, req models.AddPromptRequest) (*models.PromptResult, error) {
		return &models.PromptResult{ObjectIDs: []int{1, 2, 3}}, nil
	}
	_, err := f.svc.AddPrompt(ctx, s.ID, models.AddPromptRequest{Prompts: textPrompt()})
	require.NoError(t, err)

	require.NoError(t, f.svc.RemoveObject(ctx, s.ID, 2))
	got, err := f.registry.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ObjectsCount)

	assert.ErrorIs(t, f.svc.RemoveObject(ctx, s.ID, -1), models.ErrInvalidRequest)

	cleared, err := f.svc.Reset(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, cleared)
	got, err = f.registry.Get(s.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ObjectsCount)
	assert.Zero(t, got.FramesProcessed)

	types := f.events.Types()
	assert.Contains(t, types, events.ObjectRemoved)
	assert.Contains(t, types, events.SessionReset)
}

func TestVideoService_Close(t *testing.T) {
	t.Parallel()

	f := newVideoFixture(t, 2)
	s := f.start(t)
	ctx := context.Background()

	freed, err := f.svc.Close(ctx, s.ID)
	require.NoError(t, err)
	assert.InDelta(t, 256.0, freed, 1e-9)
	assert.Equal(t, []string{"eng-" + s.ID}, f.Closed())
	assert.Zero(t, f.registry.Count())
	assert.Contains(t, f.events.Types(), events.SessionClosed)

	_, err = f.svc.Close(ctx, s.ID)
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestVideoService_CloseRemovesSessionBeforeReleasingIt(t *testing.T) {
	t.Parallel()

	f := newVideoFixture(t, 2)
	s := f.start(t)
	ctx := context.Background()

	var (
		mu          sync.Mutex
		closed      bool
		lateEngines int
	)
	f.engine.CloseSessionFn = func(ctx context.Context, engineSessionID string) error {
		mu.Lock()
		defer mu.Unlock()
		closed = true
		return nil
	}
	f.engine.RemoveObjectFn = func(ctx context.Context, engineSessionID string, objectID int) error {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			lateEngines++
		}
		return nil
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				err := f.svc.RemoveObject(ctx, s.ID, 1)
				if errors.Is(err, models.ErrSessionNotFound) {
					return
				}
			}
		}()
	}

	require.Eventually(t, func() bool {
		_, err := f.svc.Close(ctx, s.ID)
		return err == nil
	}, time.Second, time.Millisecond)
	close(stop)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, lateEngines, "engine reached after its session was closed")
	_, err := f.registry.Get(s.ID)
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestVideoService_CloseFailureKeepsSession(t *testing.T) {
	t.Parallel()

	f := newVideoFixture(t, 2)
	s := f.start(t)
	f.engine.CloseSessionFn = func(ctx context.Context, engineSessionID string) error {
		return errors.New("engine unreachable")
	}

	_, err := f.svc.Close(context.Background(), s.ID)
	require.ErrorIs(t, err, models.ErrEngineFailure)

	got, err := f.registry.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got.Status)
}

func TestVideoService_ExpiredSessionsReleaseEngineState(t *testing.T) {
	t.Parallel()

	f := newVideoFixture(t, 2)
	s := f.start(t)

	f.clock.Advance(2 * time.Minute)
	swept := f.registry.SweepExpired()
	require.Len(t, swept, 1)

	assert.Equal(t, []string{"eng-" + s.ID}, f.Closed())
	assert.Contains(t, f.events.Types(), events.SessionExpired)
}

func TestVideoService_Shutdown(t *testing.T) {
	t.Parallel()

	f := newVideoFixture(t, 3)
	f.start(t)
	f.start(t)

	assert.Equal(t, 2, f.svc.Shutdown())
	assert.Len(t, f.Closed(), 2)
	assert.Zero(t, f.registry.Count())
}

func TestVideoService_EngineDisabled(t *testing.T) {
	t.Parallel()

	registry := service.NewRegistry(service.RegistryConfig{})
	svc := service.NewVideoService(registry, nil, nil, nil)

	_, err := svc.StartSession(context.Background(), service.VideoSource{Path: "/x.mp4"}, "")
	assert.ErrorIs(t, err, models.ErrEngineUnavailable)
	_, err = svc.Propagate(context.Background(), "any", models.PropagateRequest{})
	assert.ErrorIs(t, err, models.ErrEngineUnavailable)
}
