package service_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segmentation-gateway/internal/models"
	"segmentation-gateway/internal/ratelimit"
	"segmentation-gateway/internal/service"
)

type purger struct {
	cutoff time.Time
	calls  int
}

func (p *purger) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	p.calls++
	p.cutoff = cutoff
	return 3, nil
}

func writeAged(t *testing.T, path string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, old, old))
}

func TestJanitor_RunOnce(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clock := newTestClock()
	registry := service.NewRegistry(service.RegistryConfig{SessionTimeout: time.Minute, Now: clock.Now})

	live, err := registry.Create("", models.KindVideo, nil)
	require.NoError(t, err)
	inUse := filepath.Join(dir, "in-use.mp4")
	require.NoError(t, registry.SetEngineSession(live.ID, "eng", inUse))

	writeAged(t, inUse, 48*time.Hour)
	writeAged(t, filepath.Join(dir, "stale.mp4"), 48*time.Hour)
	writeAged(t, filepath.Join(dir, "fresh.mp4"), time.Minute)

	limiter := ratelimit.New(ratelimit.Config{RequestsPerMinute: 10, IdleTimeout: time.Minute, Now: clock.Now})
	limiter.Allow("client-a")

	audit := &purger{}
	j := service.NewJanitor(service.JanitorConfig{
		UploadDir:       dir,
		UploadRetention: 24 * time.Hour,
		AuditRetention:  7 * 24 * time.Hour,
	}, registry, limiter, audit)

	j.RunOnce(context.Background())

	assert.FileExists(t, inUse)
	assert.FileExists(t, filepath.Join(dir, "fresh.mp4"))
	assert.NoFileExists(t, filepath.Join(dir, "stale.mp4"))
	assert.Equal(t, 1, registry.Count())
	assert.Equal(t, 1, audit.calls)

	// once idle, the session and its client bucket go too
	clock.Advance(5 * time.Minute)
	j.RunOnce(context.Background())
	assert.Zero(t, registry.Count())
	assert.Zero(t, limiter.Clients())
	assert.NoFileExists(t, inUse)
}

func TestJanitor_StartStopsWithContext(t *testing.T) {
	t.Parallel()

	registry := service.NewRegistry(service.RegistryConfig{})
	j := service.NewJanitor(service.JanitorConfig{Interval: time.Millisecond}, registry, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Start(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
