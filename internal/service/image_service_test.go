package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segmentation-gateway/internal/cache"
	"segmentation-gateway/internal/engine/mock"
	"segmentation-gateway/internal/events"
	"segmentation-gateway/internal/models"
	"segmentation-gateway/internal/service"
)

func segmentResult() *models.SegmentResult {
	return &models.SegmentResult{Masks: []string{"rle"}, Boxes: [][]float64{{0.5, 0.5, 0.2, 0.2}}, Scores: []float64{0.8}, Width: 8, Height: 8}
}

func TestImageService_Segment(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{
		SegmentFn: func(ctx context.Context, image []byte, prompts []models.Prompt, threshold float64) (*models.SegmentResult, error) {
			assert.Equal(t, []byte("png"), image)
			assert.InDelta(t, 0.4, threshold, 1e-9)
			return segmentResult(), nil
		},
	}
	svc := service.NewImageService(eng, nil, service.NewRegistry(service.RegistryConfig{}), nil)

	res, err := svc.Segment(context.Background(), []byte("png"), textPrompt(), 0.4)
	require.NoError(t, err)
	assert.Len(t, res.Masks, 1)

	_, err = svc.Segment(context.Background(), nil, textPrompt(), 0.4)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
	_, err = svc.Segment(context.Background(), []byte("png"), textPrompt(), 1.5)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	eng.SegmentFn = func(ctx context.Context, image []byte, prompts []models.Prompt, threshold float64) (*models.SegmentResult, error) {
		return nil, errors.New("boom")
	}
	_, err = svc.Segment(context.Background(), []byte("png"), textPrompt(), 0.4)
	assert.ErrorIs(t, err, models.ErrEngineFailure)
}

func TestImageService_SegmentCached(t *testing.T) {
	t.Parallel()

	var computes atomic.Int32
	eng := &mock.Engine{
		ComputeFeaturesFn: func(ctx context.Context, image []byte) (*models.Features, error) {
			computes.Add(1)
			return &models.Features{Handle: "h1", Data: make([]byte, 16)}, nil
		},
		SegmentWithFeaturesFn: func(ctx context.Context, features *models.Features, textPrompts []string, threshold float64) ([]models.SegmentResult, error) {
			out := make([]models.SegmentResult, len(textPrompts))
			for i := range out {
				out[i] = *segmentResult()
			}
			return out, nil
		},
	}
	features := cache.New(cache.Config{MaxBytes: 1 << 20})
	svc := service.NewImageService(eng, features, service.NewRegistry(service.RegistryConfig{}), nil)
	ctx := context.Background()

	first, err := svc.SegmentCached(ctx, []byte("image"), []string{"cat", "dog"}, 0.5)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.Len(t, first.Results, 2)
	assert.Equal(t, cache.ComputeKey([]byte("image")), first.CacheKey)

	second, err := svc.SegmentCached(ctx, []byte("image"), []string{"cat"}, 0.5)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, int32(1), computes.Load())

	require.NoError(t, svc.EvictFeatures(first.CacheKey))
	assert.ErrorIs(t, svc.EvictFeatures(first.CacheKey), models.ErrCacheKeyNotFound)

	_, err = svc.SegmentCached(ctx, []byte("image"), nil, 0.5)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestImageService_SegmentCachedWithoutCacheReleases(t *testing.T) {
	t.Parallel()

	var released []string
	eng := &mock.Engine{
		ComputeFeaturesFn: func(ctx context.Context, image []byte) (*models.Features, error) {
			return &models.Features{Handle: "h-tmp"}, nil
		},
		SegmentWithFeaturesFn: func(ctx context.Context, features *models.Features, textPrompts []string, threshold float64) ([]models.SegmentResult, error) {
			return []models.SegmentResult{*segmentResult()}, nil
		},
		ReleaseFeaturesFn: func(ctx context.Context, handle string) error {
			released = append(released, handle)
			return nil
		},
	}
	svc := service.NewImageService(eng, nil, service.NewRegistry(service.RegistryConfig{}), nil)

	res, err := svc.SegmentCached(context.Background(), []byte("image"), []string{"cat"}, 0.5)
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	assert.Equal(t, []string{"h-tmp"}, released)
	assert.False(t, svc.CacheEnabled())
	assert.Zero(t, svc.ClearFeatures())
}

func TestImageService_Batch(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		inFlight int
		peak     int
	)
	eng := &mock.Engine{
		SegmentFn: func(ctx context.Context, image []byte, prompts []models.Prompt, threshold float64) (*models.SegmentResult, error) {
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()
			defer func() {
				mu.Lock()
				inFlight--
				mu.Unlock()
			}()

			time.Sleep(5 * time.Millisecond)
			if string(image) == "bad" {
				return nil, errors.New("decode failed")
			}
			return segmentResult(), nil
		},
	}
	registry := service.NewRegistry(service.RegistryConfig{MaxSessions: 1})
	rec := &recorder{}
	svc := service.NewImageService(eng, nil, registry, rec)

	var images []service.BatchImage
	for _, name := range []string{"a", "bad", "c", "d", "e", "f"} {
		images = append(images, service.BatchImage{ID: "img-" + name, Image: []byte(name), Prompts: textPrompt()})
	}
	res, err := svc.Batch(context.Background(), service.BatchRequest{Images: images, Threshold: 0.5, MaxConcurrent: 2})
	require.NoError(t, err)

	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, 5, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Items, len(images))
	for i, item := range res.Items {
		assert.Equal(t, images[i].ID, item.ID, "items keep input order")
	}
	assert.ErrorIs(t, res.Items[1].Err, models.ErrEngineFailure)
	assert.LessOrEqual(t, peak, 2)

	assert.Zero(t, registry.Count(), "batch session is removed when the batch ends")
	assert.Equal(t, []events.Type{events.BatchCompleted}, rec.Types())
}

func TestImageService_BatchValidation(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{}
	registry := service.NewRegistry(service.RegistryConfig{MaxSessions: 1})
	svc := service.NewImageService(eng, nil, registry, nil)
	ctx := context.Background()

	one := []service.BatchImage{{ID: "a", Image: []byte("a"), Prompts: textPrompt()}}

	_, err := svc.Batch(ctx, service.BatchRequest{})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, err = svc.Batch(ctx, service.BatchRequest{Images: []service.BatchImage{{ID: "a", Image: []byte("a")}}})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, err = svc.Batch(ctx, service.BatchRequest{Images: one, MaxConcurrent: 17})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	// a batch needs a registry slot like any other session
	_, err = registry.Create("", models.KindVideo, nil)
	require.NoError(t, err)
	_, err = svc.Batch(ctx, service.BatchRequest{Images: one})
	assert.ErrorIs(t, err, models.ErrCapacityExceeded)
}

func TestImageService_SegmentCachedEvictionWaitsForInFlight(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		released []string
		inUse    = map[string]bool{}
		misuse   bool
	)
	entered := make(chan struct{})
	unblock := make(chan struct{})
	eng := &mock.Engine{
		ComputeFeaturesFn: func(ctx context.Context, image []byte) (*models.Features, error) {
			// 1 byte handle plus 8 bytes of data
			return &models.Features{Handle: string(image), Data: make([]byte, 8)}, nil
		},
		SegmentWithFeaturesFn: func(ctx context.Context, features *models.Features, textPrompts []string, threshold float64) ([]models.SegmentResult, error) {
			mu.Lock()
			inUse[features.Handle] = true
			mu.Unlock()
			if features.Handle == "a" {
				close(entered)
				<-unblock
			}
			mu.Lock()
			delete(inUse, features.Handle)
			mu.Unlock()
			return []models.SegmentResult{*segmentResult()}, nil
		},
		ReleaseFeaturesFn: func(ctx context.Context, handle string) error {
			mu.Lock()
			defer mu.Unlock()
			if inUse[handle] {
				misuse = true
			}
			released = append(released, handle)
			return nil
		},
	}

	var svc *service.ImageService
	features := cache.New(cache.Config{
		MaxBytes: 10,
		OnEvict:  func(key string, f *models.Features) { svc.ReleaseEvicted(key, f) },
	})
	svc = service.NewImageService(eng, features, service.NewRegistry(service.RegistryConfig{}), nil)
	ctx := context.Background()

	errA := make(chan error, 1)
	go func() {
		_, err := svc.SegmentCached(ctx, []byte("a"), []string{"cat"}, 0.5)
		errA <- err
	}()
	<-entered

	// b does not fit next to a, so a leaves the cache while still in use
	_, err := svc.SegmentCached(ctx, []byte("b"), []string{"cat"}, 0.5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), svc.CacheStats().Evictions)

	mu.Lock()
	assert.NotContains(t, released, "a")
	mu.Unlock()

	close(unblock)
	require.NoError(t, <-errA)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, misuse, "features released while a request was using them")
	assert.Equal(t, []string{"a"}, released)
}

func TestImageService_SegmentCachedReleasesOversizedFeatures(t *testing.T) {
	t.Parallel()

	var released []string
	eng := &mock.Engine{
		ComputeFeaturesFn: func(ctx context.Context, image []byte) (*models.Features, error) {
			return &models.Features{Handle: "big", Data: make([]byte, 100)}, nil
		},
		SegmentWithFeaturesFn: func(ctx context.Context, features *models.Features, textPrompts []string, threshold float64) ([]models.SegmentResult, error) {
			return []models.SegmentResult{*segmentResult()}, nil
		},
		ReleaseFeaturesFn: func(ctx context.Context, handle string) error {
			released = append(released, handle)
			return nil
		},
	}
	var svc *service.ImageService
	features := cache.New(cache.Config{
		MaxBytes: 10,
		OnEvict:  func(key string, f *models.Features) { svc.ReleaseEvicted(key, f) },
	})
	svc = service.NewImageService(eng, features, service.NewRegistry(service.RegistryConfig{}), nil)

	res, err := svc.SegmentCached(context.Background(), []byte("image"), []string{"cat"}, 0.5)
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	assert.Zero(t, svc.CacheStats().Entries)
	assert.Equal(t, []string{"big"}, released)
}
