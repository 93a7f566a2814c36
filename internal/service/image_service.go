package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"segmentation-gateway/internal/cache"
	"segmentation-gateway/internal/engine"
	"segmentation-gateway/internal/events"
	"segmentation-gateway/internal/models"
)

// Batch concurrency bounds
const (
	MinBatchConcurrency     = 1
	MaxBatchConcurrency     = 16
	DefaultBatchConcurrency = 4
)

// CachedSegmentation is the result of a multi-prompt pass over cached features
type CachedSegmentation struct {
	Results  []models.SegmentResult
	CacheHit bool
	CacheKey string
}

// BatchImage is one image of a batch with its own prompts
type BatchImage struct {
	ID      string
	Image   []byte
	Prompts []models.Prompt
}

// BatchRequest segments many images
type BatchRequest struct {
	Images        []BatchImage
	Threshold     float64
	MaxConcurrent int
}

// BatchItem is the outcome for one image of a batch
type BatchItem struct {
	ID     string
	Result *models.SegmentResult
	Err    error
}

// BatchResult collects a batch run in input order
type BatchResult struct {
	SessionID string
	Items     []BatchItem
	Succeeded int
	Failed    int
	Duration  time.Duration
}

// ImageService runs still image segmentation
type ImageService struct {
	engine   engine.ImageEngine
	cache    *cache.FeatureCache // nil when caching is disabled
	registry *Registry
	events   events.Emitter
}

// NewImageService creates an image service. features may be nil.
func NewImageService(eng engine.ImageEngine, features *cache.FeatureCache, registry *Registry, emitter events.Emitter) *ImageService {
	if emitter == nil {
		emitter = events.Discard
	}
	return &ImageService{
		engine:   eng,
		cache:    features,
		registry: registry,
		events:   emitter,
	}
}

func (s *ImageService) available() error {
	if s.engine == nil {
		return models.ErrEngineUnavailable
	}
	return nil
}

func validateThreshold(threshold float64) error {
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("%w: threshold must be in [0, 1]", models.ErrInvalidRequest)
	}
	return nil
}

// Segment runs a one-shot segmentation
func (s *ImageService) Segment(ctx context.Context, image []byte, prompts []models.Prompt, threshold float64) (*models.SegmentResult, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: image is empty", models.ErrInvalidRequest)
	}
	if err := models.ValidatePrompts(prompts); err != nil {
		return nil, err
	}
	if err := validateThreshold(threshold); err != nil {
		return nil, err
	}

	result, err := s.engine.Segment(ctx, image, prompts, threshold)
	if err != nil {
		return nil, fmt.Errorf("%w: segment: %w", models.ErrEngineFailure, err)
	}
	return result, nil
}

// SegmentCached runs every text prompt against one feature computation. With
// the cache enabled the features are shared across calls for identical
// images; otherwise they are released after use.
func (s *ImageService) SegmentCached(ctx context.Context, image []byte, textPrompts []string, threshold float64) (*CachedSegmentation, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: image is empty", models.ErrInvalidRequest)
	}
	if len(textPrompts) == 0 {
		return nil, fmt.Errorf("%w: at least one text prompt is required", models.ErrInvalidRequest)
	}
	if err := validateThreshold(threshold); err != nil {
		return nil, err
	}

	key := cache.ComputeKey(image)
	compute := func(ctx context.Context) (*models.Features, error) {
		f, err := s.engine.ComputeFeatures(ctx, image)
		if err != nil {
			return nil, fmt.Errorf("%w: compute features: %w", models.ErrEngineFailure, err)
		}
		return f, nil
	}

	var (
		features *models.Features
		hit      bool
		err      error
	)
	if s.cache != nil {
		var done cache.ReleaseFunc
		features, done, hit, err = s.cache.GetOrCompute(ctx, key, compute)
		if err == nil {
			defer done()
		}
	} else {
		features, err = compute(ctx)
		if err == nil {
			defer s.releaseFeatures(features)
		}
	}
	if err != nil {
		return nil, err
	}

	results, err := s.engine.SegmentWithFeatures(ctx, features, textPrompts, threshold)
	if err != nil {
		return nil, fmt.Errorf("%w: segment with features: %w", models.ErrEngineFailure, err)
	}
	slog.Debug("cached segmentation", "cache_key", key, "cache_hit", hit, "prompts", len(textPrompts))
	return &CachedSegmentation{Results: results, CacheHit: hit, CacheKey: key}, nil
}

func (s *ImageService) releaseFeatures(f *models.Features) {
	if f == nil || f.Handle == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := s.engine.ReleaseFeatures(ctx, f.Handle); err != nil {
		slog.Warn("failed to release features", "handle", f.Handle, "error", err)
	}
}

// ReleaseEvicted is the feature cache eviction hook. The cache calls it
// only after every request using the features has finished.
func (s *ImageService) ReleaseEvicted(key string, f *models.Features) {
	slog.Debug("feature cache entry evicted", "cache_key", key)
	s.releaseFeatures(f)
}

// Batch segments every image under a transient image_batch session, at most
// MaxConcurrent at a time. Per-image failures are reported per item.
func (s *ImageService) Batch(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	if len(req.Images) == 0 {
		return nil, fmt.Errorf("%w: at least one image is required", models.ErrInvalidRequest)
	}
	for i, img := range req.Images {
		if err := models.ValidatePrompts(img.Prompts); err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
	}
	if err := validateThreshold(req.Threshold); err != nil {
		return nil, err
	}
	if req.MaxConcurrent == 0 {
		req.MaxConcurrent = DefaultBatchConcurrency
	}
	if req.MaxConcurrent < MinBatchConcurrency || req.MaxConcurrent > MaxBatchConcurrency {
		return nil, fmt.Errorf("%w: max_concurrent must be between %d and %d",
			models.ErrInvalidRequest, MinBatchConcurrency, MaxBatchConcurrency)
	}

	session, err := s.registry.Create("", models.KindImageBatch, nil)
	if err != nil {
		return nil, err
	}
	defer s.registry.Delete(session.ID)

	result := &BatchResult{SessionID: session.ID, Items: make([]BatchItem, len(req.Images))}
	start := time.Now()

	err = s.registry.WithSession(session.ID, func(*models.Session) error {
		if err := s.registry.UpdateStatus(session.ID, models.StatusProcessing, nil); err != nil {
			return err
		}

		sem := make(chan struct{}, req.MaxConcurrent)
		var wg sync.WaitGroup
		for i, img := range req.Images {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int, img BatchImage) {
				defer wg.Done()
				defer func() { <-sem }()

				item := BatchItem{ID: img.ID}
				if ctx.Err() != nil {
					item.Err = ctx.Err()
				} else {
					item.Result, item.Err = s.segmentOne(ctx, img.Image, img.Prompts, req.Threshold)
				}
				result.Items[i] = item
			}(i, img)
		}
		wg.Wait()

		for _, item := range result.Items {
			if item.Err != nil {
				result.Failed++
			} else {
				result.Succeeded++
			}
		}
		if err := s.registry.UpdateStats(session.ID, nil, &result.Succeeded); err != nil {
			return err
		}
		return s.registry.UpdateStatus(session.ID, models.StatusReady, nil)
	})
	if err != nil {
		return nil, err
	}
	result.Duration = time.Since(start)

	slog.Info("image batch finished", "session_id", session.ID,
		"images", len(req.Images), "succeeded", result.Succeeded, "failed", result.Failed,
		"duration", result.Duration.Round(time.Millisecond))
	s.events.Emit(events.New(events.BatchCompleted, session.ID, map[string]interface{}{
		"images":    len(req.Images),
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
	}))
	return result, nil
}

func (s *ImageService) segmentOne(ctx context.Context, image []byte, prompts []models.Prompt, threshold float64) (*models.SegmentResult, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: image is empty", models.ErrInvalidRequest)
	}
	result, err := s.engine.Segment(ctx, image, prompts, threshold)
	if err != nil {
		return nil, fmt.Errorf("%w: segment: %w", models.ErrEngineFailure, err)
	}
	return result, nil
}

// CacheEnabled reports whether feature caching is on
func (s *ImageService) CacheEnabled() bool {
	return s.cache != nil
}

// CacheStats returns feature cache counters
func (s *ImageService) CacheStats() cache.Stats {
	if s.cache == nil {
		return cache.Stats{}
	}
	return s.cache.Stats()
}

// EvictFeatures drops one cached entry
func (s *ImageService) EvictFeatures(key string) error {
	if s.cache == nil || !s.cache.Evict(key) {
		return fmt.Errorf("%w: %s", models.ErrCacheKeyNotFound, key)
	}
	return nil
}

// ClearFeatures drops every cached entry and returns how many were removed
func (s *ImageService) ClearFeatures() int {
	if s.cache == nil {
		return 0
	}
	return s.cache.Clear()
}
