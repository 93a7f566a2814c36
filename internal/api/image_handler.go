package api

import (
	"fmt"
	"net/http"
	"time"

	"segmentation-gateway/internal/dto"
	"segmentation-gateway/internal/models"
	"segmentation-gateway/internal/service"
)

const defaultConfidenceThreshold = 0.5

func threshold(v *float64) float64 {
	if v == nil {
		return defaultConfidenceThreshold
	}
	return *v
}

func decodeImage(field, payload string) ([]byte, error) {
	if payload == "" {
		return nil, fmt.Errorf("%w: %s is required", models.ErrInvalidRequest, field)
	}
	data, err := service.DecodeBase64(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrInvalidRequest, field, err)
	}
	return data, nil
}

func durationMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func (handler *Handler) imageService() (*service.ImageService, error) {
	if handler.deps.Images == nil {
		return nil, models.ErrEngineUnavailable
	}
	return handler.deps.Images, nil
}

// SegmentImage runs one-shot segmentation
func (handler *Handler) SegmentImage(w http.ResponseWriter, r *http.Request) {
	images, err := handler.imageService()
	if err != nil {
		handler.respondErr(w, r, err)
		return
	}

	var req dto.ImageSegmentRequest
	if err := handler.decodeJSON(w, r, &req, false); err != nil {
		handler.respondErr(w, r, err)
		return
	}
	image, err := decodeImage("image", req.Image)
	if err != nil {
		handler.respondErr(w, r, err)
		return
	}

	start := time.Now()
	result, err := images.Segment(r.Context(), image, req.Prompts, threshold(req.ConfidenceThreshold))
	if err != nil {
		handler.respondErr(w, r, err)
		return
	}

	handler.respondJSON(w, http.StatusOK, dto.ImageSegmentResponse{
		Masks:           nonNilStrings(result.Masks),
		Boxes:           nonNilBoxes(result.Boxes),
		Scores:          nonNilFloats(result.Scores),
		NumMasks:        len(result.Masks),
		ImageSize:       dto.ImageSize{Width: result.Width, Height: result.Height},
		InferenceTimeMS: durationMS(time.Since(start)),
	})
}

// SegmentCachedFeatures applies several text prompts over one feature pass
func (handler *Handler) SegmentCachedFeatures(w http.ResponseWriter, r *http.Request) {
	images, err := handler.imageService()
	if err != nil {
		handler.respondErr(w, r, err)
		return
	}

	var req dto.CachedFeaturesRequest
	if err := handler.decodeJSON(w, r, &req, false); err != nil {
		handler.respondErr(w, r, err)
		return
	}
	image, err := decodeImage("image", req.Image)
	if err != nil {
		handler.respondErr(w, r, err)
		return
	}

	start := time.Now()
	out, err := images.SegmentCached(r.Context(), image, req.TextPrompts, threshold(req.ConfidenceThreshold))
	if err != nil {
		handler.respondErr(w, r, err)
		return
	}

	resp := dto.CachedFeaturesResponse{
		Results:         make([]dto.CachedFeaturesResultItem, 0, len(out.Results)),
		CacheHit:        out.CacheHit,
		CacheKey:        out.CacheKey,
		InferenceTimeMS: durationMS(time.Since(start)),
	}
	for i, res := range out.Results {
		item := dto.CachedFeaturesResultItem{
			Masks:    nonNilStrings(res.Masks),
			Boxes:    nonNilBoxes(res.Boxes),
			Scores:   nonNilFloats(res.Scores),
			NumMasks: len(res.Masks),
		}
		if i < len(req.TextPrompts) {
			item.Prompt = req.TextPrompts[i]
		}
		resp.Results = append(resp.Results, item)
	}
	handler.respondJSON(w, http.StatusOK, resp)
}

// SegmentBatch segments several images with bounded concurrency
func (handler *Handler) SegmentBatch(w http.ResponseWriter, r *http.Request) {
	images, err := handler.imageService()
	if err != nil {
		handler.respondErr(w, r, err)
		return
	}

	var req dto.BatchImageRequest
	if err := handler.decodeJSON(w, r, &req, false); err != nil {
		handler.respondErr(w, r, err)
		return
	}

	batch := service.BatchRequest{
		Images:        make([]service.BatchImage, 0, len(req.Images)),
		Threshold:     threshold(req.ConfidenceThreshold),
		MaxConcurrent: req.MaxConcurrent,
	}
	if batch.MaxConcurrent == 0 {
		batch.MaxConcurrent = handler.config.BatchMaxConcurrent
	}
	for i, item := range req.Images {
		image, err := decodeImage(fmt.Sprintf("images[%d].image", i), item.Image)
		if err != nil {
			handler.respondErr(w, r, err)
			return
		}
		id := item.ID
		if id == "" {
			id = fmt.Sprintf("%d", i)
		}
		batch.Images = append(batch.Images, service.BatchImage{ID: id, Image: image, Prompts: item.Prompts})
	}

	result, err := images.Batch(r.Context(), batch)
	if err != nil {
		handler.respondErr(w, r, err)
		return
	}

	resp := dto.BatchImageResponse{
		SessionID:   result.SessionID,
		Results:     make([]dto.BatchImageResultItem, 0, len(result.Items)),
		TotalImages: len(result.Items),
		Successful:  result.Succeeded,
		Failed:      result.Failed,
		TotalTimeMS: durationMS(result.Duration),
	}
	for _, item := range result.Items {
		out := dto.BatchImageResultItem{ID: item.ID, Masks: []string{}, Boxes: [][]float64{}, Scores: []float64{}}
		if item.Err != nil {
			out.Error = classify(item.Err).message
		} else if item.Result != nil {
			out.Masks = nonNilStrings(item.Result.Masks)
			out.Boxes = nonNilBoxes(item.Result.Boxes)
			out.Scores = nonNilFloats(item.Result.Scores)
			out.NumMasks = len(item.Result.Masks)
		}
		resp.Results = append(resp.Results, out)
	}
	handler.respondJSON(w, http.StatusOK, resp)
}

// ClearFeatureCache drops every cached feature entry
func (handler *Handler) ClearFeatureCache(w http.ResponseWriter, r *http.Request) {
	images, err := handler.imageService()
	if err != nil {
		handler.respondErr(w, r, err)
		return
	}
	handler.respondJSON(w, http.StatusOK, dto.CacheClearResponse{Evicted: images.ClearFeatures()})
}

// EvictFeatureCacheEntry drops one cached feature entry
func (handler *Handler) EvictFeatureCacheEntry(w http.ResponseWriter, r *http.Request) {
	images, err := handler.imageService()
	if err != nil {
		handler.respondErr(w, r, err)
		return
	}
	key := r.PathValue("key")
	if err := images.EvictFeatures(key); err != nil {
		handler.respondErr(w, r, err)
		return
	}
	handler.respondJSON(w, http.StatusOK, dto.CacheClearResponse{Evicted: 1, Key: key})
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilFloats(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}

func nonNilBoxes(v [][]float64) [][]float64 {
	if v == nil {
		return [][]float64{}
	}
	return v
}
