package dto

import "segmentation-gateway/internal/models"

// ImageSize is an image frame size
type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ImageSegmentRequest runs one-shot segmentation on a base64 image
type ImageSegmentRequest struct {
	Image               string          `json:"image"`
	Prompts             []models.Prompt `json:"prompts"`
	ConfidenceThreshold *float64        `json:"confidence_threshold,omitempty"`
}

// ImageSegmentResponse is the segmentation output
type ImageSegmentResponse struct {
	Masks           []string    `json:"masks"`
	Boxes           [][]float64 `json:"boxes"`
	Scores          []float64   `json:"scores"`
	NumMasks        int         `json:"num_masks"`
	ImageSize       ImageSize   `json:"image_size"`
	InferenceTimeMS float64     `json:"inference_time_ms"`
}

// CachedFeaturesRequest applies many text prompts to one image
type CachedFeaturesRequest struct {
	Image               string   `json:"image"`
	TextPrompts         []string `json:"text_prompts"`
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
}

// CachedFeaturesResultItem is the output for one text prompt
type CachedFeaturesResultItem struct {
	Prompt   string      `json:"prompt"`
	Masks    []string    `json:"masks"`
	Boxes    [][]float64 `json:"boxes"`
	Scores   []float64   `json:"scores"`
	NumMasks int         `json:"num_masks"`
}

// CachedFeaturesResponse collects per-prompt outputs
type CachedFeaturesResponse struct {
	Results         []CachedFeaturesResultItem `json:"results"`
	CacheHit        bool                       `json:"cache_hit"`
	CacheKey        string                     `json:"cache_key"`
	InferenceTimeMS float64                    `json:"inference_time_ms"`
}

// BatchImageItem is one image of a batch request
type BatchImageItem struct {
	ID      string          `json:"id"`
	Image   string          `json:"image"`
	Prompts []models.Prompt `json:"prompts"`
}

// BatchImageRequest segments many images
type BatchImageRequest struct {
	Images              []BatchImageItem `json:"images"`
	ConfidenceThreshold *float64         `json:"confidence_threshold,omitempty"`
	MaxConcurrent       int              `json:"max_concurrent,omitempty"`
}

// BatchImageResultItem is the output for one image of a batch
type BatchImageResultItem struct {
	ID       string      `json:"id"`
	Masks    []string    `json:"masks"`
	Boxes    [][]float64 `json:"boxes"`
	Scores   []float64   `json:"scores"`
	NumMasks int         `json:"num_masks"`
	Error    string      `json:"error,omitempty"`
}

// BatchImageResponse collects batch outputs in input order
type BatchImageResponse struct {
	SessionID   string                 `json:"session_id"`
	Results     []BatchImageResultItem `json:"results"`
	TotalImages int                    `json:"total_images"`
	Successful  int                    `json:"successful"`
	Failed      int                    `json:"failed"`
	TotalTimeMS float64                `json:"total_time_ms"`
}
