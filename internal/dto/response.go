package dto

import "segmentation-gateway/internal/models"

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Code      int    `json:"code"`
	Retryable bool   `json:"retryable"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status         string `json:"status"`
	Timestamp      string `json:"timestamp"`
	Version        string `json:"version"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	ActiveSessions int    `json:"active_sessions"`
	MaxSessions    int    `json:"max_sessions"`
	ImageModel     bool   `json:"image_model_enabled"`
	VideoModel     bool   `json:"video_model_enabled"`
}

// ServiceInfoResponse is the root banner
type ServiceInfoResponse struct {
	Service string   `json:"service"`
	Version string   `json:"version"`
	Routes  []string `json:"routes"`
}

// CacheClearResponse reports a feature cache clear or eviction
type CacheClearResponse struct {
	Evicted int    `json:"evicted"`
	Key     string `json:"key,omitempty"`
}

// ModelInfoResponse describes the enabled models and the engine behind them
type ModelInfoResponse struct {
	ImageModelEnabled bool               `json:"image_model_enabled"`
	VideoModelEnabled bool               `json:"video_model_enabled"`
	Engine            *models.EngineInfo `json:"engine,omitempty"`
	EngineError       string             `json:"engine_error,omitempty"`
}
