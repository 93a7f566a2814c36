package api

import (
	"net/http"
)

func SetupRoutes(handler *Handler) http.Handler {
	mux := http.NewServeMux()

	// Service
	mux.HandleFunc("GET /{$}", handler.Root)
	mux.HandleFunc("GET /health", handler.HealthCheck)
	mux.HandleFunc("GET /models/info", handler.ModelInfo)
	mux.HandleFunc("GET /metrics", handler.Metrics)

	// Image segmentation
	mux.HandleFunc("POST /api/v1/image/segment", handler.SegmentImage)
	mux.HandleFunc("POST /api/v1/image/cached-features", handler.SegmentCachedFeatures)
	mux.HandleFunc("POST /api/v1/image/batch", handler.SegmentBatch)
	mux.HandleFunc("DELETE /api/v1/image/cache", handler.ClearFeatureCache)
	mux.HandleFunc("DELETE /api/v1/image/cache/{key}", handler.EvictFeatureCacheEntry)

	// Video tracking
	mux.HandleFunc("POST /api/v1/video/session/start", handler.StartVideoSession)
	mux.HandleFunc("POST /api/v1/video/session/{id}/prompt", handler.AddPrompt)
	mux.HandleFunc("POST /api/v1/video/session/{id}/propagate", handler.Propagate)
	mux.HandleFunc("GET /api/v1/video/ws/propagate/{id}", handler.StreamPropagation)
	mux.HandleFunc("GET /api/v1/video/session/{id}/status", handler.SessionStatus)
	mux.HandleFunc("DELETE /api/v1/video/session/{id}/object/{obj_id}", handler.RemoveObject)
	mux.HandleFunc("POST /api/v1/video/session/{id}/reset", handler.ResetSession)
	mux.HandleFunc("DELETE /api/v1/video/session/{id}", handler.CloseSession)
	mux.HandleFunc("GET /api/v1/video/sessions", handler.ListSessions)

	// Audit
	mux.HandleFunc("GET /api/v1/audit/sessions", handler.ListAuditSessions)

	// Apply middleware, innermost first
	h := handler.RateLimitMiddleware(mux)
	h = handler.AuthMiddleware(h)
	h = SecurityHeadersMiddleware(h)
	h = CORSMiddleware(handler.config.CORSOrigins)(h)
	h = RecoveryMiddleware(h)
	h = LoggingMiddleware(h)

	return h
}
