package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"sync/atomic"
	"time"

	"segmentation-gateway/internal/auth"
	"segmentation-gateway/internal/cache"
	"segmentation-gateway/internal/config"
	"segmentation-gateway/internal/dto"
	"segmentation-gateway/internal/events"
	"segmentation-gateway/internal/models"
	"segmentation-gateway/internal/ratelimit"
	"segmentation-gateway/internal/service"
)

// Version is reported by /health and the root banner
var Version = "1.0.0"

// EngineInfo reports what the segmentation engine has loaded
type EngineInfo interface {
	Info(ctx context.Context) (*models.EngineInfo, error)
}

// AuditLister reads persisted session history
type AuditLister interface {
	ListRecent(ctx context.Context, limit int) ([]*models.SessionRecord, error)
}

// EventStats exposes event dispatcher counters
type EventStats interface {
	Stats() events.DispatcherStats
}

// Dependencies wires the handler to the gateway components. Images, Videos,
// Engine, Audit and Events may be nil when the feature is disabled.
type Dependencies struct {
	Registry *service.Registry
	Images   *service.ImageService
	Videos   *service.VideoService
	Limiter  *ratelimit.Limiter
	Auth     *auth.Authenticator
	Engine   EngineInfo
	Audit    AuditLister
	Events   EventStats
}

type Handler struct {
	deps    Dependencies
	config  *config.Config
	started time.Time

	trustedProxies []netip.Prefix

	activeStreams atomic.Int64
	totalStreams  atomic.Uint64
}

// Constructor for Handler
func NewHandler(cfg *config.Config, deps Dependencies) *Handler {
	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		slog.Warn("ignoring trusted proxies", "error", err)
	}
	return &Handler{
		deps:           deps,
		config:         cfg,
		started:        time.Now(),
		trustedProxies: proxies,
	}
}

// maxBodyBytes bounds JSON bodies. Media travels base64-encoded, which
// inflates it by a third.
func (handler *Handler) maxBodyBytes() int64 {
	limit := handler.config.MaxUploadSizeBytes
	if limit <= 0 {
		return 0
	}
	return limit/3*4 + 1<<20
}

// decodeJSON reads the request body into v. An empty body leaves v untouched
// when allowEmpty is set.
func (handler *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, allowEmpty bool) error {
	body := r.Body
	if limit := handler.maxBodyBytes(); limit > 0 {
		body = http.MaxBytesReader(w, r.Body, limit)
	}
	err := json.NewDecoder(body).Decode(v)
	if err == nil {
		return nil
	}
	if allowEmpty && errors.Is(err, io.EOF) {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("%w: request body exceeds %d bytes", models.ErrInvalidRequest, tooLarge.Limit)
	}
	return fmt.Errorf("%w: malformed JSON body: %v", models.ErrInvalidRequest, err)
}

// Helper methods for responses
func (handler *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func (handler *Handler) respondError(w http.ResponseWriter, status int, message string) {
	handler.respondJSON(w, status, dto.ErrorResponse{
		Error:   statusText(status),
		Message: message,
		Code:    status,
	})
}

// respondErr maps a service error onto its HTTP representation
func (handler *Handler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	mapped := classify(err)
	if mapped.status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"request_id", RequestIDFrom(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", mapped.status,
			"error", err,
		)
	}
	if mapped.retryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retrySeconds(mapped.retryAfter)))
	}
	handler.respondJSON(w, mapped.status, dto.ErrorResponse{
		Error:     statusText(mapped.status),
		Message:   mapped.message,
		Code:      mapped.status,
		Retryable: models.IsRetryable(err),
	})
}

func (handler *Handler) cacheStats() cache.Stats {
	if handler.deps.Images == nil {
		return cache.Stats{}
	}
	return handler.deps.Images.CacheStats()
}
