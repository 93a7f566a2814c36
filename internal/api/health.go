package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"segmentation-gateway/internal/dto"
)

func (handler *Handler) Root(w http.ResponseWriter, r *http.Request) {
	handler.respondJSON(w, http.StatusOK, dto.ServiceInfoResponse{
		Service: "segmentation-gateway",
		Version: Version,
		Routes:  []string{"/health", "/models/info", "/metrics", "/api/v1/image", "/api/v1/video"},
	})
}

func (handler *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := dto.HealthResponse{
		Status:         "healthy",
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Version:        Version,
		UptimeSeconds:  int64(time.Since(handler.started).Seconds()),
		ActiveSessions: handler.deps.Registry.Count(),
		MaxSessions:    handler.deps.Registry.MaxSessions(),
		ImageModel:     handler.deps.Images != nil,
		VideoModel:     handler.deps.Videos != nil,
	}
	handler.respondJSON(w, http.StatusOK, response)
}

// ModelInfo reports the enabled models. Engine errors degrade the response
// rather than failing it.
func (handler *Handler) ModelInfo(w http.ResponseWriter, r *http.Request) {
	resp := dto.ModelInfoResponse{
		ImageModelEnabled: handler.deps.Images != nil,
		VideoModelEnabled: handler.deps.Videos != nil,
	}
	if handler.deps.Engine != nil {
		info, err := handler.deps.Engine.Info(r.Context())
		if err != nil {
			resp.EngineError = classify(err).message
		} else {
			resp.Engine = info
		}
	}
	handler.respondJSON(w, http.StatusOK, resp)
}

// Metrics writes counters in the Prometheus text exposition format
func (handler *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)

	m := metricWriter{w: w}
	m.gauge("segmentation_uptime_seconds", "Seconds since the gateway started", time.Since(handler.started).Seconds())
	m.gauge("segmentation_sessions_active", "Live sessions in the registry", float64(handler.deps.Registry.Count()))
	m.gauge("segmentation_sessions_max", "Session capacity", float64(handler.deps.Registry.MaxSessions()))

	stats := handler.cacheStats()
	m.gauge("segmentation_feature_cache_entries", "Cached feature entries", float64(stats.Entries))
	m.gauge("segmentation_feature_cache_bytes", "Bytes held by the feature cache", float64(stats.Bytes))
	m.counter("segmentation_feature_cache_hits_total", "Feature cache hits", float64(stats.Hits))
	m.counter("segmentation_feature_cache_misses_total", "Feature cache misses", float64(stats.Misses))
	m.counter("segmentation_feature_cache_evictions_total", "Feature cache evictions", float64(stats.Evictions))

	if handler.deps.Limiter != nil {
		m.gauge("segmentation_rate_limit_clients", "Clients tracked by the rate limiter", float64(handler.deps.Limiter.Clients()))
	}

	m.gauge("segmentation_streams_active", "Open propagation streams", float64(handler.activeStreams.Load()))
	m.counter("segmentation_streams_total", "Propagation streams opened", float64(handler.totalStreams.Load()))

	if handler.deps.Events != nil {
		ev := handler.deps.Events.Stats()
		m.counter("segmentation_events_published_total", "Lifecycle events published", float64(ev.Published))
		m.counter("segmentation_events_dropped_total", "Lifecycle events dropped on a full queue", float64(ev.Dropped))
		m.counter("segmentation_events_failed_total", "Lifecycle event publish failures", float64(ev.Failed))
	}
}

type metricWriter struct {
	w io.Writer
}

func (m metricWriter) write(name, help, kind string, value float64) {
	fmt.Fprintf(m.w, "# HELP %s %s\n# TYPE %s %s\n%s %g\n", name, help, name, kind, name, value)
}

func (m metricWriter) gauge(name, help string, value float64) {
	m.write(name, help, "gauge", value)
}

func (m metricWriter) counter(name, help string, value float64) {
	m.write(name, help, "counter", value)
}
