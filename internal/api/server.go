package api

import (
	"net/http"
	"time"

	"segmentation-gateway/internal/config"
)

// NewHTTPServer builds the gateway server. WriteTimeout does not limit
// WebSocket streams; each stream write carries its own deadline.
func NewHTTPServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}
}
