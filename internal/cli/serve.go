package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"segmentation-gateway/internal/api"
	"segmentation-gateway/internal/auth"
	"segmentation-gateway/internal/cache"
	"segmentation-gateway/internal/config"
	"segmentation-gateway/internal/db"
	"segmentation-gateway/internal/engine"
	"segmentation-gateway/internal/events"
	"segmentation-gateway/internal/models"
	"segmentation-gateway/internal/ratelimit"
	"segmentation-gateway/internal/repository"
	"segmentation-gateway/internal/service"
	"segmentation-gateway/pkg/ffmpeg"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			slog.SetDefault(newLogger(cfg, cmd.ErrOrStderr()))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
}

// openAudit connects the audit store when AUDIT_DRIVER is set
func openAudit(cfg *config.Config) (*sql.DB, *repository.SessionRepository, error) {
	if cfg.AuditDriver == "none" {
		return nil, nil, nil
	}
	conn, err := db.Open(db.Config{
		Driver:   cfg.AuditDriver,
		Host:     cfg.PostgresHost,
		Port:     cfg.PostgresPort,
		User:     cfg.PostgresUser,
		Password: cfg.PostgresPassword,
		Name:     cfg.PostgresDB,
		Schema:   cfg.PostgresSchema,
		SSLMode:  cfg.PostgresSSLMode,
		Path:     cfg.SQLitePath,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	return conn, repository.NewSessionRepository(conn), nil
}

// newPublishers builds the event sinks for EVENTS_BACKEND
func newPublishers(cfg *config.Config) ([]events.Publisher, error) {
	switch cfg.EventsBackend {
	case "log":
		return []events.Publisher{events.LogPublisher{}}, nil
	case "rabbitmq":
		p, err := events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:              cfg.RabbitMQURL,
			Exchange:         cfg.RabbitMQExchange,
			RoutingKeyPrefix: cfg.RabbitMQRoutingKeyPrefix,
			Queue:            cfg.RabbitMQQueue,
		})
		if err != nil {
			return nil, err
		}
		return []events.Publisher{p}, nil
	case "mqtt":
		p, err := events.NewMQTTPublisher(events.MQTTConfig{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
			QoS:         1,
		})
		if err != nil {
			return nil, err
		}
		return []events.Publisher{p}, nil
	}
	return nil, nil
}

func runServer(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting segmentation gateway",
		"version", api.Version,
		"address", cfg.ServerAddress,
		"max_sessions", cfg.MaxConcurrentSessions,
		"feature_cache", cfg.EnableFeatureCache,
		"cache_size", humanize.IBytes(uint64(max(cfg.MaxCacheSizeBytes, 0))),
		"events", cfg.EventsBackend,
		"audit", cfg.AuditDriver,
	)

	// Events and audit
	publishers, err := newPublishers(cfg)
	if err != nil {
		return err
	}
	auditDB, auditRepo, err := openAudit(cfg)
	if err != nil {
		return err
	}
	if auditDB != nil {
		defer auditDB.Close()
		publishers = append(publishers, repository.NewAuditPublisher(auditRepo))
	}
	dispatcher := events.NewDispatcher(events.DispatcherConfig{
		QueueSize: cfg.EventsQueueSize,
		Workers:   cfg.EventsWorkers,
	}, publishers...)
	dispatcher.Start()
	defer dispatcher.Stop()

	// Engine
	var eng *engine.HTTPEngine
	if cfg.ImageModelEnabled || cfg.VideoModelEnabled {
		eng = engine.NewHTTPEngine(engine.HTTPConfig{BaseURL: cfg.EngineURL, RequestTimeout: cfg.EngineTimeout})
	}

	// Sessions and services
	var (
		videos *service.VideoService
		images *service.ImageService
	)
	registry := service.NewRegistry(service.RegistryConfig{
		MaxSessions:    cfg.MaxConcurrentSessions,
		SessionTimeout: cfg.SessionTimeout,
		OnEvict: func(s *models.Session) {
			if videos != nil {
				videos.HandleEvicted(s)
			}
		},
	})

	if cfg.VideoModelEnabled {
		sources, err := service.NewSourceResolver(service.SourceConfig{
			UploadDir:       cfg.UploadDir,
			AllowedPaths:    cfg.AllowedVideoPaths,
			MaxBytes:        cfg.MaxUploadSizeBytes,
			DownloadTimeout: cfg.DownloadTimeout,
		})
		if err != nil {
			return err
		}
		videos = service.NewVideoService(registry, eng, sources, dispatcher)
		if cfg.FFprobeEnabled {
			if err := ffmpeg.CheckInstallation(); err != nil {
				slog.Warn("ffprobe unavailable, video metadata comes from the engine only", "error", err)
			} else {
				videos.SetProbe(ffmpeg.Probe)
			}
		}
	}

	if cfg.ImageModelEnabled {
		var features *cache.FeatureCache
		if cfg.EnableFeatureCache {
			features = cache.New(cache.Config{
				TTL:      cfg.FeatureCacheTTL,
				MaxBytes: cfg.MaxCacheSizeBytes,
				OnEvict: func(key string, f *models.Features) {
					if images != nil {
						images.ReleaseEvicted(key, f)
					}
				},
			})
		}
		images = service.NewImageService(eng, features, registry, dispatcher)
	}

	limiter := ratelimit.New(ratelimit.Config{MaxClients: cfg.RateLimitMaxClients})
	if cfg.RateLimitEnabled {
		limiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimitRequestsPerMinute,
			MaxClients:        cfg.RateLimitMaxClients,
		})
	}

	authn, err := auth.New(auth.Config{
		Required:  cfg.RequireAPIKey,
		APIKeys:   cfg.APIKeys,
		JWTSecret: cfg.JWTSecret,
	})
	if err != nil {
		return err
	}

	// Background cleanup
	var purger service.AuditPurger
	if auditRepo != nil {
		purger = auditRepo
	}
	uploadDir := ""
	if videos != nil {
		uploadDir = cfg.UploadDir
	}
	janitor := service.NewJanitor(service.JanitorConfig{
		Interval:        cfg.SessionCleanupInterval,
		UploadDir:       uploadDir,
		UploadRetention: cfg.UploadRetention,
		AuditRetention:  cfg.AuditRetention,
	}, registry, limiter, purger)
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		janitor.Start(janitorCtx)
	}()

	// HTTP
	deps := api.Dependencies{
		Registry: registry,
		Images:   images,
		Videos:   videos,
		Limiter:  limiter,
		Auth:     authn,
		Events:   dispatcher,
	}
	if eng != nil {
		deps.Engine = eng
	}
	if auditRepo != nil {
		deps.Audit = auditRepo
	}
	server := api.NewHTTPServer(cfg, api.SetupRoutes(api.NewHandler(cfg, deps)))

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server listening", "address", cfg.ServerAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down server...")
	case err := <-serveErr:
		stopJanitor()
		<-janitorDone
		return fmt.Errorf("server failed: %w", err)
	}

	// Graceful shutdown
	stopJanitor()
	<-janitorDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if videos != nil {
		videos.Shutdown()
	}
	if images != nil {
		images.ClearFeatures()
	}

	slog.Info("server exited gracefully")
	return nil
}
