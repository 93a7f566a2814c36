package service

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"segmentation-gateway/internal/ratelimit"
)

// AuditPurger deletes closed session history older than a cutoff
type AuditPurger interface {
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// JanitorConfig holds background cleanup settings
type JanitorConfig struct {
	Interval        time.Duration // Tick period (default: 5m)
	UploadDir       string        // Resolved media directory; empty skips file cleanup
	UploadRetention time.Duration // Unreferenced media older than this is removed (default: 24h)
	AuditRetention  time.Duration // Closed history older than this is purged; 0 keeps it
}

// Janitor periodically sweeps idle sessions, idle rate limit clients, stale
// media files and old audit records.
type Janitor struct {
	config   JanitorConfig
	registry *Registry
	limiter  *ratelimit.Limiter
	audit    AuditPurger
	now      func() time.Time
}

// NewJanitor creates a janitor. limiter and audit may be nil.
func NewJanitor(config JanitorConfig, registry *Registry, limiter *ratelimit.Limiter, audit AuditPurger) *Janitor {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if config.UploadRetention <= 0 {
		config.UploadRetention = 24 * time.Hour
	}
	return &Janitor{
		config:   config,
		registry: registry,
		limiter:  limiter,
		audit:    audit,
		now:      time.Now,
	}
}

// Start runs cleanup on every tick until ctx is done
func (j *Janitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	slog.Info("janitor started", "interval", j.config.Interval, "upload_dir", j.config.UploadDir)

	for {
		select {
		case <-ctx.Done():
			slog.Info("janitor stopped")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single cleanup pass
func (j *Janitor) RunOnce(ctx context.Context) {
	if swept := j.registry.SweepExpired(); len(swept) > 0 {
		slog.Info("swept expired sessions", "count", len(swept), "active", j.registry.Count())
	}

	if j.limiter != nil {
		if n := j.limiter.Sweep(); n > 0 {
			slog.Debug("swept idle rate limit clients", "count", n)
		}
	}

	j.cleanupUploads()

	if j.audit != nil && j.config.AuditRetention > 0 {
		n, err := j.audit.DeleteClosedBefore(ctx, j.now().Add(-j.config.AuditRetention))
		if err != nil {
			slog.Warn("failed to purge session history", "error", err)
		} else if n > 0 {
			slog.Info("purged session history", "count", n)
		}
	}
}

// cleanupUploads removes media that no live session references once it is
// older than the retention window.
func (j *Janitor) cleanupUploads() {
	if j.config.UploadDir == "" {
		return
	}

	inUse := make(map[string]bool)
	for _, s := range j.registry.List() {
		if s.SourcePath != "" {
			inUse[filepath.Clean(s.SourcePath)] = true
		}
	}

	entries, err := os.ReadDir(j.config.UploadDir)
	if err != nil {
		slog.Warn("failed to read upload dir", "dir", j.config.UploadDir, "error", err)
		return
	}

	cutoff := j.now().Add(-j.config.UploadRetention)
	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		file := filepath.Join(j.config.UploadDir, entry.Name())
		if inUse[filepath.Clean(file)] {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(file); err != nil {
			slog.Warn("failed to delete stale media", "path", file, "error", err)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		slog.Info("cleaned up stale media", "count", deleted, "dir", j.config.UploadDir)
	}
}
