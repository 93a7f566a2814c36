package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
	"github.com/golang/groupcache/singleflight"

	"segmentation-gateway/internal/models"
)

// VideoSource names where a session's video comes from. Exactly one field
// must be set.
type VideoSource struct {
	Path   string
	URL    string
	Base64 string
}

// SourceConfig holds source resolution settings
type SourceConfig struct {
	UploadDir       string        // Downloads and decoded payloads land here
	AllowedPaths    []string      // doublestar globs local paths must match; empty denies local paths
	MaxBytes        int64         // Cap on downloaded or decoded media (default: 500MiB)
	DownloadTimeout time.Duration // (default: 5m)
}

// SourceResolver turns a VideoSource into a local file the engine can read
type SourceResolver struct {
	config    SourceConfig
	client    *http.Client
	downloads singleflight.Group
}

// NewSourceResolver creates a resolver and its upload directory
func NewSourceResolver(config SourceConfig) (*SourceResolver, error) {
	if config.MaxBytes <= 0 {
		config.MaxBytes = 500 << 20
	}
	if config.DownloadTimeout <= 0 {
		config.DownloadTimeout = 5 * time.Minute
	}
	for _, pattern := range config.AllowedPaths {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid allowed path pattern %q", pattern)
		}
	}
	if err := os.MkdirAll(config.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}

	return &SourceResolver{
		config: config,
		client: &http.Client{
			Timeout: config.DownloadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// UploadDir returns the directory holding resolved media
func (r *SourceResolver) UploadDir() string {
	return r.config.UploadDir
}

func invalidSource(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", models.ErrInvalidSource, fmt.Sprintf(format, args...))
}

// Resolve returns a local path for src
func (r *SourceResolver) Resolve(ctx context.Context, src VideoSource) (string, error) {
	set := 0
	for _, v := range []string{src.Path, src.URL, src.Base64} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return "", invalidSource("exactly one of video_path, video_url or video_base64 is required")
	}

	switch {
	case src.Path != "":
		return r.resolvePath(src.Path)
	case src.URL != "":
		return r.resolveURL(ctx, src.URL)
	default:
		return r.resolveBase64(src.Base64)
	}
}

// Allowed reports whether a local path matches the allow-list
func (r *SourceResolver) Allowed(p string) bool {
	for _, pattern := range r.config.AllowedPaths {
		if ok, _ := doublestar.Match(pattern, filepath.ToSlash(p)); ok {
			return true
		}
	}
	return false
}

func (r *SourceResolver) resolvePath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", invalidSource("bad path %q", p)
	}
	if !r.Allowed(abs) {
		return "", invalidSource("path %q is not in an allowed location", p)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.Mode().IsRegular() {
		return "", invalidSource("video file %q does not exist", p)
	}
	return abs, nil
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (r *SourceResolver) resolveURL(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", invalidSource("video_url must be an http(s) URL")
	}

	ext := path.Ext(u.Path)
	if ext == "" || len(ext) > 8 {
		ext = ".mp4"
	}
	target := filepath.Join(r.config.UploadDir, "downloaded_"+hashHex([]byte(rawURL))+ext)

	// Concurrent requests for one URL share a download.
	v, err := r.downloads.Do(target, func() (interface{}, error) {
		if info, err := os.Stat(target); err == nil && info.Size() > 0 {
			now := time.Now()
			_ = os.Chtimes(target, now, now)
			return target, nil
		}
		return target, r.download(ctx, rawURL, target)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *SourceResolver) download(ctx context.Context, rawURL, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return invalidSource("bad video_url")
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return invalidSource("failed to download video: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return invalidSource("failed to download video: status %d", resp.StatusCode)
	}
	if resp.ContentLength > r.config.MaxBytes {
		return invalidSource("video is larger than %s", humanize.IBytes(uint64(r.config.MaxBytes)))
	}

	n, err := r.writeAtomic(target, io.LimitReader(resp.Body, r.config.MaxBytes+1))
	if err != nil {
		return err
	}

	slog.Info("video downloaded", "url", rawURL, "path", target,
		"size", humanize.IBytes(uint64(n)), "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// writeAtomic streams src into target through a temp file. It fails when src
// holds more than MaxBytes.
func (r *SourceResolver) writeAtomic(target string, src io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(r.config.UploadDir, ".partial-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, invalidSource("failed to store video: %v", err)
	}
	if n > r.config.MaxBytes {
		return 0, invalidSource("video is larger than %s", humanize.IBytes(uint64(r.config.MaxBytes)))
	}
	if n == 0 {
		return 0, invalidSource("video is empty")
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return 0, fmt.Errorf("failed to store video: %w", err)
	}
	return n, nil
}

// DecodeBase64 decodes a standard base64 payload, accepting an optional
// data URI prefix.
func DecodeBase64(payload string) ([]byte, error) {
	if strings.HasPrefix(payload, "data:") {
		if _, rest, ok := strings.Cut(payload, ","); ok {
			payload = rest
		}
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return nil, errors.New("invalid base64 payload")
	}
	return data, nil
}

func (r *SourceResolver) resolveBase64(payload string) (string, error) {
	if int64(base64.StdEncoding.DecodedLen(len(payload))) > r.config.MaxBytes+3 {
		return "", invalidSource("video is larger than %s", humanize.IBytes(uint64(r.config.MaxBytes)))
	}
	data, err := DecodeBase64(payload)
	if err != nil {
		return "", invalidSource("%v", err)
	}

	target := filepath.Join(r.config.UploadDir, hashHex(data)+".mp4")
	if info, err := os.Stat(target); err == nil && info.Size() == int64(len(data)) {
		return target, nil
	}
	if _, err := r.writeAtomic(target, bytes.NewReader(data)); err != nil {
		return "", err
	}
	return target, nil
}
