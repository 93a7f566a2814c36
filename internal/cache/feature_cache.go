// Package cache holds the content-addressed feature cache used by the image
// segmentation path.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"

	"segmentation-gateway/internal/models"
)

// ComputeFunc produces features for a key on a cache miss
type ComputeFunc func(ctx context.Context) (*models.Features, error)

// ReleaseFunc drops a caller's hold on features returned by the cache. It is
// safe to call more than once.
type ReleaseFunc func()

// Config holds feature cache configuration
type Config struct {
	TTL      time.Duration // Entry lifetime, checked on lookup (default: 10m)
	MaxBytes int64         // Aggregate size cap, LRU eviction above it (default: 4GiB)

	// OnEvict is called outside the cache lock once features have left the
	// cache and the last caller holding them has released them. Features
	// too large to be stored go through it too.
	OnEvict func(key string, features *models.Features)

	// Now overrides the clock in tests
	Now func() time.Time
}

// Stats is a point-in-time view of cache counters
type Stats struct {
	Entries   int   `json:"entries"`
	Bytes     int64 `json:"bytes"`
	MaxBytes  int64 `json:"max_bytes"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// ref counts the holders of one set of features. The cache itself is a
// holder while the entry is stored.
type ref struct {
	key      string
	features *models.Features
	holders  int
	released bool
}

type entry struct {
	ref       *ref
	createdAt time.Time
	size      int64
}

// FeatureCache maps image content hashes to engine features. Concurrent
// misses on one key share a single compute.
type FeatureCache struct {
	config Config
	group  singleflight.Group

	mu      sync.Mutex
	entries *lru.Cache
	bytes   int64
	pending []*ref // refs whose last holder let go, drained after unlock
	stats   Stats
}

// ComputeKey returns the hex SHA-256 of the image bytes
func ComputeKey(image []byte) string {
	sum := sha256.Sum256(image)
	return hex.EncodeToString(sum[:])
}

// New creates a feature cache
func New(config Config) *FeatureCache {
	if config.TTL == 0 {
		config.TTL = 10 * time.Minute
	}
	if config.MaxBytes == 0 {
		config.MaxBytes = 4 << 30
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	c := &FeatureCache{config: config}
	c.entries = lru.New(0)
	c.entries.OnEvicted = func(key lru.Key, value interface{}) {
		e := value.(*entry)
		c.bytes -= e.size
		c.stats.Evictions++
		c.unrefLocked(e.ref)
	}
	return c
}

func (c *FeatureCache) unrefLocked(r *ref) {
	r.holders--
	if r.holders == 0 && !r.released {
		r.released = true
		c.pending = append(c.pending, r)
	}
}

func (c *FeatureCache) acquireLocked(r *ref) bool {
	if r.released {
		return false
	}
	r.holders++
	return true
}

// getLocked takes a hold on a live entry, removing it if it has expired
func (c *FeatureCache) getLocked(key string) (*ref, bool) {
	v, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	if c.config.Now().Sub(e.createdAt) >= c.config.TTL {
		c.entries.Remove(key)
		return nil, false
	}
	c.acquireLocked(e.ref)
	c.stats.Hits++
	return e.ref, true
}

// flush hands released refs to OnEvict. Must be called without c.mu held.
func (c *FeatureCache) flush(items []*ref) {
	if c.config.OnEvict == nil {
		return
	}
	for _, r := range items {
		c.config.OnEvict(r.key, r.features)
	}
}

func (c *FeatureCache) drainLocked() []*ref {
	items := c.pending
	c.pending = nil
	return items
}

func (c *FeatureCache) releaser(r *ref) ReleaseFunc {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.unrefLocked(r)
			items := c.drainLocked()
			c.mu.Unlock()
			c.flush(items)
		})
	}
}

// Get returns cached features without computing. The caller must invoke the
// returned ReleaseFunc once it no longer uses the features.
func (c *FeatureCache) Get(key string) (*models.Features, ReleaseFunc, bool) {
	c.mu.Lock()
	r, ok := c.getLocked(key)
	items := c.drainLocked()
	c.mu.Unlock()

	c.flush(items)
	if !ok {
		return nil, nil, false
	}
	return r.features, c.releaser(r), true
}

// GetOrCompute returns the cached features for key, or runs compute once
// across all concurrent callers of the same key and stores the result. hit
// is false only for the caller whose compute actually ran. On success the
// caller must invoke the returned ReleaseFunc when done with the features.
func (c *FeatureCache) GetOrCompute(ctx context.Context, key string, compute ComputeFunc) (*models.Features, ReleaseFunc, bool, error) {
	for {
		if f, done, ok := c.Get(key); ok {
			return f, done, true, nil
		}

		ran, computed := false, false
		v, err := c.group.Do(key, func() (interface{}, error) {
			ran = true
			// A previous flight may have stored the key after our first lookup.
			c.mu.Lock()
			r, ok := c.getLocked(key)
			items := c.drainLocked()
			c.mu.Unlock()
			c.flush(items)
			if ok {
				return r, nil
			}

			computed = true
			f, err := compute(ctx)
			if err != nil {
				return nil, err
			}
			return c.store(key, f), nil
		})
		if err != nil {
			return nil, nil, false, err
		}

		r := v.(*ref)
		c.mu.Lock()
		switch {
		case computed:
			c.stats.Misses++
		case !ran:
			// waited on another caller's flight
			if !c.acquireLocked(r) {
				// the runner already let go of features that were never stored
				c.mu.Unlock()
				continue
			}
			c.stats.Hits++
		}
		c.mu.Unlock()
		return r.features, c.releaser(r), !computed, nil
	}
}

// store adds f under key and returns a ref held once for the caller
func (c *FeatureCache) store(key string, f *models.Features) *ref {
	r := &ref{key: key, features: f, holders: 1}
	size := f.Size()

	c.mu.Lock()
	if size > c.config.MaxBytes {
		c.mu.Unlock()
		slog.Warn("feature entry exceeds cache capacity, not cached",
			"key", key, "size", humanize.IBytes(uint64(size)), "max", humanize.IBytes(uint64(c.config.MaxBytes)))
		return r
	}

	// lru.Add on an existing key replaces the value without the callback
	c.entries.Remove(key)
	r.holders++
	c.entries.Add(key, &entry{ref: r, createdAt: c.config.Now(), size: size})
	c.bytes += size
	for c.bytes > c.config.MaxBytes && c.entries.Len() > 0 {
		c.entries.RemoveOldest()
	}
	items := c.drainLocked()
	c.mu.Unlock()

	c.flush(items)
	return r
}

// Evict removes key. It reports whether an entry was present. Features still
// held by callers are released when the last of them lets go.
func (c *FeatureCache) Evict(key string) bool {
	c.mu.Lock()
	_, ok := c.entries.Get(key)
	if ok {
		c.entries.Remove(key)
	}
	items := c.drainLocked()
	c.mu.Unlock()

	c.flush(items)
	return ok
}

// Clear removes every entry and returns how many were dropped
func (c *FeatureCache) Clear() int {
	c.mu.Lock()
	n := c.entries.Len()
	c.entries.Clear()
	c.bytes = 0
	items := c.drainLocked()
	c.mu.Unlock()

	c.flush(items)
	return n
}

// Stats returns cache counters
func (c *FeatureCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.entries.Len()
	s.Bytes = c.bytes
	s.MaxBytes = c.config.MaxBytes
	return s
}
