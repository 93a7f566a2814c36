package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segmentation-gateway/internal/cache"
	"segmentation-gateway/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func features(handle string, size int) *models.Features {
	return &models.Features{Handle: handle, Data: make([]byte, size), Width: 64, Height: 48}
}

func constant(f *models.Features, calls *atomic.Int32) cache.ComputeFunc {
	return func(ctx context.Context) (*models.Features, error) {
		calls.Add(1)
		return f, nil
	}
}

// fetch runs GetOrCompute and lets go of the features straight away
func fetch(t *testing.T, c *cache.FeatureCache, key string, compute cache.ComputeFunc) (*models.Features, bool) {
	t.Helper()
	f, done, hit, err := c.GetOrCompute(context.Background(), key, compute)
	require.NoError(t, err)
	done()
	return f, hit
}

func contains(c *cache.FeatureCache, key string) bool {
	_, done, ok := c.Get(key)
	if ok {
		done()
	}
	return ok
}

func TestComputeKey(t *testing.T) {
	t.Parallel()

	a := cache.ComputeKey([]byte("image-a"))
	assert.Equal(t, a, cache.ComputeKey([]byte("image-a")))
	assert.NotEqual(t, a, cache.ComputeKey([]byte("image-b")))
	assert.Len(t, a, 64)
}

func TestGetOrCompute_SingleFlight(t *testing.T) {
	t.Parallel()

	c := cache.New(cache.Config{TTL: time.Minute, MaxBytes: 1 << 20})

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	want := features("h1", 16)
	slowCompute := func(ctx context.Context) (*models.Features, error) {
		calls.Add(1)
		close(started)
		<-release
		return want, nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]*models.Features, n)
	hits := make([]bool, n)
	errs := make([]error, n)

	wg.Add(1)
	go func() {
		defer wg.Done()
		var done cache.ReleaseFunc
		results[0], done, hits[0], errs[0] = c.GetOrCompute(context.Background(), "imgA", slowCompute)
		if done != nil {
			done()
		}
	}()
	<-started
	for i := 1; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var done cache.ReleaseFunc
			results[i], done, hits[i], errs[i] = c.GetOrCompute(context.Background(), "imgA", slowCompute)
			if done != nil {
				done()
			}
		}(i)
	}
	// give the waiters a chance to join the flight before it completes
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	misses := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, want, results[i])
		if !hits[i] {
			misses++
		}
	}
	assert.Equal(t, 1, misses)
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestGetOrCompute_HitAfterMiss(t *testing.T) {
	t.Parallel()

	c := cache.New(cache.Config{TTL: time.Minute, MaxBytes: 1 << 20})
	var calls atomic.Int32
	f := features("h1", 8)

	got, hit := fetch(t, c, "k", constant(f, &calls))
	assert.False(t, hit)
	assert.Same(t, f, got)

	got, hit = fetch(t, c, "k", constant(f, &calls))
	assert.True(t, hit)
	assert.Same(t, f, got)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrCompute_ErrorNotCached(t *testing.T) {
	t.Parallel()

	c := cache.New(cache.Config{TTL: time.Minute, MaxBytes: 1 << 20})
	wantErr := errors.New("engine down")

	_, _, _, err := c.GetOrCompute(context.Background(), "k", func(ctx context.Context) (*models.Features, error) {
		return nil, wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	var calls atomic.Int32
	_, hit := fetch(t, c, "k", constant(features("h", 4), &calls))
	assert.False(t, hit)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTTL_ExpiredEntryIsNeverAHit(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	var released []string
	var mu sync.Mutex
	c := cache.New(cache.Config{
		TTL:      10 * time.Second,
		MaxBytes: 1 << 20,
		Now:      clock.Now,
		OnEvict: func(key string, f *models.Features) {
			mu.Lock()
			defer mu.Unlock()
			released = append(released, f.Handle)
		},
	})

	var calls atomic.Int32
	fetch(t, c, "k", constant(features("old", 4), &calls))

	clock.Advance(9 * time.Second)
	assert.True(t, contains(c, "k"))

	clock.Advance(time.Second)
	assert.False(t, contains(c, "k"))

	got, hit := fetch(t, c, "k", constant(features("new", 4), &calls))
	assert.False(t, hit)
	assert.Equal(t, "new", got.Handle)
	assert.Equal(t, int32(2), calls.Load())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"old"}, released)
}

func TestEvict_ThenRecompute(t *testing.T) {
	t.Parallel()

	c := cache.New(cache.Config{TTL: time.Minute, MaxBytes: 1 << 20})
	var calls atomic.Int32
	f := features("h", 4)

	fetch(t, c, "k", constant(f, &calls))

	assert.True(t, c.Evict("k"))
	assert.False(t, c.Evict("k"))

	_, hit := fetch(t, c, "k", constant(f, &calls))
	assert.False(t, hit)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCapacity_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	var evictedKeys []string
	c := cache.New(cache.Config{
		TTL:      time.Minute,
		MaxBytes: 300,
		OnEvict: func(key string, f *models.Features) {
			evictedKeys = append(evictedKeys, key)
		},
	})
	var calls atomic.Int32

	// each entry is 100 bytes of data plus a one byte handle
	for _, k := range []string{"a", "b"} {
		fetch(t, c, k, constant(features(k, 100), &calls))
	}
	// touch a so b becomes least recently used
	require.True(t, contains(c, "a"))

	fetch(t, c, "c", constant(features("c", 100), &calls))

	assert.Equal(t, []string{"b"}, evictedKeys)
	assert.False(t, contains(c, "b"))
	assert.True(t, contains(c, "a"))

	stats := c.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.LessOrEqual(t, stats.Bytes, int64(300))
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestCapacity_OversizedEntryNotStored(t *testing.T) {
	t.Parallel()

	var released []string
	c := cache.New(cache.Config{
		TTL:      time.Minute,
		MaxBytes: 10,
		OnEvict:  func(key string, f *models.Features) { released = append(released, f.Handle) },
	})
	var calls atomic.Int32
	big := features("big", 100)

	got, done, hit, err := c.GetOrCompute(context.Background(), "k", constant(big, &calls))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Same(t, big, got)
	assert.Equal(t, 0, c.Stats().Entries)
	assert.Empty(t, released, "caller still holds the features")

	done()
	assert.Equal(t, []string{"big"}, released)
	done()
	assert.Len(t, released, 1, "release is idempotent")
}

func TestCapacity_HeldEntryReleasedAfterLastHolder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var released []string
	c := cache.New(cache.Config{
		TTL:      time.Minute,
		MaxBytes: 10,
		OnEvict: func(key string, f *models.Features) {
			mu.Lock()
			defer mu.Unlock()
			released = append(released, f.Handle)
		},
	})
	releasedHandles := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), released...)
	}
	ctx := context.Background()
	var calls atomic.Int32

	// entries are 9 bytes, so storing b pushes a out
	_, doneA, _, err := c.GetOrCompute(ctx, "a", constant(features("a", 8), &calls))
	require.NoError(t, err)
	_, doneHit, hit, err := c.GetOrCompute(ctx, "a", constant(features("a", 8), &calls))
	require.NoError(t, err)
	require.True(t, hit)

	_, doneB, _, err := c.GetOrCompute(ctx, "b", constant(features("b", 8), &calls))
	require.NoError(t, err)
	defer doneB()

	assert.False(t, contains(c, "a"), "a left the cache")
	assert.Equal(t, int64(1), c.Stats().Evictions)
	assert.Empty(t, releasedHandles(), "a is still in use")

	doneA()
	assert.Empty(t, releasedHandles())
	doneHit()
	assert.Equal(t, []string{"a"}, releasedHandles())
}

func TestEvict_WhileHeld(t *testing.T) {
	t.Parallel()

	var released int
	c := cache.New(cache.Config{
		TTL:      time.Minute,
		MaxBytes: 1 << 20,
		OnEvict:  func(string, *models.Features) { released++ },
	})
	var calls atomic.Int32

	_, done, _, err := c.GetOrCompute(context.Background(), "k", constant(features("h", 4), &calls))
	require.NoError(t, err)

	assert.True(t, c.Evict("k"))
	assert.Zero(t, released)
	done()
	assert.Equal(t, 1, released)
}

func TestClear(t *testing.T) {
	t.Parallel()

	var released int
	c := cache.New(cache.Config{
		TTL:      time.Minute,
		MaxBytes: 1 << 20,
		OnEvict:  func(string, *models.Features) { released++ },
	})
	var calls atomic.Int32
	for _, k := range []string{"a", "b", "c"} {
		fetch(t, c, k, constant(features(k, 4), &calls))
	}

	assert.Equal(t, 3, c.Clear())
	assert.Equal(t, 3, released)
	assert.Equal(t, 0, c.Stats().Entries)
	assert.Equal(t, int64(0), c.Stats().Bytes)

	_, hit := fetch(t, c, "a", constant(features("a", 4), &calls))
	assert.False(t, hit)
}
