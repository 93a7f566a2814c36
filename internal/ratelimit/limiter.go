// Package ratelimit implements per-client admission control over minute
// buckets.
//
// Each client keeps a count for the current and the previous minute. Allow
// counts every call (admitted or not), so a client that keeps hammering stays
// rejected. Because both retained buckets are summed, admitted requests in any
// rolling 60 second span never exceed the limit; the price is that a burst
// late in one minute still counts during the next, so a client can be held
// back for up to two minutes.
package ratelimit

import (
	"sync"
	"time"
)

// Config holds limiter configuration
type Config struct {
	RequestsPerMinute int           // Admission limit per client; <= 0 disables limiting
	MaxClients        int           // Bound on tracked clients (default: 10000)
	IdleTimeout       time.Duration // Sweep drops clients unseen for this long (default: 2m)

	// Now overrides the clock in tests
	Now func() time.Time
}

type window struct {
	buckets  map[int64]int
	lastSeen time.Time
}

// Limiter is a two-bucket sliding window rate limiter keyed by client id
type Limiter struct {
	config Config

	mu      sync.Mutex
	clients map[string]*window
}

// New creates a limiter
func New(config Config) *Limiter {
	if config.MaxClients <= 0 {
		config.MaxClients = 10000
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 2 * time.Minute
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Limiter{
		config:  config,
		clients: make(map[string]*window),
	}
}

// Enabled reports whether requests are limited at all
func (l *Limiter) Enabled() bool {
	return l.config.RequestsPerMinute > 0
}

// Limit returns the per-minute limit
func (l *Limiter) Limit() int {
	return l.config.RequestsPerMinute
}

// Allow records a request for clientID and reports whether it is admitted
func (l *Limiter) Allow(clientID string) bool {
	if !l.Enabled() {
		return true
	}

	now := l.config.Now()
	minute := now.Unix() / 60

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.clients[clientID]
	if !ok {
		if len(l.clients) >= l.config.MaxClients {
			l.evictOldestLocked()
		}
		w = &window{buckets: make(map[int64]int, 2)}
		l.clients[clientID] = w
	}
	w.lastSeen = now

	for b := range w.buckets {
		if b < minute-1 {
			delete(w.buckets, b)
		}
	}
	w.buckets[minute]++

	total := 0
	for _, n := range w.buckets {
		total += n
	}
	return total <= l.config.RequestsPerMinute
}

// RetryAfter is how long a rejected client must stay quiet before its next
// request is admitted. The previous bucket lapses at the next minute
// boundary; if the current bucket is already full it lapses a minute later.
func (l *Limiter) RetryAfter(clientID string) time.Duration {
	now := l.config.Now()
	minute := now.Unix() / 60
	untilNext := time.Unix((minute+1)*60, 0).Sub(now)

	l.mu.Lock()
	current := 0
	if w, ok := l.clients[clientID]; ok {
		current = w.buckets[minute]
	}
	l.mu.Unlock()

	if current < l.config.RequestsPerMinute {
		return untilNext
	}
	return untilNext + time.Minute
}

// evictOldestLocked drops the least recently seen client
func (l *Limiter) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	first := true
	for id, w := range l.clients {
		if first || w.lastSeen.Before(oldest) {
			oldestID, oldest, first = id, w.lastSeen, false
		}
	}
	if !first {
		delete(l.clients, oldestID)
	}
}

// Sweep drops clients idle longer than IdleTimeout and returns how many were removed
func (l *Limiter) Sweep() int {
	cutoff := l.config.Now().Add(-l.config.IdleTimeout)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, w := range l.clients {
		if w.lastSeen.Before(cutoff) {
			delete(l.clients, id)
			removed++
		}
	}
	return removed
}

// Clients returns the number of tracked clients
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
