// Package service holds the session registry and the image and video
// services that drive the segmentation engine through it.
package service

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"segmentation-gateway/internal/models"
)

// RegistryConfig holds session registry configuration
type RegistryConfig struct {
	MaxSessions    int           // Live session cap (default: 10)
	SessionTimeout time.Duration // Idle time before a session may be swept (default: 1h)

	// OnEvict is called, outside registry locks, for every session removed
	// by SweepExpired.
	OnEvict func(session *models.Session)

	// Now overrides the clock in tests
	Now func() time.Time
}

type sessionEntry struct {
	mu      sync.Mutex
	session models.Session
	busy    bool
	removed bool
}

// Registry owns session metadata and grants one in-flight operation per
// session. Lock order is map then entry; an entry lock is never held while
// an operation runs.
type Registry struct {
	config RegistryConfig

	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

// NewRegistry creates a session registry
func NewRegistry(config RegistryConfig) *Registry {
	if config.MaxSessions <= 0 {
		config.MaxSessions = 10
	}
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = time.Hour
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Registry{
		config:   config,
		sessions: make(map[string]*sessionEntry),
	}
}

// MaxSessions returns the configured capacity
func (r *Registry) MaxSessions() int {
	return r.config.MaxSessions
}

// Create registers a new session. An empty id generates one. Expired
// sessions are swept first when the registry is full.
func (r *Registry) Create(id string, kind models.SessionKind, videoInfo *models.VideoInfo) (*models.Session, error) {
	now := r.config.Now()

	r.mu.Lock()
	if id != "" {
		if _, exists := r.sessions[id]; exists {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", models.ErrDuplicateID, id)
		}
	}

	var swept []*models.Session
	if len(r.sessions) >= r.config.MaxSessions {
		swept = r.sweepLocked(now)
	}
	if len(r.sessions) >= r.config.MaxSessions {
		r.mu.Unlock()
		r.evicted(swept)
		return nil, fmt.Errorf("%w: %d/%d sessions active", models.ErrCapacityExceeded, r.config.MaxSessions, r.config.MaxSessions)
	}

	if id == "" {
		for {
			id = uuid.NewString()
			if _, exists := r.sessions[id]; !exists {
				break
			}
		}
	}

	e := &sessionEntry{session: models.Session{
		ID:             id,
		Kind:           kind,
		Status:         models.StatusReady,
		CreatedAt:      now,
		LastAccessedAt: now,
	}}
	if videoInfo != nil {
		vi := *videoInfo
		e.session.VideoInfo = &vi
	}
	r.sessions[id] = e
	snapshot := e.session.Clone()
	r.mu.Unlock()

	r.evicted(swept)
	slog.Info("session created", "session_id", id, "kind", kind)
	return snapshot, nil
}

func (r *Registry) entry(id string) (*sessionEntry, error) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, id)
	}
	return e, nil
}

// Get returns a snapshot of the session
func (r *Registry) Get(id string) (*models.Session, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, id)
	}
	return e.session.Clone(), nil
}

// WithSession runs op while holding the session's exclusive execution right.
// A session already held by another call fails immediately with ErrBusy. The
// right is released when op returns, fails or panics. op receives a snapshot;
// metadata changes go through the Update methods.
func (r *Registry) WithSession(id string, op func(session *models.Session) error) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", models.ErrSessionNotFound, id)
	}
	if e.busy {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s has an operation in progress", models.ErrBusy, id)
	}
	e.busy = true
	e.session.LastAccessedAt = r.config.Now()
	snapshot := e.session.Clone()
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.busy = false
		e.session.LastAccessedAt = r.config.Now()
		e.mu.Unlock()
	}()

	return op(snapshot)
}

// IsBusy reports whether an operation currently holds the session
func (r *Registry) IsBusy(id string) bool {
	e, err := r.entry(id)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy
}

func (r *Registry) update(id string, fn func(s *models.Session)) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return fmt.Errorf("%w: %s", models.ErrSessionNotFound, id)
	}
	fn(&e.session)
	e.session.LastAccessedAt = r.config.Now()
	return nil
}

// UpdateStatus sets the session status. A non-nil cause is recorded as the
// last error; moving to ready clears it.
func (r *Registry) UpdateStatus(id string, status models.SessionStatus, cause error) error {
	return r.update(id, func(s *models.Session) {
		s.Status = status
		switch {
		case cause != nil:
			s.LastError = cause.Error()
		case status == models.StatusReady:
			s.LastError = ""
		}
	})
}

// UpdateStats overwrites the counters that are non-nil
func (r *Registry) UpdateStats(id string, objectsCount, framesProcessed *int) error {
	return r.update(id, func(s *models.Session) {
		if objectsCount != nil {
			s.ObjectsCount = *objectsCount
		}
		if framesProcessed != nil {
			s.FramesProcessed = *framesProcessed
		}
	})
}

// SetVideoInfo records the media description reported by the engine
func (r *Registry) SetVideoInfo(id string, info models.VideoInfo) error {
	return r.update(id, func(s *models.Session) {
		s.VideoInfo = &info
	})
}

// SetEngineSession links the session to its engine-side state
func (r *Registry) SetEngineSession(id, engineSessionID, sourcePath string) error {
	return r.update(id, func(s *models.Session) {
		s.EngineSessionID = engineSessionID
		s.SourcePath = sourcePath
	})
}

// Delete removes the session and reports whether it existed
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	e.mu.Lock()
	e.removed = true
	e.session.Status = models.StatusClosed
	e.mu.Unlock()
	return true
}

// sweepLocked removes idle sessions that are not held. Caller holds r.mu.
func (r *Registry) sweepLocked(now time.Time) []*models.Session {
	var swept []*models.Session
	for id, e := range r.sessions {
		e.mu.Lock()
		if !e.busy && e.session.IdleFor(now) >= r.config.SessionTimeout {
			e.removed = true
			e.session.Status = models.StatusClosed
			swept = append(swept, e.session.Clone())
			delete(r.sessions, id)
		}
		e.mu.Unlock()
	}
	return swept
}

func (r *Registry) evicted(swept []*models.Session) {
	for _, s := range swept {
		slog.Info("session expired", "session_id", s.ID, "idle", r.config.Now().Sub(s.LastAccessedAt).Round(time.Second))
		if r.config.OnEvict != nil {
			r.config.OnEvict(s)
		}
	}
}

// SweepExpired removes sessions idle beyond the timeout that no operation
// holds, and returns them.
func (r *Registry) SweepExpired() []*models.Session {
	r.mu.Lock()
	swept := r.sweepLocked(r.config.Now())
	r.mu.Unlock()

	r.evicted(swept)
	return swept
}

// List returns snapshots of all sessions ordered by creation time
func (r *Registry) List() []*models.Session {
	r.mu.RLock()
	entries := make([]*sessionEntry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*models.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.session.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of live sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Clear removes every session and returns them, for shutdown
func (r *Registry) Clear() []*models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*models.Session, 0, len(r.sessions))
	for id, e := range r.sessions {
		e.mu.Lock()
		e.removed = true
		e.session.Status = models.StatusClosed
		out = append(out, e.session.Clone())
		e.mu.Unlock()
		delete(r.sessions, id)
	}
	return out
}
