package models

import "errors"

// Sentinel errors shared by the gateway components. Callers wrap them with
// fmt.Errorf("...: %w", err) and classify with errors.Is.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrCacheKeyNotFound = errors.New("cache key not found")
	ErrDuplicateID      = errors.New("session id already exists")

	// Retryable.
	ErrCapacityExceeded = errors.New("session capacity exceeded")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrBusy             = errors.New("session busy")

	ErrInvalidSource  = errors.New("invalid media source")
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")

	// ErrEngineFailure wraps any error returned by the segmentation engine.
	ErrEngineFailure     = errors.New("segmentation engine failure")
	ErrEngineUnavailable = errors.New("segmentation engine not enabled")

	// ErrCancelled marks a consumer-initiated stream abort. It is a normal
	// terminal state, not a server error.
	ErrCancelled = errors.New("cancelled")
)

// IsRetryable reports whether the caller may retry the same request later
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy) ||
		errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrRateLimited)
}
