package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"segmentation-gateway/internal/models"
)

// StatusClientClosedRequest is reported when the caller went away mid-request
const StatusClientClosedRequest = 499

// Retry hints for retryable failures
const (
	capacityRetryAfter = 30 * time.Second
	busyRetryAfter     = time.Second
)

type mappedError struct {
	status     int
	message    string
	retryAfter time.Duration
}

// classify maps sentinel errors to HTTP status codes. Engine failures get a
// generic message; the details are only logged.
func classify(err error) mappedError {
	switch {
	case errors.Is(err, models.ErrSessionNotFound), errors.Is(err, models.ErrCacheKeyNotFound):
		return mappedError{status: http.StatusNotFound, message: err.Error()}
	case errors.Is(err, models.ErrInvalidSource), errors.Is(err, models.ErrInvalidRequest):
		return mappedError{status: http.StatusBadRequest, message: err.Error()}
	case errors.Is(err, models.ErrBusy):
		return mappedError{status: http.StatusConflict, message: err.Error(), retryAfter: busyRetryAfter}
	case errors.Is(err, models.ErrDuplicateID):
		return mappedError{status: http.StatusConflict, message: err.Error()}
	case errors.Is(err, models.ErrCapacityExceeded):
		return mappedError{status: http.StatusServiceUnavailable, message: err.Error(), retryAfter: capacityRetryAfter}
	case errors.Is(err, models.ErrRateLimited):
		return mappedError{status: http.StatusTooManyRequests, message: err.Error()}
	case errors.Is(err, models.ErrUnauthorized):
		return mappedError{status: http.StatusUnauthorized, message: err.Error()}
	case errors.Is(err, models.ErrForbidden):
		return mappedError{status: http.StatusForbidden, message: err.Error()}
	case errors.Is(err, models.ErrEngineUnavailable):
		return mappedError{status: http.StatusServiceUnavailable, message: err.Error()}
	case errors.Is(err, models.ErrEngineFailure):
		return mappedError{status: http.StatusBadGateway, message: "segmentation engine failed to process the request"}
	case errors.Is(err, models.ErrCancelled), errors.Is(err, context.Canceled):
		return mappedError{status: StatusClientClosedRequest, message: "request cancelled"}
	case errors.Is(err, context.DeadlineExceeded):
		return mappedError{status: http.StatusGatewayTimeout, message: "request timed out"}
	}
	return mappedError{status: http.StatusInternalServerError, message: "internal server error"}
}

func statusText(status int) string {
	if status == StatusClientClosedRequest {
		return "Client Closed Request"
	}
	return http.StatusText(status)
}

func retrySeconds(d time.Duration) int {
	return int(math.Max(1, math.Ceil(d.Seconds())))
}
