package agent365

import (
	"errors"

	"github.com/microsoft/agent365-go/internal/export"
)

// DeliveryError reports a batch that could not be delivered after all
// retry attempts. It carries the identity of the failed batch and, when
// the server responded, the final HTTP status code.
type DeliveryError = export.DeliveryError

// ErrShutdown is returned from export paths entered after Shutdown.
var ErrShutdown = export.ErrShutdown

// IsRateLimited returns true if the delivery failed with a 429.
func IsRateLimited(err error) bool {
	var e *DeliveryError
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}

// IsUnauthorized returns true if the delivery failed with a 401.
func IsUnauthorized(err error) bool {
	var e *DeliveryError
	if errors.As(err, &e) {
		return e.StatusCode == 401
	}
	return false
}

// IsServerError returns true if the delivery failed with a 5xx after
// exhausting retries.
func IsServerError(err error) bool {
	var e *DeliveryError
	if errors.As(err, &e) {
		return e.StatusCode >= 500
	}
	return false
}
