package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Class buckets a provider failure by how the orchestrator must react.
type Class string

const (
	// ClassTransient failures are retried with capped exponential backoff.
	ClassTransient Class = "transient"
	// ClassRecoverable failures are logged and the turn continues.
	ClassRecoverable Class = "recoverable"
	// ClassFatalBackend failures count against the backend's circuit and
	// trigger failover once the circuit opens.
	ClassFatalBackend Class = "fatal_backend"
	// ClassFatalSession failures move the turn controller to its error
	// state; the caller must reset explicitly.
	ClassFatalSession Class = "fatal_session"
)

// MaxTransientAttempts bounds retry loops for transient failures.
const MaxTransientAttempts = 3

// StatusError carries an upstream HTTP status through error wrapping so
// ClassifyErr can apply the status taxonomy instead of guessing from text.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.Status)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Body)
}

// ClassifyHTTPStatus maps an upstream HTTP status onto the failure taxonomy.
func ClassifyHTTPStatus(code int) Class {
	switch {
	case code == 401 || code == 403:
		return ClassFatalBackend
	case code == 408 || code == 429:
		return ClassTransient
	case code >= 500:
		return ClassTransient
	case code >= 400:
		return ClassRecoverable
	default:
		return ClassRecoverable
	}
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ClassifyProviderCode maps adapter event error codes onto the taxonomy.
func ClassifyProviderCode(code string) Class {
	switch code {
	case "rate_limited", "resource_exhausted", "queue_overflow", "timeout", "overloaded":
		return ClassTransient
	case "auth_failed", "invalid_api_key", "quota_exceeded", "backend_unavailable":
		return ClassFatalBackend
	case "session_expired", "unsupported_format", "policy_violation":
		return ClassFatalSession
	case "malformed_response", "decode_failed", "unit_failed":
		return ClassRecoverable
	default:
		return ClassRecoverable
	}
}

// ClassifyErr maps a transport-level error onto the taxonomy. Context
// cancellation is deliberate shutdown, not a backend fault.
func ClassifyErr(err error) Class {
	if err == nil {
		return ClassRecoverable
	}
	if errors.Is(err, context.Canceled) {
		return ClassRecoverable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return ClassifyHTTPStatus(statusErr.Status)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	return ClassFatalBackend
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
