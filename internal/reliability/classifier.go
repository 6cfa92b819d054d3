package reliability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// Class is the coarse failure category surfaced to clients.
type Class string

const (
	ClassRateLimited Class = "rate_limited"
	ClassTimedOut    Class = "timed_out"
	ClassUnavailable Class = "unavailable"
	ClassRejected    Class = "rejected"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// ClassifyHTTPStatus maps an upstream status code to a failure class.
func ClassifyHTTPStatus(code int) Class {
	switch {
	case code == http.StatusTooManyRequests:
		return ClassRateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return ClassTimedOut
	case code >= 500:
		return ClassUnavailable
	default:
		return ClassRejected
	}
}

// ClassifyError maps a transport error to a failure class.
func ClassifyError(err error) Class {
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimedOut
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimedOut
	}
	return ClassUnavailable
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
