package research

import (
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 10 * time.Second
	retryAfterCap  = 30 * time.Second
	maxAttempts    = 3
)

// isRetryableStatus reports whether a GET request that received statusCode
// (or failed with a connection-level error when statusCode is 0) should be
// retried. Every fetch in this package is a GET, so unlike the teacher's
// isRetryable this needs no per-method idempotency check.
func isRetryableStatus(statusCode int, connErr bool) bool {
	if connErr {
		return true
	}
	switch statusCode {
	case http.StatusServiceUnavailable, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// retryDelay computes the backoff for a given attempt (0 = first retry),
// honoring an upstream Retry-After duration when present. Mirrors the
// teacher's executor.retryDelay.
func retryDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > retryAfterCap {
			return retryAfterCap
		}
		return retryAfter
	}

	exp := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(retryBaseDelay) * exp)
	jitter := time.Duration(rand.Int64N(int64(retryBaseDelay / 2)))
	delay += jitter

	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// parseRetryAfter extracts a delay from a Retry-After header value,
// handling both integer-seconds and HTTP-date forms. Mirrors the teacher's
// executor.parseRetryAfter.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		d := time.Duration(seconds) * time.Second
		if d > retryAfterCap {
			return retryAfterCap
		}
		return d
	}
	if t, err := http.ParseTime(value); err == nil {
		d := time.Until(t)
		if d <= 0 {
			return 0
		}
		if d > retryAfterCap {
			return retryAfterCap
		}
		return d
	}
	return 0
}
