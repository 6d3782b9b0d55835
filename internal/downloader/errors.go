package downloader

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// HTTPStatusError is returned when the source answers a download request with a non-2xx status.
type HTTPStatusError struct {
	URI        string        // Source of the download
	StatusCode int           // HTTP status code returned by the source
	RetryAfter time.Duration // Delay requested by the source, zero when absent
	Err        error         // Underlying error, if any
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("download of %s failed with HTTP %d", e.URI, e.StatusCode)
}

func (e *HTTPStatusError) Unwrap() error {
	return e.Err
}

// Retryable reports whether trying again later can succeed.
func (e *HTTPStatusError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	case e.StatusCode >= http.StatusInternalServerError:
		return true
	default:
		return false
	}
}

// parseRetryAfter reads a Retry-After header in either delay-seconds or HTTP-date form.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}

		return time.Duration(secs) * time.Second
	}

	if when, err := http.ParseTime(value); err == nil && when.After(now) {
		return when.Sub(now)
	}

	return 0
}
