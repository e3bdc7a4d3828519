package generator

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// APIError is a non-2xx response from the generation API.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("generation api error: %s - %s", e.Status, e.Body)
}

// IsQuota reports whether err is a rate-limit or quota exhaustion failure.
func IsQuota(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		if strings.Contains(apiErr.Body, "RESOURCE_EXHAUSTED") {
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "quota")
}

// IsRetryable classifies err for the retry wrapper. Quota exhaustion,
// server-side 5xx responses and transport failures are retryable; anything
// else (including malformed output) is fatal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsQuota(err) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
