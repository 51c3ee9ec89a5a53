package pipedrive

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// NetworkError wraps a transport-level failure (DNS, connection reset,
// timeout) after retries are exhausted.
type NetworkError struct {
	Op  string
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// RateLimitError reports a denied or throttled request. RetryAfter is the
// earliest point at which a retry can succeed.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// APIError carries a non-2xx response status and the server-supplied
// message. 4xx (other than 429) statuses are terminal; 5xx appear here
// only after retries are exhausted.
type APIError struct {
	StatusCode int
	Message    string
	ErrorInfo  string
}

func (e *APIError) Error() string {
	if e.ErrorInfo != "" {
		return fmt.Sprintf("api error: status=%d message=%s info=%s", e.StatusCode, e.Message, e.ErrorInfo)
	}
	return fmt.Sprintf("api error: status=%d message=%s", e.StatusCode, e.Message)
}

// VersionConflictError reports a 412 from an If-Match guarded update. It
// is never retried; the caller must re-fetch and re-resolve.
type VersionConflictError struct {
	Path    string
	Version int64
	Message string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s (sent version %d): %s", e.Path, e.Version, e.Message)
}

// apiErrorFromBody builds an APIError from a response body that may or
// may not be a JSON envelope.
func apiErrorFromBody(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Message: http.StatusText(status)}
	var env envelope
	if json.Unmarshal(body, &env) == nil {
		if env.Error != "" {
			apiErr.Message = env.Error
		}
		apiErr.ErrorInfo = env.ErrorInfo
	}
	return apiErr
}

// IsRetryable reports whether the error class would have been retried by
// the client (network failures, 429, 5xx).
func IsRetryable(err error) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return false
}

// IsNotFound reports whether the error is a 404 from the CRM.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
