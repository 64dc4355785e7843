package clickpesa

import (
	"errors"
	"fmt"
)

// ErrNoRecords is returned when a status query finds no transaction
// for the given order reference.
var ErrNoRecords = errors.New("no records found for reference")

// AuthError indicates the gateway rejected our credentials or token
// (HTTP 401/403). The client invalidates the cached token and retries
// once with a fresh one before surfacing this.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("clickpesa auth failed (%d): %s", e.StatusCode, e.Message)
}

// APIError is any non-auth error response from the gateway.
type APIError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("clickpesa api error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("clickpesa api error: %s", e.Message)
}

// Retryable reports whether the error is worth retrying (5xx or
// transport failure). 4xx responses are permanent.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// ValidationError indicates a request failed local validation before
// any API call was made.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}
