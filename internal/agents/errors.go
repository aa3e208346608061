package agents

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds callers branch on with errors.Is
var (
	// ErrNotFound means the requested assistant does not exist
	ErrNotFound = errors.New("assistant not found")
	// ErrAuth means the API key is invalid or lacks access
	ErrAuth = errors.New("authentication failed")
	// ErrConnectivity means the API could not be reached
	ErrConnectivity = errors.New("api unreachable")
	// ErrTimeout means a run did not reach a terminal state in time
	ErrTimeout = errors.New("timed out waiting for run")
)

// APIError represents a non-2xx response from the API. The API returns
// {"error":{"type":"...","code":"...","message":"..."}} bodies.
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("api: HTTP %d: %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("api: HTTP %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the status code onto the package error kinds
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuth
	default:
		return nil
	}
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAuth reports whether err is an authentication or permission failure.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}
