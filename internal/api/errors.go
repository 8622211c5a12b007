package api

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("resource not found")
	ErrAuthFailed = errors.New("authentication failed")
)

// RateLimitError carries the Retry-After value from a 429 response so
// callers can use it as a floor on their next attempt.
type RateLimitError struct {
	RetryAfter int // seconds
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %d seconds", e.RetryAfter)
}

// ServerError represents a 5xx response.
type ServerError struct {
	Status int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %d", e.Status)
}
