// Package tracequery provides a Go client for the TraceQuery span analytics API.
package tracequery

import (
	"errors"
	"fmt"
)

// Error represents an error returned by the TraceQuery API, carrying the
// HTTP status code and the server's error envelope.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("tracequery: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsInvalidFilter returns true if the server rejected the query's filter tree.
func IsInvalidFilter(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == "invalid_filter"
	}
	return false
}

// IsQueryCancelled returns true if the query exceeded the server's
// statement timeout.
func IsQueryCancelled(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == "query_cancelled"
	}
	return false
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}
