package api

import (
	"errors"
	"fmt"
	"net/http"
)

// ClientError is an HTTP error response from the API server.
type ClientError struct {
	StatusCode int
	Method     string
	URL        string
	Body       string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("%s %s: server returned %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Transient reports whether the error is worth retrying on a later tick.
func (e *ClientError) Transient() bool {
	return e.StatusCode >= 500
}

// ConnectionError means the API server could not be reached at all.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ResolutionError means a shortcut lookup was ambiguous or empty.
type ResolutionError struct {
	What  string
	Found int
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving %s: found %d matches, expected 1", e.What, e.Found)
}

// IsNotFound reports whether err is an HTTP 404 from the API server.
func IsNotFound(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce) && ce.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is an HTTP 409 from the API server.
func IsConflict(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce) && ce.StatusCode == http.StatusConflict
}

// IsTransient reports whether err should be retried on the next tick:
// connection failures and server-side errors qualify, client-side
// rejections do not.
func IsTransient(err error) bool {
	var conn *ConnectionError
	if errors.As(err, &conn) {
		return true
	}
	var ce *ClientError
	return errors.As(err, &ce) && ce.Transient()
}
