package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrTerminal marks fetch failures that must not be retried. Use
// errors.Is(err, ErrTerminal) to distinguish them from transient failures.
var ErrTerminal = errors.New("terminal fetch error")

// StatusError reports an unexpected HTTP status code.
type StatusError struct {
	Code int
	URL  string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Code)
}

// Is reports ErrTerminal for status codes that will not improve on retry.
func (e *StatusError) Is(target error) bool {
	if target == ErrTerminal {
		return e.Code == http.StatusForbidden || e.Code == http.StatusNotFound
	}
	return false
}

// isRateLimited reports whether err carries an HTTP 429.
func isRateLimited(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Code == http.StatusTooManyRequests
}

// isTimeout classifies transport-level errors that warrant a retry with a
// fresh header set.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
