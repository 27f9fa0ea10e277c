package error

import (
	"errors"
	"net/http"
)

// TransientError covers timeouts, 5xx responses and rate-limit signals.
// The failure is retryable; retry policy belongs to the caller.
type TransientError string

func (err TransientError) Error() string {
	return string(err)
}

func (err TransientError) ErrCode() string {
	return "TRANSIENT_ERROR"
}

func (err TransientError) StatusCode() int {
	return http.StatusServiceUnavailable
}

// IsRetryable reports whether err (or anything it wraps) is a TransientError.
func IsRetryable(err error) bool {
	var t TransientError
	return errors.As(err, &t)
}
