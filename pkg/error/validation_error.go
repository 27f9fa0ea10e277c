package error

import "net/http"

// ValidationError signals missing or malformed input (credentials, recipients,
// request fields). It is surfaced immediately and never retried.
type ValidationError string

func (err ValidationError) Error() string {
	return string(err)
}

func (err ValidationError) ErrCode() string {
	return "VALIDATION_ERROR"
}

func (err ValidationError) StatusCode() int {
	return http.StatusBadRequest
}
