package error

import "net/http"

// PermanentError covers rejections that will never succeed on retry: blocked
// recipients, malformed recipient ids, unsupported content types.
type PermanentError string

func (err PermanentError) Error() string {
	return string(err)
}

func (err PermanentError) ErrCode() string {
	return "PERMANENT_ERROR"
}

func (err PermanentError) StatusCode() int {
	return http.StatusUnprocessableEntity
}
