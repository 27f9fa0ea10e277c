package error

import "net/http"

// SecurityError signals a failed webhook signature or freshness check. The
// request is logged and dropped; the sender never learns why.
type SecurityError string

func (err SecurityError) Error() string {
	return string(err)
}

func (err SecurityError) ErrCode() string {
	return "SECURITY_ERROR"
}

func (err SecurityError) StatusCode() int {
	return http.StatusForbidden
}
