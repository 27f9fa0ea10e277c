package error

import "net/http"

// AuthError signals an expired or invalid token. Callers should attempt one
// token refresh; a second failure is surfaced as a connection error.
type AuthError string

func (err AuthError) Error() string {
	return string(err)
}

func (err AuthError) ErrCode() string {
	return "AUTH_ERROR"
}

func (err AuthError) StatusCode() int {
	return http.StatusUnauthorized
}
