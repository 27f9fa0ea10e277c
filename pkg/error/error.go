package error

// GenericError is implemented by every error type in this package. The REST
// tier uses it to translate a failure into an HTTP status and stable code
// without switching on concrete types.
type GenericError interface {
	error
	ErrCode() string
	StatusCode() int
}
