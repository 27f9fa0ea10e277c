package utils

// ResponseData is the JSON envelope every REST endpoint returns.
type ResponseData struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Results any    `json:"results,omitempty"`
}

// PanicIfNeeded panics with err so the recovery middleware can translate it
// into the proper HTTP response. Keeps handler bodies linear.
func PanicIfNeeded(err error) {
	if err != nil {
		panic(err)
	}
}
