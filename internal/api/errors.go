package api

import "fmt"

// Error is an admin request failure carrying the HTTP status to report.
type Error struct {
	Code    int
	Message string
	Err     error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

func errBadRequest(message string, err error) *Error {
	return &Error{Code: 400, Message: message, Err: err}
}

func errNotTrusted() *Error {
	return &Error{Code: 401, Message: "device not paired"}
}

func errForbidden(message string) *Error {
	return &Error{Code: 403, Message: message}
}

func errNotReachable() *Error {
	return &Error{Code: 404, Message: "device not reachable"}
}

func errNotFound(message string) *Error {
	return &Error{Code: 404, Message: message}
}

func errInternal(message string, err error) *Error {
	return &Error{Code: 500, Message: message, Err: err}
}

func errNotImplemented() *Error {
	return &Error{Code: 501, Message: "not implemented"}
}
