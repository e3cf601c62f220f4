package protocol

import "fmt"

// Error is a protocol-level rejection with a stable wire code. Normalizers
// return it instead of raising, so handlers can answer with a structured
// rejection and keep the connection open.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func Errf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorCode extracts the wire code from an error, falling back to a generic
// parse code for non-protocol errors.
func ErrorCode(err error) string {
	if pe, ok := err.(*Error); ok {
		return pe.Code
	}
	return "parse_error"
}
