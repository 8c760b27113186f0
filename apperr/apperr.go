// Package apperr defines the error kinds shared across the command
// normalizer, PTY layer, session manager, and transports (see the error
// handling design: ValidationError, SecurityError, NotFoundError,
// ResourceError, TransportError, InternalError).
package apperr

import "fmt"

// Kind classifies an Error.
type Kind string

const (
	Validation Kind = "ValidationError"
	Security   Kind = "SecurityError"
	NotFound   Kind = "NotFoundError"
	Resource   Kind = "ResourceError"
	Transport  Kind = "TransportError"
	Internal   Kind = "InternalError"
)

// Error is a classified application error. Handlers return it directly;
// the MCP tool wiring reports it as an error tool result with its message,
// and KindOf recovers its Kind through wrapping.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func Validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: Validation, Message: fmt.Sprintf(format, args...)}
}

func Securityf(format string, args ...interface{}) *Error {
	return &Error{Kind: Security, Message: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...interface{}) *Error {
	return &Error{Kind: NotFound, Message: fmt.Sprintf(format, args...)}
}

func Resourcef(format string, args ...interface{}) *Error {
	return &Error{Kind: Resource, Message: fmt.Sprintf(format, args...)}
}

func Transportf(format string, args ...interface{}) *Error {
	return &Error{Kind: Transport, Message: fmt.Sprintf(format, args...)}
}

func Internalf(cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: Internal, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, and
// Internal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if as(err, &e) {
		return e.Kind
	}
	return Internal
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
