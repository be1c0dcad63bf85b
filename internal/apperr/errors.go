// Package apperr defines the error taxonomy surfaced by the synchronization client.
package apperr

import "fmt"

// Error represents a client error with a stable code and optional cause.
type Error struct {
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a new Error.
func New(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Error codes
const (
	CodeConnectionTimeout    = "CONNECTION_TIMEOUT"
	CodeNoActiveRun          = "NO_ACTIVE_RUN"
	CodeMalformedEvent       = "MALFORMED_EVENT"
	CodeStorageQuotaExceeded = "STORAGE_QUOTA_EXCEEDED"
	CodeTransportError       = "TRANSPORT_ERROR"
)

// Sentinels for errors.Is matching.
var (
	ErrConnectionTimeout    = &Error{Code: CodeConnectionTimeout, Message: "transport did not open in time"}
	ErrNoActiveRun          = &Error{Code: CodeNoActiveRun, Message: "no active run for session"}
	ErrMalformedEvent       = &Error{Code: CodeMalformedEvent, Message: "malformed event"}
	ErrStorageQuotaExceeded = &Error{Code: CodeStorageQuotaExceeded, Message: "storage quota exceeded"}
	ErrTransport            = &Error{Code: CodeTransportError, Message: "transport failure"}
)

// Malformed wraps a parse failure for an inbound event.
func Malformed(eventType string, cause error) *Error {
	return New(CodeMalformedEvent, fmt.Sprintf("invalid %q event", eventType), cause)
}

// Transport wraps a transport-level failure.
func Transport(message string, cause error) *Error {
	return New(CodeTransportError, message, cause)
}
