// pkg/enginerr/errors.go
package enginerr

import "fmt"

// Kind classifies an error for retry policy and API status mapping (§7).
type Kind string

const (
	InvalidArgument   Kind = "InvalidArgument"
	Auth              Kind = "Auth"
	NotFound          Kind = "NotFound"
	Transport         Kind = "Transport"
	ProtocolViolation Kind = "ProtocolViolation"
	IO                Kind = "IO"
	Cancelled         Kind = "Cancelled"
)

// Error carries a Kind alongside the wrapped cause so the state machine
// can decide retryability without string-matching.
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

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err, defaulting to Transport for an
// unclassified error (the conservative choice: retry rather than give up).
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return Transport
}

// Retryable reports whether the scheduler/state machine should retry an
// error of this kind rather than fail the task immediately (§4.3, §7).
func Retryable(kind Kind) bool {
	switch kind {
	case Transport, Auth:
		return true
	default:
		return false
	}
}
