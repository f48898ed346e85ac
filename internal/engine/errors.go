package engine

import (
	"errors"
	"fmt"
)

// Kind classifies a turn failure for the transport layer.
type Kind int

const (
	InternalFailure Kind = iota
	AuthenticationRequired
	ValidationFailed
	RateLimitExceeded
	PersonaNotFound
	InputTooLarge
	BackendUnavailable
)

func (k Kind) String() string {
	switch k {
	case AuthenticationRequired:
		return "authentication_required"
	case ValidationFailed:
		return "validation_failed"
	case RateLimitExceeded:
		return "rate_limit_exceeded"
	case PersonaNotFound:
		return "persona_not_found"
	case InputTooLarge:
		return "input_too_large"
	case BackendUnavailable:
		return "backend_unavailable"
	default:
		return "internal_failure"
	}
}

// Error is the only error type Prepare and Relay return.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func fail(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind of err, InternalFailure when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InternalFailure
}
