package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel errors classify every failure the core surfaces. Callers match
// with errors.Is; the wire layer maps them to protocol codes via Code.
var (
	ErrValidation         = errors.New("validation failed")
	ErrConflict           = errors.New("conflict")
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrUnschedulable      = errors.New("unschedulable")
	ErrStaleIncarnation   = errors.New("stale incarnation")
)

// Wire codes carried in *:error frames and adapter errors.
const (
	CodeValidation         = "VALIDATION"
	CodeConflict           = "CONFLICT"
	CodeNotFound           = "NOT_FOUND"
	CodeForbidden          = "FORBIDDEN"
	CodeQuotaExceeded      = "QUOTA_EXCEEDED"
	CodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	CodeInvalidState       = "INVALID_STATE"
	CodeUnknownType        = "UNKNOWN_TYPE"
	CodeInternal           = "INTERNAL"
)

// Validation returns a field-level validation error.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Conflict returns a conflict error (duplicate name, stale version).
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// NotFound returns a not-found error for the given kind and id.
func NotFound(kind, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, kind, id)
}

// Forbidden returns an authorization error.
func Forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

// BackendUnavailable wraps a transport or backend failure from the
// durable adapter.
func BackendUnavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

// InvalidTransition returns an FSM violation error.
func InvalidTransition(kind string, from, to any) error {
	return fmt.Errorf("%w: %s %v -> %v", ErrInvalidTransition, kind, from, to)
}

// Transient reports whether an operation may succeed on retry. Only
// backend availability failures qualify; everything else is determinate.
func Transient(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

// Code maps an error to its wire code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrQuotaExceeded):
		return CodeQuotaExceeded
	case errors.Is(err, ErrBackendUnavailable):
		return CodeBackendUnavailable
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrStaleIncarnation):
		return CodeInvalidState
	default:
		return CodeInternal
	}
}

// FromCode reconstructs the sentinel for a wire code received from a
// peer. Unknown codes collapse to a generic error.
func FromCode(code, message string) error {
	var base error
	switch code {
	case CodeValidation:
		base = ErrValidation
	case CodeConflict:
		base = ErrConflict
	case CodeNotFound:
		base = ErrNotFound
	case CodeForbidden:
		base = ErrForbidden
	case CodeQuotaExceeded:
		base = ErrQuotaExceeded
	case CodeBackendUnavailable:
		base = ErrBackendUnavailable
	case CodeInvalidState:
		base = ErrInvalidTransition
	default:
		return fmt.Errorf("%s: %s", code, message)
	}
	return fmt.Errorf("%w: %s", base, message)
}
