// Package errdefs defines the error classes shared by every layer of the
// service. Packages wrap these sentinels with %w and callers classify with
// errors.Is, so a low level failure keeps its class all the way to the API.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks bad input. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks a missing entity or cluster object.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks duplicate names or a state that does not allow the operation.
	ErrConflict = errors.New("conflict")
	// ErrForbidden marks an RBAC or ownership refusal. Never retried.
	ErrForbidden = errors.New("forbidden")
	// ErrNotAuthorized marks a missing or invalid identity.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrTransient marks network, timeout and 5xx failures that may succeed on retry.
	ErrTransient = errors.New("transient error")
	// ErrCorruption marks a shared artifact that failed to parse.
	ErrCorruption = errors.New("corruption detected")
)

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }
func IsCorruption(err error) bool { return errors.Is(err, ErrCorruption) }
func IsNotAuthorized(err error) bool { return errors.Is(err, ErrNotAuthorized) }

// Validationf returns a validation error with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf returns a not found error with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Conflictf returns a conflict error with a formatted message.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// Forbiddenf returns a forbidden error with a formatted message.
func Forbiddenf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

// Class names the class of err for status reasons and metric labels.
func Class(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsValidation(err):
		return "validation"
	case IsNotFound(err):
		return "not_found"
	case IsConflict(err):
		return "conflict"
	case IsForbidden(err):
		return "forbidden"
	case IsNotAuthorized(err):
		return "not_authorized"
	case IsTransient(err):
		return "transient"
	case IsCorruption(err):
		return "corruption"
	default:
		return "internal"
	}
}

// Reason renders err as the human readable reason stored on an entity.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > 1000 {
		msg = msg[:1000]
	}
	return Class(err) + ": " + msg
}
