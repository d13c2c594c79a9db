package app

import (
	"errors"
	"fmt"
)

// Domain error sentinels for the relay application layer.
// These enable consistent HTTP status mapping via errors.Is().

var (
	// ErrNotFound indicates the requested task, token or artifact does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates invalid input from the caller.
	ErrValidation = errors.New("validation error")

	// ErrConflict indicates an illegal state transition (e.g. a result
	// submitted against an already-terminal task).
	ErrConflict = errors.New("conflict")

	// ErrGone indicates an expired share token.
	ErrGone = errors.New("gone")

	// ErrTooLarge indicates a body or artifact-set size ceiling was exceeded.
	ErrTooLarge = errors.New("payload too large")

	// ErrRateLimited indicates the caller exceeded its request budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnavailable indicates a required dependency is not configured or ready.
	ErrUnavailable = errors.New("service unavailable")
)

// NotFoundError wraps ErrNotFound with a descriptive message.
func NotFoundError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrNotFound)
}

// ValidationError wraps ErrValidation with a descriptive message.
func ValidationError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrValidation)
}

// ConflictError wraps ErrConflict with a descriptive message.
func ConflictError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrConflict)
}

// GoneError wraps ErrGone with a descriptive message.
func GoneError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrGone)
}

// TooLargeError wraps ErrTooLarge with a descriptive message.
func TooLargeError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrTooLarge)
}
