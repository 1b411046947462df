// Package fault defines the error taxonomy shared by the messaging core.
// Handlers and collaborators classify failures with errors.Is against these
// sentinels; transient backend failures are wrapped so callers can decide
// whether a user-initiated retry makes sense.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidParticipants is returned when a thread is requested for a
	// user pair that cannot form a conversation (both sides the same id).
	ErrInvalidParticipants = errors.New("invalid participants")

	// ErrUnauthorized is returned when the caller is not a participant of
	// the thread it is trying to read or write. Not retryable.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrEmptyBody is returned when a message body trims to nothing.
	// Recoverable client-side; rejected before any backend call.
	ErrEmptyBody = errors.New("empty message body")

	// ErrNotFound is returned when a thread, message or profile id does
	// not resolve.
	ErrNotFound = errors.New("not found")
)

// TransientError wraps a network or backend hiccup. The operation may be
// retried, but retries are never automatic: the caller owns idempotency.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError for the named operation.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
