package safety

import (
	"errors"
	"fmt"
)

// ErrEventNotFound is returned when no event exists with the given id.
var ErrEventNotFound = errors.New("safety event not found")

// ValidationError describes a malformed event payload. Validation failures
// are rejected before persistence; nothing is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid safety event: %s: %s", e.Field, e.Reason)
}

// PersistenceError wraps a storage failure. The event was not durably
// stored; the client is expected to retry through its durability queue.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("safety event persistence failed during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a payload validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsPersistence reports whether err is a storage failure.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
