package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a task id does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrConflictRejected indicates that arbitration refused an incoming write.
	ErrConflictRejected = errors.New("rejected due to concurrent modification")
	// ErrVersionConflict indicates that the underlying storage rejected a
	// conditional update because the stored version moved on since it was read.
	ErrVersionConflict = errors.New("version conflict")
	// ErrStorageFailure wraps unexpected store errors.
	ErrStorageFailure = errors.New("storage failure")
)

// ValidationError reports a missing or malformed command field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Wire reasons carried by actionRejected events.
const (
	ReasonNotFound   = "not_found"
	ReasonConflict   = "conflict"
	ReasonValidation = "validation"
	ReasonDuplicate  = "duplicate"
	ReasonStorage    = "storage"
)

// RejectionReason maps a handler error onto its wire reason.
func RejectionReason(err error) string {
	var verr *ValidationError
	switch {
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrConflictRejected), errors.Is(err, ErrVersionConflict):
		return ReasonConflict
	case errors.As(err, &verr):
		return ReasonValidation
	default:
		return ReasonStorage
	}
}

func storageFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageFailure, op, err)
}
