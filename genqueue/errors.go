package genqueue

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is wrapped by every *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned for unknown items and for items owned by someone else.
	ErrNotFound = errors.New("job item not found")
	// ErrLeaseHeld means another run currently owns the item.
	ErrLeaseHeld = errors.New("job item leased by another run")
)

// ValidationError describes a rejected enqueue input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ErrRunInProgress is returned when this process already runs a worker for the owner.
var ErrRunInProgress = errors.New("worker run already in progress for owner")
