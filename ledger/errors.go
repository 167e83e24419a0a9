package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation error")

	ErrNoRepresentativeAvailable = errors.New("no representative available")
	ErrRepresentativeTermExpired = errors.New("representative term expired")
	ErrForwardingFailure         = errors.New("forwarding failure")
	ErrUnknownDestination        = errors.New("unknown destination")
	ErrPersistence               = errors.New("persistence error")
	ErrInvalidTransition         = errors.New("invalid status transition")
	ErrNotFound                  = errors.New("not found")

	// Chain linkage errors raised by Chain.Append.
	ErrHashMismatch     = errors.New("block hash does not match its contents")
	ErrPrevHashMismatch = errors.New("block prev_hash does not match chain tip")
	ErrIndexGap         = errors.New("block index does not follow chain tip")
)

// ValidationError describes a malformed transaction rejected at ingress.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
