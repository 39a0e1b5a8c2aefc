package orders

import (
	"errors"
	"fmt"
)

// ErrInvariantViolation marks programming-logic faults: illegal state
// transitions and overfills.
var ErrInvariantViolation = errors.New("invariant violation")

// ValidationError reports a malformed intent. No order is created for it
// and it is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid order intent: " + e.Reason
	}
	return fmt.Sprintf("invalid order intent: %s: %s", e.Field, e.Reason)
}

// InvariantViolation wraps ErrInvariantViolation with the affected order.
type InvariantViolation struct {
	OrderID string
	Detail  string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("%s: order %s: %s", ErrInvariantViolation, e.OrderID, e.Detail)
}

func (e *InvariantViolation) Unwrap() error {
	return ErrInvariantViolation
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
