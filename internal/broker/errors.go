package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a broker failure.
type Kind int

const (
	// Transient failures (timeouts, rate limits, 5xx) may be retried.
	Transient Kind = iota
	// Permanent failures are explicit broker rejections.
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// Error is a classified broker error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Reason is the underlying message without the classification prefix.
func (e *Error) Reason() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// NewTransient wraps err as a retryable failure.
func NewTransient(op string, err error) *Error {
	return &Error{Kind: Transient, Op: op, Err: err}
}

// NewPermanent wraps err as a rejection.
func NewPermanent(op string, err error) *Error {
	return &Error{Kind: Permanent, Op: op, Err: err}
}

// IsTransient reports whether err may be retried. Unclassified network
// timeouts count as transient; anything else unclassified does not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Reason extracts a human-readable rejection reason.
func Reason(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return be.Reason()
	}
	return err.Error()
}
