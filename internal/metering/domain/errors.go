package domain

import (
	"errors"
	"fmt"
)

var (
	ErrMeteringUnavailable = errors.New("metering_unavailable")
	ErrFeatureNotFound     = errors.New("feature_not_found")
	ErrInvalidAmount       = errors.New("invalid_credit_amount")
	ErrInvalidRequest      = errors.New("invalid_credit_request")
)

// UnavailableError wraps a backend failure. The caller cannot tell whether
// the credit landed, so it must retry with the same idempotency key.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("metering %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool {
	return target == ErrMeteringUnavailable
}
