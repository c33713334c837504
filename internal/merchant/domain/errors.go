package domain

import (
	"errors"
	"fmt"
)

var (
	ErrResolver       = errors.New("merchant_resolver_failed")
	ErrInvalidScoring = errors.New("invalid_merchant_scoring")
)

// ResolverError wraps a failure in one of the candidate sources.
type ResolverError struct {
	Source string
	Err    error
}

func (e *ResolverError) Error() string {
	return fmt.Sprintf("merchant resolver %s: %v", e.Source, e.Err)
}

func (e *ResolverError) Unwrap() error { return e.Err }

func (e *ResolverError) Is(target error) bool {
	return target == ErrResolver
}
