package domain

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrConflict          = errors.New("transaction_lease_conflict")
	ErrTransientStore    = errors.New("transaction_store_unavailable")
	ErrInvalidTransition = errors.New("invalid_match_transition")
	ErrInvalidOutcome    = errors.New("invalid_match_outcome")
	ErrInvalidID         = errors.New("invalid_id")
	ErrNotFound          = errors.New("not_found")
	ErrNotDeferred       = errors.New("transaction_not_deferred")
	ErrLeaseHeld         = errors.New("transaction_lease_held")
	ErrInvalidState      = errors.New("invalid_match_state")
	ErrInvalidPageToken  = errors.New("invalid_page_token")
)

// ConflictError reports that a commit lost its lease or raced a state change.
type ConflictError struct {
	TransactionID snowflake.ID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("transaction %s: lease lost or state changed", e.TransactionID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// TransientError wraps a storage failure the next run may not hit.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool {
	return target == ErrTransientStore
}
