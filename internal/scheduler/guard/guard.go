package guard

import (
	"errors"
	"time"

	transactiondomain "github.com/smallbiznis/rewardlink/internal/transaction/domain"
)

var (
	ErrNotLeased           = errors.New("transaction_not_leased")
	ErrLeaseExpiring       = errors.New("transaction_lease_expiring")
	ErrTransactionTerminal = errors.New("transaction_terminal")
	ErrAttemptsExhausted   = errors.New("transaction_attempts_exhausted")
)

// EnsureLeaseUsable rejects a row whose lease will not outlive the work about
// to be done on it. Committing after expiry would only produce a conflict.
func EnsureLeaseUsable(txn transactiondomain.Transaction, now time.Time, budget time.Duration) error {
	if txn.Lease() == "" || txn.LeasedUntil == nil {
		return ErrNotLeased
	}
	if !txn.LeasedUntil.After(now.Add(budget)) {
		return ErrLeaseExpiring
	}
	return nil
}

// EnsureEvaluable rejects rows the pipeline must not touch again. A row at
// exactly maxAttempts is still evaluable so it can be finalized.
func EnsureEvaluable(txn transactiondomain.Transaction, maxAttempts int) error {
	if txn.MatchState.Terminal() {
		return ErrTransactionTerminal
	}
	if txn.MatchAttempts > maxAttempts {
		return ErrAttemptsExhausted
	}
	return nil
}
