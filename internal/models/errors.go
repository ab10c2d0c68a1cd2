package models

import "errors"

// Engine error taxonomy. Every failure crossing a package boundary wraps
// exactly one of these sentinels so callers can branch with errors.Is.
var (
	// ErrValidation: bad input, caller's fault, not retried.
	ErrValidation = errors.New("validation failed")
	// ErrConflict: current state prevents the operation.
	ErrConflict = errors.New("conflict")
	// ErrNotFound: the referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// Concurrency guards; retryable later by the same caller.
	ErrAlreadyInProgress      = errors.New("purchase already in progress")
	ErrUnresolvedPriorAttempt = errors.New("unresolved prior payment attempt")

	// Settlement preconditions.
	ErrServiceInactive = errors.New("service inactive")
	ErrAlreadyOwned    = errors.New("service already owned")

	// External funding failures, surfaced verbatim to the buyer.
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrPaymentFailed       = errors.New("payment failed")

	// ErrPaymentPendingReconciliation: the ledger network never answered.
	// Never auto-retried; an explicit reconciliation pass resolves it.
	ErrPaymentPendingReconciliation = errors.New("payment pending reconciliation")

	// Entitlement checks, surfaced as "you don't have access".
	ErrAccessDenied = errors.New("access denied")
	ErrExhausted    = errors.New("entitlement usage exhausted")
	ErrExpired      = errors.New("entitlement expired")

	// ErrStorageUnavailable: durable storage unreachable; the engine falls
	// back to the degraded local store. Logged, not fatal.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
