// Package wallet is the boundary to the external payment network. The
// engine depends only on the three-method Adapter contract, never on a
// network-specific protocol.
package wallet

import (
	"context"
	"time"
)

// Confirmation outcomes for a submitted payment. TimedOut is distinct from
// Failed: a timed-out payment is neither settled nor safely retryable until
// a reconciliation pass re-queries the network.
type Confirmation int

const (
	ConfirmationConfirmed Confirmation = iota
	ConfirmationFailed
	ConfirmationTimedOut
)

func (c Confirmation) String() string {
	switch c {
	case ConfirmationConfirmed:
		return "CONFIRMED"
	case ConfirmationFailed:
		return "FAILED"
	case ConfirmationTimedOut:
		return "TIMED_OUT"
	}
	return "UNKNOWN"
}

// Adapter is the wallet ledger network contract.
//
// SubmitPayment is at-most-once fire per payment attempt: the orchestrator
// persists the attempt before calling it and never calls it twice for the
// same attempt. AwaitConfirmation may be called repeatedly for the same
// external ref; it is how reconciliation re-queries an ambiguous payment.
type Adapter interface {
	GetBalance(ctx context.Context, walletAddr string) (int64, error)
	SubmitPayment(ctx context.Context, from, to string, amount int64) (externalRef string, err error)
	AwaitConfirmation(ctx context.Context, externalRef string, timeout time.Duration) (Confirmation, error)
}
