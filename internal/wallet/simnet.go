package wallet

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SimNet is a simulated ledger network used in development and tests.
// Balances live in memory; submitted payments confirm after a configurable
// latency with a configurable success rate.
type SimNet struct {
	mu       sync.Mutex
	balances map[string]int64
	payments map[string]*simPayment

	latency     time.Duration
	successRate float64
	logger      *zap.Logger
}

type simPayment struct {
	from, to string
	amount   int64
	settleAt time.Time
	outcome  Confirmation
	applied  bool
}

// NewSimNet creates a simulated network. successRate is the fraction of
// submitted payments that confirm; latency is how long confirmation takes.
func NewSimNet(latency time.Duration, successRate float64, logger *zap.Logger) *SimNet {
	return &SimNet{
		balances:    make(map[string]int64),
		payments:    make(map[string]*simPayment),
		latency:     latency,
		successRate: successRate,
		logger:      logger,
	}
}

// Credit funds a wallet. Test and seed hook.
func (n *SimNet) Credit(walletAddr string, amount int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.balances[walletAddr] += amount
}

// GetBalance returns the current balance of a wallet.
func (n *SimNet) GetBalance(ctx context.Context, walletAddr string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.balances[walletAddr], nil
}

// SubmitPayment fires a payment into the simulated network and returns its
// transaction ref. The outcome is decided now but only observable after the
// network latency elapses.
func (n *SimNet) SubmitPayment(ctx context.Context, from, to string, amount int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if amount <= 0 {
		return "", fmt.Errorf("non-positive payment amount %d", amount)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	outcome := ConfirmationFailed
	if n.balances[from] >= amount && rand.Float64() < n.successRate {
		outcome = ConfirmationConfirmed
	}

	ref := fmt.Sprintf("TXN-%d-%04d", time.Now().UnixNano(), rand.Intn(10000))
	n.payments[ref] = &simPayment{
		from:     from,
		to:       to,
		amount:   amount,
		settleAt: time.Now().Add(n.latency),
		outcome:  outcome,
	}

	if n.logger != nil {
		n.logger.Info("Payment submitted to sim network",
			zap.String("external_ref", ref),
			zap.Int64("amount", amount))
	}
	return ref, nil
}

// AwaitConfirmation waits for a payment to settle, up to timeout. Re-querying
// an already-settled ref returns its outcome immediately, so reconciliation
// observes the same result without moving funds twice.
func (n *SimNet) AwaitConfirmation(ctx context.Context, externalRef string, timeout time.Duration) (Confirmation, error) {
	deadline := time.Now().Add(timeout)
	for {
		n.mu.Lock()
		p, ok := n.payments[externalRef]
		if !ok {
			n.mu.Unlock()
			return ConfirmationFailed, fmt.Errorf("unknown external ref %s", externalRef)
		}
		if !time.Now().Before(p.settleAt) {
			n.settleLocked(p)
			outcome := p.outcome
			n.mu.Unlock()
			return outcome, nil
		}
		wait := time.Until(p.settleAt)
		n.mu.Unlock()

		if time.Now().Add(wait).After(deadline) {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return ConfirmationTimedOut, nil
			}
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return ConfirmationTimedOut, ctx.Err()
		case <-time.After(wait):
		}
		if !time.Now().Before(deadline) {
			n.mu.Lock()
			p, ok := n.payments[externalRef]
			settled := ok && !time.Now().Before(p.settleAt)
			if settled {
				n.settleLocked(p)
				outcome := p.outcome
				n.mu.Unlock()
				return outcome, nil
			}
			n.mu.Unlock()
			return ConfirmationTimedOut, nil
		}
	}
}

// settleLocked applies the funds movement exactly once.
func (n *SimNet) settleLocked(p *simPayment) {
	if p.applied {
		return
	}
	p.applied = true
	if p.outcome == ConfirmationConfirmed {
		n.balances[p.from] -= p.amount
		n.balances[p.to] += p.amount
	}
}
