package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"entitlement-engine/internal/bus"
	"entitlement-engine/internal/fallback"
	"entitlement-engine/internal/models"
	"entitlement-engine/internal/util"
	"entitlement-engine/internal/wallet"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SettlementOrchestrator drives one purchase from balance check through
// payment submission to entitlement grant. An entitlement is created only
// from a confirmed payment attempt, and a submitted payment is never fired
// twice for the same attempt.
type SettlementOrchestrator struct {
	catalog  *CatalogService
	attempts AttemptStore
	ents     EntitlementStore
	scratch  *fallback.Store
	ledger   wallet.Adapter
	bus      *bus.Bus
	locks    *PairLocks

	confirmTimeout time.Duration
	now            func() time.Time
	logger         *zap.Logger
}

// NewSettlementOrchestrator creates the purchase state machine.
func NewSettlementOrchestrator(
	catalog *CatalogService,
	attempts AttemptStore,
	ents EntitlementStore,
	scratch *fallback.Store,
	ledger wallet.Adapter,
	b *bus.Bus,
	confirmTimeout time.Duration,
) *SettlementOrchestrator {
	return &SettlementOrchestrator{
		catalog:        catalog,
		attempts:       attempts,
		ents:           ents,
		scratch:        scratch,
		ledger:         ledger,
		bus:            b,
		locks:          NewPairLocks(),
		confirmTimeout: confirmTimeout,
		now:            time.Now,
		logger:         util.NamedLogger("settlement"),
	}
}

// Purchase runs one settlement attempt for (serviceID, buyerWallet).
//
// Steps 1-3 (lock, preconditions, advisory balance check) are side-effect
// free on failure. From step 4 on, every outcome leaves an auditable payment
// attempt row; nothing pending is ever silently dropped.
func (so *SettlementOrchestrator) Purchase(ctx context.Context, serviceID, buyerWallet string) (*models.Entitlement, error) {
	ctx, span := util.StartSpan(ctx, "SettlementOrchestrator.Purchase")
	defer span.End()

	util.PurchasesInitiatedTotal.Inc()
	start := time.Now()
	defer func() {
		util.SettlementLatency.Observe(time.Since(start).Seconds())
	}()

	// 1. In-flight lock: a concurrent call for the same pair is rejected,
	// not queued. The lock is held through the confirmation wait.
	if !so.locks.TryAcquire(serviceID, buyerWallet) {
		util.PurchasesRejectedTotal.WithLabelValues("already_in_progress").Inc()
		return nil, fmt.Errorf("%w: service %s", models.ErrAlreadyInProgress, serviceID)
	}
	defer so.locks.Release(serviceID, buyerWallet)

	// A prior attempt stuck between submission and confirmation blocks the
	// pair until reconciliation: retrying now could double-charge.
	if prior, err := so.unresolvedAttempt(ctx, serviceID, buyerWallet); err != nil {
		return nil, err
	} else if prior != nil {
		util.PurchasesRejectedTotal.WithLabelValues("unresolved_prior").Inc()
		return nil, fmt.Errorf("%w: attempt %s", models.ErrUnresolvedPriorAttempt, prior.ID)
	}

	// 2. Preconditions.
	svc, err := so.catalog.GetService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if !svc.IsActive || svc.Tombstoned {
		util.PurchasesRejectedTotal.WithLabelValues("inactive").Inc()
		return nil, fmt.Errorf("%w: service %s", models.ErrServiceInactive, serviceID)
	}
	if existing, err := so.currentEntitlement(ctx, serviceID, buyerWallet); err != nil {
		return nil, err
	} else if existing != nil && existing.Valid(so.now()) {
		util.PurchasesRejectedTotal.WithLabelValues("already_owned").Inc()
		return nil, fmt.Errorf("%w: service %s", models.ErrAlreadyOwned, serviceID)
	}

	// 3. Advisory balance check: avoids a pointless submission, but the
	// balance can still change before the payment lands.
	balance, err := so.ledger.GetBalance(ctx, buyerWallet)
	if err != nil {
		return nil, fmt.Errorf("%w: balance query: %v", models.ErrPaymentFailed, err)
	}
	if balance < svc.PriceMinorUnit {
		util.PurchasesRejectedTotal.WithLabelValues("insufficient_balance").Inc()
		return nil, fmt.Errorf("%w: have %d, need %d", models.ErrInsufficientBalance, balance, svc.PriceMinorUnit)
	}

	// 4. Persist the attempt before firing the payment. This row is the
	// idempotency anchor: crash recovery always finds it.
	attempt := &models.PaymentAttempt{
		ID:          uuid.New().String(),
		ServiceID:   serviceID,
		BuyerWallet: buyerWallet,
		Amount:      svc.PriceMinorUnit,
		Status:      models.AttemptStatusPending,
	}
	if err := so.persistAttempt(ctx, attempt); err != nil {
		return nil, err
	}

	// 5. Submit. At-most-once per attempt: any error past this point
	// resolves the attempt instead of resubmitting.
	util.PaymentsSubmittedTotal.Inc()
	externalRef, err := so.ledger.SubmitPayment(ctx, buyerWallet, svc.OwnerWallet, svc.PriceMinorUnit)
	if err != nil {
		so.failAttempt(ctx, attempt)
		return nil, fmt.Errorf("%w: %v", models.ErrPaymentFailed, err)
	}
	attempt.ExternalRef = externalRef
	if err := so.persistSubmitted(ctx, attempt); err != nil {
		// The payment is in flight but the ref could not be recorded
		// durably; surface the ambiguity rather than guessing.
		so.logger.Error("Failed to record external ref, attempt needs reconciliation",
			zap.String("attempt_id", attempt.ID),
			zap.Error(err))
		util.PaymentsUnresolvedTotal.Inc()
		return nil, fmt.Errorf("%w: attempt %s", models.ErrPaymentPendingReconciliation, attempt.ID)
	}

	// 6. Await confirmation. An errored wait is ambiguous, same as a
	// timeout: the payment may still land.
	outcome, err := so.ledger.AwaitConfirmation(ctx, externalRef, so.confirmTimeout)
	if err != nil {
		outcome = wallet.ConfirmationTimedOut
	}
	switch outcome {
	case wallet.ConfirmationFailed:
		so.failAttempt(ctx, attempt)
		util.PaymentsFailedTotal.Inc()
		return nil, fmt.Errorf("%w: attempt %s declined", models.ErrPaymentFailed, attempt.ID)
	case wallet.ConfirmationTimedOut:
		// Neither settled nor safely retryable. The attempt stays pending
		// and durably blocks the pair until reconciliation resolves it.
		util.PaymentsUnresolvedTotal.Inc()
		so.logger.Warn("Payment confirmation timed out",
			zap.String("attempt_id", attempt.ID),
			zap.String("external_ref", externalRef))
		return nil, fmt.Errorf("%w: attempt %s", models.ErrPaymentPendingReconciliation, attempt.ID)
	}

	// 7. Confirmed: grant.
	return so.grant(ctx, svc, attempt)
}

// grant marks the attempt confirmed and creates the entitlement with terms
// copied from the service at this moment.
func (so *SettlementOrchestrator) grant(ctx context.Context, svc *models.Service, attempt *models.PaymentAttempt) (*models.Entitlement, error) {
	if _, err := so.resolve(ctx, attempt, models.AttemptStatusConfirmed); err != nil {
		so.logger.Error("Failed to mark attempt confirmed",
			zap.String("attempt_id", attempt.ID),
			zap.Error(err))
	}

	now := so.now()
	maxUsage, expiresAt := models.PolicyFor(svc.Class, now)
	ent := &models.Entitlement{
		ID:            uuid.New().String(),
		ServiceID:     svc.ID,
		PersonaID:     svc.OwnerPersonaID,
		BuyerWallet:   attempt.BuyerWallet,
		Class:         svc.Class,
		UsageCount:    0,
		MaxUsage:      maxUsage,
		ExpiresAt:     expiresAt,
		FromAttemptID: attempt.ID,
	}

	if err := so.ents.CreateEntitlement(ctx, ent); err != nil {
		if !errors.Is(err, models.ErrStorageUnavailable) || so.scratch == nil {
			return nil, err
		}
		so.logger.Warn("Durable storage unavailable, granting into fallback store",
			zap.String("entitlement_id", ent.ID),
			zap.Error(err))
		util.DegradedWritesTotal.WithLabelValues("entitlement").Inc()
		if ferr := so.scratch.PutEntitlement(ctx, ent); ferr != nil {
			return nil, fmt.Errorf("%w: fallback grant failed: %v", models.ErrStorageUnavailable, ferr)
		}
	}

	util.PurchasesGrantedTotal.Inc()
	so.bus.Publish(models.EntityEntitlement, models.MutationCreated, ent.ID)
	so.logger.Info("Entitlement granted",
		zap.String("entitlement_id", ent.ID),
		zap.String("service_id", svc.ID),
		zap.String("attempt_id", attempt.ID))
	return ent, nil
}

// ResolveAttempt re-queries the ledger network for an unresolved attempt and
// either completes the grant or marks the attempt failed. Completing an
// already-granted attempt is a no-op: one confirmed charge, one entitlement.
func (so *SettlementOrchestrator) ResolveAttempt(ctx context.Context, attemptID string) (*models.Entitlement, error) {
	ctx, span := util.StartSpan(ctx, "SettlementOrchestrator.ResolveAttempt")
	defer span.End()

	attempt, err := so.attempts.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	switch {
	case attempt.Status == models.AttemptStatusConfirmed:
		return so.ents.GetEntitlementByAttempt(ctx, attemptID)
	case attempt.Status == models.AttemptStatusFailed:
		return nil, nil
	case attempt.ExternalRef == "":
		// Never submitted; nothing could have been charged.
		if _, err := so.resolve(ctx, attempt, models.AttemptStatusFailed); err != nil {
			return nil, err
		}
		util.ReconciliationsTotal.WithLabelValues("failed").Inc()
		return nil, nil
	}

	outcome, err := so.ledger.AwaitConfirmation(ctx, attempt.ExternalRef, so.confirmTimeout)
	if err != nil && outcome != wallet.ConfirmationTimedOut {
		return nil, fmt.Errorf("%w: reconcile query: %v", models.ErrPaymentPendingReconciliation, err)
	}

	switch outcome {
	case wallet.ConfirmationConfirmed:
		if existing, err := so.ents.GetEntitlementByAttempt(ctx, attemptID); err == nil && existing != nil {
			// Grant already landed; only the attempt status was stale.
			_, rerr := so.resolve(ctx, attempt, models.AttemptStatusConfirmed)
			return existing, rerr
		}
		svc, err := so.catalog.GetService(ctx, attempt.ServiceID)
		if err != nil {
			return nil, err
		}
		util.ReconciliationsTotal.WithLabelValues("confirmed").Inc()
		return so.grant(ctx, svc, attempt)
	case wallet.ConfirmationFailed:
		if _, err := so.resolve(ctx, attempt, models.AttemptStatusFailed); err != nil {
			return nil, err
		}
		util.ReconciliationsTotal.WithLabelValues("failed").Inc()
		return nil, nil
	default:
		// Still ambiguous; leave for the next pass.
		util.ReconciliationsTotal.WithLabelValues("still_pending").Inc()
		return nil, fmt.Errorf("%w: attempt %s", models.ErrPaymentPendingReconciliation, attemptID)
	}
}

// ReconcilePending folds degraded-mode attempts back into durable storage,
// then sweeps every unresolved attempt.
func (so *SettlementOrchestrator) ReconcilePending(ctx context.Context) error {
	if err := so.mergeDegradedAttempts(ctx); err != nil {
		return err
	}

	attempts, err := so.attempts.ListUnresolvedAttempts(ctx)
	if err != nil {
		return err
	}

	for i := range attempts {
		if _, err := so.ResolveAttempt(ctx, attempts[i].ID); err != nil {
			if errors.Is(err, models.ErrPaymentPendingReconciliation) {
				continue
			}
			so.logger.Error("Reconciliation failed for attempt",
				zap.String("attempt_id", attempts[i].ID),
				zap.Error(err))
		}
	}
	return nil
}

// mergeDegradedAttempts moves scratch attempt rows into durable storage so
// the reconciliation sweep sees them. The durable insert is idempotent by
// id, so a replayed merge cannot duplicate an attempt.
func (so *SettlementOrchestrator) mergeDegradedAttempts(ctx context.Context) error {
	if so.scratch == nil {
		return nil
	}

	attempts, err := so.scratch.DrainAttempts(ctx)
	if err != nil {
		return err
	}

	for i := range attempts {
		a := attempts[i]
		a.DegradedRow = false
		if err := so.attempts.CreateAttempt(ctx, &a); err != nil {
			// Backend still down; try again next pass.
			return err
		}
		if err := so.scratch.RemoveAttempt(ctx, a.ID); err != nil {
			so.logger.Warn("Failed to clear merged scratch attempt",
				zap.String("attempt_id", a.ID),
				zap.Error(err))
		}
		util.DegradedMergesTotal.WithLabelValues("attempt").Inc()
	}

	if len(attempts) > 0 {
		so.logger.Info("Merged degraded attempts into durable storage",
			zap.Int("count", len(attempts)))
	}
	return nil
}

func (so *SettlementOrchestrator) unresolvedAttempt(ctx context.Context, serviceID, buyerWallet string) (*models.PaymentAttempt, error) {
	prior, err := so.attempts.GetUnresolvedAttempt(ctx, serviceID, buyerWallet)
	if err != nil {
		if !errors.Is(err, models.ErrStorageUnavailable) || so.scratch == nil {
			return nil, err
		}
		return so.scratch.GetUnresolvedAttempt(ctx, serviceID, buyerWallet)
	}
	if prior != nil || so.scratch == nil {
		return prior, nil
	}
	// A degraded-mode attempt may still be waiting to merge; it guards the
	// pair just as a durable one would.
	return so.scratch.GetUnresolvedAttempt(ctx, serviceID, buyerWallet)
}

func (so *SettlementOrchestrator) currentEntitlement(ctx context.Context, serviceID, buyerWallet string) (*models.Entitlement, error) {
	ent, err := so.ents.GetEntitlement(ctx, serviceID, buyerWallet)
	if err == nil {
		return ent, nil
	}
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if errors.Is(err, models.ErrStorageUnavailable) && so.scratch != nil {
		ent, ferr := so.scratch.GetEntitlement(ctx, serviceID, buyerWallet)
		if errors.Is(ferr, models.ErrNotFound) {
			return nil, nil
		}
		return ent, ferr
	}
	return nil, err
}

func (so *SettlementOrchestrator) persistAttempt(ctx context.Context, a *models.PaymentAttempt) error {
	err := so.attempts.CreateAttempt(ctx, a)
	if err == nil {
		return nil
	}
	if !errors.Is(err, models.ErrStorageUnavailable) || so.scratch == nil {
		return err
	}
	so.logger.Warn("Durable storage unavailable, recording attempt in fallback store",
		zap.String("attempt_id", a.ID),
		zap.Error(err))
	util.DegradedWritesTotal.WithLabelValues("attempt").Inc()
	if ferr := so.scratch.PutAttempt(ctx, a); ferr != nil {
		return fmt.Errorf("%w: fallback attempt write failed: %v", models.ErrStorageUnavailable, ferr)
	}
	a.DegradedRow = true
	return nil
}

func (so *SettlementOrchestrator) persistSubmitted(ctx context.Context, a *models.PaymentAttempt) error {
	if a.DegradedRow {
		return so.scratch.PutAttempt(ctx, a)
	}
	err := so.attempts.SetAttemptSubmitted(ctx, a.ID, a.ExternalRef)
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrStorageUnavailable) && so.scratch != nil {
		util.DegradedWritesTotal.WithLabelValues("attempt").Inc()
		a.DegradedRow = true
		return so.scratch.PutAttempt(ctx, a)
	}
	return err
}

// resolve moves the attempt to a terminal status wherever its row lives.
func (so *SettlementOrchestrator) resolve(ctx context.Context, a *models.PaymentAttempt, status string) (bool, error) {
	a.Status = status
	if a.DegradedRow {
		return true, so.scratch.PutAttempt(ctx, a)
	}
	moved, err := so.attempts.ResolveAttempt(ctx, a.ID, status)
	if err != nil && errors.Is(err, models.ErrStorageUnavailable) && so.scratch != nil {
		util.DegradedWritesTotal.WithLabelValues("attempt").Inc()
		a.DegradedRow = true
		return true, so.scratch.PutAttempt(ctx, a)
	}
	return moved, err
}

func (so *SettlementOrchestrator) failAttempt(ctx context.Context, a *models.PaymentAttempt) {
	if _, err := so.resolve(ctx, a, models.AttemptStatusFailed); err != nil {
		so.logger.Error("Failed to mark attempt failed",
			zap.String("attempt_id", a.ID),
			zap.Error(err))
	}
}
