package worker

import (
	"context"
	"time"

	"entitlement-engine/internal/service"
	"entitlement-engine/internal/util"

	"go.uber.org/zap"
)

// Reconciler is the periodic pass that resolves ambiguous payments and
// merges degraded-mode rows back into durable storage. It is the only thing
// allowed to complete a timed-out settlement.
type Reconciler struct {
	settlement *service.SettlementOrchestrator
	catalog    *service.CatalogService
	ledger     *service.EntitlementLedger
	interval   time.Duration
	logger     *zap.Logger
}

// NewReconciler creates the reconciliation worker.
func NewReconciler(
	settlement *service.SettlementOrchestrator,
	catalog *service.CatalogService,
	ledger *service.EntitlementLedger,
	interval time.Duration,
) *Reconciler {
	return &Reconciler{
		settlement: settlement,
		catalog:    catalog,
		ledger:     ledger,
		interval:   interval,
		logger:     util.NamedLogger("reconciler"),
	}
}

// Run ticks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Reconciler started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopped")
			return
		case <-ticker.C:
			r.Pass(ctx)
		}
	}
}

// Pass runs one reconciliation sweep. Failures are logged and retried on
// the next tick; the pass never gives up on a pending attempt.
func (r *Reconciler) Pass(ctx context.Context) {
	if err := r.settlement.ReconcilePending(ctx); err != nil {
		r.logger.Warn("Pending-attempt reconciliation incomplete", zap.Error(err))
	}
	if err := r.catalog.MergeDegraded(ctx); err != nil {
		r.logger.Warn("Degraded service merge incomplete", zap.Error(err))
	}
	if err := r.ledger.MergeDegraded(ctx); err != nil {
		r.logger.Warn("Degraded entitlement merge incomplete", zap.Error(err))
	}
}
