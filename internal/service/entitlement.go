package service

import (
	"context"
	"errors"
	"time"

	"entitlement-engine/internal/bus"
	"entitlement-engine/internal/fallback"
	"entitlement-engine/internal/models"
	"entitlement-engine/internal/util"

	"go.uber.org/zap"
)

// EntitlementLedger is the durable record of what a buyer may do with a
// service. Expiry is evaluated at read time only; nothing sweeps or rewrites
// stored rows as time passes.
type EntitlementLedger struct {
	store   EntitlementStore
	scratch *fallback.Store
	bus     *bus.Bus
	now     func() time.Time
	logger  *zap.Logger
}

// NewEntitlementLedger creates the ledger. scratch may be nil.
func NewEntitlementLedger(store EntitlementStore, scratch *fallback.Store, b *bus.Bus) *EntitlementLedger {
	return &EntitlementLedger{
		store:   store,
		scratch: scratch,
		bus:     b,
		now:     time.Now,
		logger:  util.NamedLogger("entitlements"),
	}
}

// Get returns the entitlement for a (service, buyer) pair. Lock-free read.
func (el *EntitlementLedger) Get(ctx context.Context, serviceID, buyerWallet string) (*models.Entitlement, error) {
	ent, err := el.store.GetEntitlement(ctx, serviceID, buyerWallet)
	if err == nil {
		return ent, nil
	}
	if errors.Is(err, models.ErrStorageUnavailable) && el.scratch != nil {
		return el.scratch.GetEntitlement(ctx, serviceID, buyerWallet)
	}
	if errors.Is(err, models.ErrNotFound) && el.scratch != nil {
		// A degraded-mode grant may not have merged yet.
		if sent, serr := el.scratch.GetEntitlement(ctx, serviceID, buyerWallet); serr == nil {
			return sent, nil
		}
	}
	return nil, err
}

// IsValid is the pure read-time access check.
func (el *EntitlementLedger) IsValid(e *models.Entitlement) bool {
	return e != nil && e.Valid(el.now())
}

// ListByBuyer returns all entitlements held by a wallet, durable plus any
// not-yet-merged degraded grants.
func (el *EntitlementLedger) ListByBuyer(ctx context.Context, buyerWallet string) ([]models.Entitlement, error) {
	ents, err := el.store.ListEntitlementsByBuyer(ctx, buyerWallet)
	if err != nil {
		if errors.Is(err, models.ErrStorageUnavailable) && el.scratch != nil {
			return el.scratch.ListEntitlementsByBuyer(ctx, buyerWallet)
		}
		return nil, err
	}
	if el.scratch == nil {
		return ents, nil
	}

	seen := make(map[string]struct{}, len(ents))
	for i := range ents {
		seen[ents[i].ID] = struct{}{}
	}
	extra, serr := el.scratch.ListEntitlementsByBuyer(ctx, buyerWallet)
	if serr != nil {
		return ents, nil
	}
	for i := range extra {
		if _, dup := seen[extra[i].ID]; !dup {
			ents = append(ents, extra[i])
		}
	}
	return ents, nil
}

// RecordUse consumes one use. The update is conditional and atomic: at the
// usage cap, concurrent consumers leave exactly one winner. Only the
// Delivery Gate calls this; entitlements are never edited directly.
func (el *EntitlementLedger) RecordUse(ctx context.Context, entitlementID string) (*models.Entitlement, error) {
	ctx, span := util.StartSpan(ctx, "EntitlementLedger.RecordUse")
	defer span.End()

	ent, err := el.store.RecordUse(ctx, entitlementID)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrStorageUnavailable) && el.scratch != nil:
			ent, err = el.scratch.RecordUse(ctx, entitlementID)
		case errors.Is(err, models.ErrNotFound) && el.scratch != nil:
			ent, err = el.scratch.RecordUse(ctx, entitlementID)
		}
		if err != nil {
			return nil, err
		}
	}

	util.EntitlementUsesTotal.Inc()
	el.bus.Publish(models.EntityEntitlement, models.MutationUpdated, ent.ID)
	el.logger.Info("Entitlement use recorded",
		zap.String("entitlement_id", ent.ID),
		zap.Int("usage_count", ent.UsageCount))
	return ent, nil
}

// MergeDegraded folds degraded-mode grants back into durable storage. The
// durable write is an upsert keyed by (service, buyer), so replays cannot
// duplicate a grant.
func (el *EntitlementLedger) MergeDegraded(ctx context.Context) error {
	if el.scratch == nil {
		return nil
	}

	ents, err := el.scratch.DrainDegradedEntitlements(ctx)
	if err != nil {
		return err
	}

	for i := range ents {
		ent := ents[i]
		ent.Degraded = false
		if err := el.store.CreateEntitlement(ctx, &ent); err != nil {
			return err
		}
		if err := el.scratch.RemoveEntitlement(ctx, ent.ID); err != nil {
			el.logger.Warn("Failed to clear merged scratch entitlement",
				zap.String("entitlement_id", ent.ID),
				zap.Error(err))
		}
		util.DegradedMergesTotal.WithLabelValues("entitlement").Inc()
		el.bus.Publish(models.EntityEntitlement, models.MutationUpdated, ent.ID)
	}

	if len(ents) > 0 {
		el.logger.Info("Merged degraded entitlements into durable storage",
			zap.Int("count", len(ents)))
	}
	return nil
}
