package service

import (
	"context"
	"errors"
	"fmt"

	"entitlement-engine/internal/models"
	"entitlement-engine/internal/util"

	"go.uber.org/zap"
)

// Payload is what the gate releases to an entitled buyer.
type Payload struct {
	ServiceID string `json:"service_id"`
	Kind      string `json:"kind"`
	Value     string `json:"value,omitempty"`
}

// DeliveryGate is the single point guarding payload disclosure. Every path
// to paid content goes through Fetch, so a malformed or bypassed UI call
// cannot leak it.
type DeliveryGate struct {
	catalog *CatalogService
	ledger  *EntitlementLedger
	logger  *zap.Logger
}

// NewDeliveryGate creates the gate.
func NewDeliveryGate(catalog *CatalogService, ledger *EntitlementLedger) *DeliveryGate {
	return &DeliveryGate{
		catalog: catalog,
		ledger:  ledger,
		logger:  util.NamedLogger("delivery"),
	}
}

// Fetch releases the service payload to an entitled buyer. Usage-capped
// classes consume one use per fetch; unlimited classes are readable
// repeatedly without consuming anything.
func (dg *DeliveryGate) Fetch(ctx context.Context, serviceID, buyerWallet string) (*Payload, error) {
	ctx, span := util.StartSpan(ctx, "DeliveryGate.Fetch")
	defer span.End()

	ent, err := dg.ledger.Get(ctx, serviceID, buyerWallet)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			util.DeliveryDeniedTotal.WithLabelValues("no_entitlement").Inc()
			return nil, fmt.Errorf("%w: service %s", models.ErrAccessDenied, serviceID)
		}
		return nil, err
	}

	if !dg.ledger.IsValid(ent) {
		// Distinguish a lapsed grant from no grant at all.
		if ent.MaxUsage != nil && ent.UsageCount >= *ent.MaxUsage {
			util.DeliveryDeniedTotal.WithLabelValues("exhausted").Inc()
			return nil, fmt.Errorf("%w: entitlement %s", models.ErrExhausted, ent.ID)
		}
		if ent.ExpiresAt != nil {
			util.DeliveryDeniedTotal.WithLabelValues("expired").Inc()
			return nil, fmt.Errorf("%w: entitlement %s", models.ErrExpired, ent.ID)
		}
		util.DeliveryDeniedTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: service %s", models.ErrAccessDenied, serviceID)
	}

	if ent.MaxUsage != nil {
		if _, err := dg.ledger.RecordUse(ctx, ent.ID); err != nil {
			if errors.Is(err, models.ErrExhausted) || errors.Is(err, models.ErrExpired) {
				util.DeliveryDeniedTotal.WithLabelValues("consumed").Inc()
			}
			return nil, err
		}
	}

	// Tombstoned services still deliver: entitlements survive deletion.
	svc, err := dg.catalog.GetService(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	dg.logger.Info("Payload released",
		zap.String("service_id", serviceID),
		zap.String("entitlement_id", ent.ID))

	return &Payload{
		ServiceID: svc.ID,
		Kind:      svc.PayloadKind,
		Value:     svc.PayloadValue,
	}, nil
}
