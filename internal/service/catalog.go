package service

import (
	"context"
	"errors"
	"fmt"

	"entitlement-engine/internal/bus"
	"entitlement-engine/internal/fallback"
	"entitlement-engine/internal/models"
	"entitlement-engine/internal/redisclient"
	"entitlement-engine/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CatalogService owns the sellable-service definitions. Every successful
// mutation emits one change event; writes divert to the degraded scratch
// store while durable storage is unreachable.
type CatalogService struct {
	store   CatalogStore
	ents    EntitlementStore
	scratch *fallback.Store
	cache   *redisclient.Client
	bus     *bus.Bus
	logger  *zap.Logger
}

// NewCatalogService creates a new catalog service. scratch and cache may be
// nil; the catalog then runs durable-only and uncached.
func NewCatalogService(
	store CatalogStore,
	ents EntitlementStore,
	scratch *fallback.Store,
	cache *redisclient.Client,
	b *bus.Bus,
) *CatalogService {
	return &CatalogService{
		store:   store,
		ents:    ents,
		scratch: scratch,
		cache:   cache,
		bus:     b,
		logger:  util.NamedLogger("catalog"),
	}
}

// CreateServiceRequest carries the owner-supplied fields of a new service.
type CreateServiceRequest struct {
	OwnerPersonaID string                 `json:"owner_persona_id" binding:"required"`
	OwnerWallet    string                 `json:"owner_wallet" binding:"required"`
	Title          string                 `json:"title" binding:"required"`
	Description    string                 `json:"description"`
	PriceMinorUnit int64                  `json:"price_minor_unit" binding:"required"`
	Class          models.CapabilityClass `json:"capability_class" binding:"required"`
	PayloadKind    string                 `json:"payload_kind"`
	PayloadValue   string                 `json:"payload_value"`
	AutoDeliver    bool                   `json:"auto_deliver"`
}

func validatePayload(class models.CapabilityClass, kind, value string) error {
	hasPayload := kind != "" && kind != models.PayloadNone
	if class.DeliveryBearing() {
		if !hasPayload || value == "" {
			return fmt.Errorf("%w: class %s requires a payload descriptor", models.ErrValidation, class)
		}
		switch kind {
		case models.PayloadText, models.PayloadURL, models.PayloadFileRef:
		default:
			return fmt.Errorf("%w: unknown payload kind %s", models.ErrValidation, kind)
		}
		return nil
	}
	if hasPayload {
		return fmt.Errorf("%w: class %s never carries a payload", models.ErrValidation, class)
	}
	return nil
}

// CreateService validates and persists a new service.
func (cs *CatalogService) CreateService(ctx context.Context, req *CreateServiceRequest) (*models.Service, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.CreateService")
	defer span.End()

	if req.PriceMinorUnit <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", models.ErrValidation)
	}
	if req.OwnerPersonaID == "" || req.OwnerWallet == "" {
		return nil, fmt.Errorf("%w: owner persona and wallet are required", models.ErrValidation)
	}
	if !models.ValidClass(req.Class) {
		return nil, fmt.Errorf("%w: unknown capability class %q", models.ErrValidation, req.Class)
	}
	if err := validatePayload(req.Class, req.PayloadKind, req.PayloadValue); err != nil {
		return nil, err
	}

	payloadKind := req.PayloadKind
	if payloadKind == "" {
		payloadKind = models.PayloadNone
	}

	svc := &models.Service{
		ID:             uuid.New().String(),
		OwnerPersonaID: req.OwnerPersonaID,
		OwnerWallet:    req.OwnerWallet,
		Title:          req.Title,
		Description:    req.Description,
		PriceMinorUnit: req.PriceMinorUnit,
		Class:          req.Class,
		PayloadKind:    payloadKind,
		PayloadValue:   req.PayloadValue,
		AutoDeliver:    req.AutoDeliver,
		IsActive:       true,
	}

	if err := cs.persistService(ctx, svc, true); err != nil {
		return nil, err
	}

	cs.bus.Publish(models.EntityService, models.MutationCreated, svc.ID)
	cs.logger.Info("Service created",
		zap.String("service_id", svc.ID),
		zap.String("class", string(svc.Class)))
	return svc, nil
}

// persistService writes to durable storage, diverting to the scratch store
// when the backend is unreachable.
func (cs *CatalogService) persistService(ctx context.Context, svc *models.Service, create bool) error {
	var err error
	if create {
		err = cs.store.CreateService(ctx, svc)
	} else {
		err = cs.store.UpdateService(ctx, svc)
	}
	if err == nil {
		return nil
	}
	if !errors.Is(err, models.ErrStorageUnavailable) || cs.scratch == nil {
		return err
	}

	cs.logger.Warn("Durable storage unavailable, writing service to fallback store",
		zap.String("service_id", svc.ID),
		zap.Error(err))
	util.DegradedWritesTotal.WithLabelValues("service").Inc()

	if err := cs.scratch.PutService(ctx, svc); err != nil {
		return fmt.Errorf("%w: fallback write failed: %v", models.ErrStorageUnavailable, err)
	}
	return nil
}

// GetService reads a service: cache, then durable storage, then the scratch
// store if durable is unreachable. Reads never take locks.
func (cs *CatalogService) GetService(ctx context.Context, id string) (*models.Service, error) {
	if cs.cache != nil {
		if svc, err := cs.cache.GetService(ctx, id); err == nil && svc != nil {
			return svc, nil
		}
	}

	svc, err := cs.store.GetService(ctx, id)
	if err == nil {
		if cs.cache != nil {
			if cerr := cs.cache.SetService(ctx, svc); cerr != nil {
				cs.logger.Debug("Failed to cache service", zap.Error(cerr))
			}
		}
		return svc, nil
	}
	if errors.Is(err, models.ErrStorageUnavailable) && cs.scratch != nil {
		return cs.scratch.GetService(ctx, id)
	}
	if errors.Is(err, models.ErrNotFound) && cs.scratch != nil {
		// A degraded-mode creation may not have merged yet.
		if svc, serr := cs.scratch.GetService(ctx, id); serr == nil {
			return svc, nil
		}
	}
	return nil, err
}

// ListServices lists non-tombstoned services, optionally for one owner. In
// degraded mode the scratch rows are all that is visible.
func (cs *CatalogService) ListServices(ctx context.Context, ownerPersonaID string) ([]models.Service, error) {
	services, err := cs.store.ListServices(ctx, ownerPersonaID)
	if err == nil {
		return services, nil
	}
	if errors.Is(err, models.ErrStorageUnavailable) && cs.scratch != nil {
		return cs.scratch.ListServices(ctx, ownerPersonaID)
	}
	return nil, err
}

// UpdatePatch carries owner-editable fields; nil means unchanged. The
// capability class is fixed at creation and the owner persona never changes.
type UpdatePatch struct {
	Title          *string `json:"title"`
	Description    *string `json:"description"`
	PriceMinorUnit *int64  `json:"price_minor_unit"`
	PayloadKind    *string `json:"payload_kind"`
	PayloadValue   *string `json:"payload_value"`
	AutoDeliver    *bool   `json:"auto_deliver"`
}

// UpdateService applies a patch. Price changes apply only to future
// purchases; granted entitlements hold copied terms and are untouched.
func (cs *CatalogService) UpdateService(ctx context.Context, id string, patch *UpdatePatch) (*models.Service, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.UpdateService")
	defer span.End()

	svc, err := cs.GetService(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Title != nil {
		svc.Title = *patch.Title
	}
	if patch.Description != nil {
		svc.Description = *patch.Description
	}
	if patch.PriceMinorUnit != nil {
		if *patch.PriceMinorUnit <= 0 {
			return nil, fmt.Errorf("%w: price must be positive", models.ErrValidation)
		}
		svc.PriceMinorUnit = *patch.PriceMinorUnit
	}
	if patch.PayloadKind != nil {
		svc.PayloadKind = *patch.PayloadKind
	}
	if patch.PayloadValue != nil {
		svc.PayloadValue = *patch.PayloadValue
	}
	if err := validatePayload(svc.Class, svc.PayloadKind, svc.PayloadValue); err != nil {
		return nil, err
	}
	if patch.AutoDeliver != nil {
		svc.AutoDeliver = *patch.AutoDeliver
	}

	if err := cs.persistService(ctx, svc, false); err != nil {
		return nil, err
	}

	cs.invalidate(ctx, id)
	cs.bus.Publish(models.EntityService, models.MutationUpdated, id)
	return svc, nil
}

// SetActive flips the listing flag.
func (cs *CatalogService) SetActive(ctx context.Context, id string, active bool) (*models.Service, error) {
	svc, err := cs.GetService(ctx, id)
	if err != nil {
		return nil, err
	}
	if svc.IsActive == active {
		return svc, nil
	}
	svc.IsActive = active

	if err := cs.persistService(ctx, svc, false); err != nil {
		return nil, err
	}

	cs.invalidate(ctx, id)
	cs.bus.Publish(models.EntityService, models.MutationUpdated, id)
	return svc, nil
}

// DeleteService removes a service. While entitlements still reference it the
// row is only tombstoned (delisted but kept so grants stay deliverable) and
// the call reports the conflict; a hard delete happens once unreferenced.
func (cs *CatalogService) DeleteService(ctx context.Context, id string) error {
	ctx, span := util.StartSpan(ctx, "CatalogService.DeleteService")
	defer span.End()

	svc, err := cs.GetService(ctx, id)
	if err != nil {
		return err
	}

	refs, err := cs.ents.CountEntitlementsForService(ctx, id)
	if err != nil {
		return err
	}

	if refs > 0 {
		svc.IsActive = false
		svc.Tombstoned = true
		if err := cs.persistService(ctx, svc, false); err != nil {
			return err
		}
		cs.invalidate(ctx, id)
		cs.bus.Publish(models.EntityService, models.MutationUpdated, id)
		cs.logger.Info("Service tombstoned, entitlements still reference it",
			zap.String("service_id", id),
			zap.Int("references", refs))
		return fmt.Errorf("%w: %d entitlements reference service %s", models.ErrConflict, refs, id)
	}

	if err := cs.store.DeleteService(ctx, id); err != nil {
		if errors.Is(err, models.ErrStorageUnavailable) && cs.scratch != nil {
			// Can't hard-delete durably right now; tombstone in scratch so
			// the merge pass carries the intent forward.
			svc.IsActive = false
			svc.Tombstoned = true
			if perr := cs.scratch.PutService(ctx, svc); perr != nil {
				return err
			}
			util.DegradedWritesTotal.WithLabelValues("service").Inc()
		} else {
			return err
		}
	}

	cs.invalidate(ctx, id)
	cs.bus.Publish(models.EntityService, models.MutationDeleted, id)
	cs.logger.Info("Service deleted", zap.String("service_id", id))
	return nil
}

func (cs *CatalogService) invalidate(ctx context.Context, id string) {
	if cs.cache == nil {
		return
	}
	if err := cs.cache.InvalidateService(ctx, id); err != nil {
		cs.logger.Warn("Failed to invalidate cached service",
			zap.String("service_id", id),
			zap.Error(err))
	}
}

// MergeDegraded folds scratch services back into durable storage once it is
// reachable again. The write is an upsert keyed by id: a merge retry cannot
// duplicate a service, and edits made during the outage (delisting, a
// tombstone, a price change) replace the stale durable row instead of being
// discarded.
func (cs *CatalogService) MergeDegraded(ctx context.Context) error {
	if cs.scratch == nil {
		return nil
	}

	services, err := cs.scratch.DrainDegradedServices(ctx)
	if err != nil {
		return err
	}

	for i := range services {
		svc := services[i]
		svc.Degraded = false
		if err := cs.store.UpsertService(ctx, &svc); err != nil {
			// Backend still down; try again next pass.
			return err
		}
		if err := cs.scratch.DeleteService(ctx, svc.ID); err != nil {
			cs.logger.Warn("Failed to clear merged scratch service",
				zap.String("service_id", svc.ID),
				zap.Error(err))
		}
		util.DegradedMergesTotal.WithLabelValues("service").Inc()
		cs.invalidate(ctx, svc.ID)
		cs.bus.Publish(models.EntityService, models.MutationUpdated, svc.ID)
	}

	if len(services) > 0 {
		cs.logger.Info("Merged degraded services into durable storage",
			zap.Int("count", len(services)))
	}
	return nil
}
