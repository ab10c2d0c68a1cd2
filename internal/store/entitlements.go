package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"entitlement-engine/internal/models"
)

// CreateEntitlement persists a grant. The (service_id, buyer_wallet) pair is
// unique; a re-grant after the prior entitlement lapsed replaces it with the
// new terms instead of violating the one-entitlement invariant.
func (s *Store) CreateEntitlement(ctx context.Context, e *models.Entitlement) error {
	query := `
		INSERT INTO entitlements (id, service_id, persona_id, buyer_wallet, capability_class,
			usage_count, max_usage, expires_at, granted_from_attempt_id, degraded)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (service_id, buyer_wallet) DO UPDATE
		SET id = EXCLUDED.id,
			capability_class = EXCLUDED.capability_class,
			usage_count = EXCLUDED.usage_count,
			max_usage = EXCLUDED.max_usage,
			expires_at = EXCLUDED.expires_at,
			granted_from_attempt_id = EXCLUDED.granted_from_attempt_id,
			degraded = EXCLUDED.degraded,
			updated_at = NOW()
		RETURNING created_at, updated_at`

	err := s.db.QueryRowxContext(ctx, query,
		e.ID, e.ServiceID, e.PersonaID, e.BuyerWallet, e.Class,
		e.UsageCount, e.MaxUsage, e.ExpiresAt, e.FromAttemptID, e.Degraded,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	return storageErr(err)
}

// GetEntitlement retrieves the entitlement for a (service, buyer) pair.
func (s *Store) GetEntitlement(ctx context.Context, serviceID, buyerWallet string) (*models.Entitlement, error) {
	var e models.Entitlement
	err := s.db.GetContext(ctx, &e,
		"SELECT * FROM entitlements WHERE service_id = $1 AND buyer_wallet = $2",
		serviceID, buyerWallet)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: entitlement for service %s", models.ErrNotFound, serviceID)
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return &e, nil
}

// GetEntitlementByID retrieves an entitlement by id.
func (s *Store) GetEntitlementByID(ctx context.Context, id string) (*models.Entitlement, error) {
	var e models.Entitlement
	err := s.db.GetContext(ctx, &e, "SELECT * FROM entitlements WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: entitlement %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return &e, nil
}

// GetEntitlementByAttempt returns the entitlement granted from a specific
// payment attempt, or nil if none was. Used by reconciliation to keep grant
// completion idempotent.
func (s *Store) GetEntitlementByAttempt(ctx context.Context, attemptID string) (*models.Entitlement, error) {
	var e models.Entitlement
	err := s.db.GetContext(ctx, &e,
		"SELECT * FROM entitlements WHERE granted_from_attempt_id = $1", attemptID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return &e, nil
}

// ListEntitlementsByBuyer returns every entitlement held by a wallet.
func (s *Store) ListEntitlementsByBuyer(ctx context.Context, buyerWallet string) ([]models.Entitlement, error) {
	var ents []models.Entitlement
	err := s.db.SelectContext(ctx, &ents,
		"SELECT * FROM entitlements WHERE buyer_wallet = $1 ORDER BY created_at DESC",
		buyerWallet)
	return ents, storageErr(err)
}

// CountEntitlementsForService counts grants referencing a service. A nonzero
// count blocks hard deletion of the service.
func (s *Store) CountEntitlementsForService(ctx context.Context, serviceID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM entitlements WHERE service_id = $1", serviceID)
	return n, storageErr(err)
}

// RecordUse consumes one use of an entitlement as a single conditional
// update. Two concurrent consumers at the usage cap cannot both pass the
// guard; the loser gets the row unchanged and a classified error.
func (s *Store) RecordUse(ctx context.Context, id string) (*models.Entitlement, error) {
	var e models.Entitlement
	err := s.db.GetContext(ctx, &e, `
		UPDATE entitlements
		SET usage_count = usage_count + 1, updated_at = NOW()
		WHERE id = $1
		  AND (max_usage IS NULL OR usage_count < max_usage)
		  AND (expires_at IS NULL OR expires_at > NOW())
		RETURNING *`, id)
	if err == nil {
		return &e, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, storageErr(err)
	}

	// Guard refused: classify why.
	cur, err := s.GetEntitlementByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.MaxUsage != nil && cur.UsageCount >= *cur.MaxUsage {
		return nil, fmt.Errorf("%w: entitlement %s", models.ErrExhausted, id)
	}
	return nil, fmt.Errorf("%w: entitlement %s", models.ErrExpired, id)
}
