package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"entitlement-engine/internal/models"
)

// CreateService inserts a new service row.
func (s *Store) CreateService(ctx context.Context, svc *models.Service) error {
	query := `
		INSERT INTO services (id, owner_persona_id, owner_wallet, title, description,
			price_minor_unit, capability_class, payload_kind, payload_value,
			auto_deliver, is_active, tombstoned, degraded)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at, updated_at`

	err := s.db.QueryRowxContext(ctx, query,
		svc.ID, svc.OwnerPersonaID, svc.OwnerWallet, svc.Title, svc.Description,
		svc.PriceMinorUnit, svc.Class, svc.PayloadKind, svc.PayloadValue,
		svc.AutoDeliver, svc.IsActive, svc.Tombstoned, svc.Degraded,
	).Scan(&svc.CreatedAt, &svc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict on id: row already exists, treat as an idempotent merge.
		return nil
	}
	return storageErr(err)
}

// UpsertService writes a full service row, replacing the mutable fields when
// the id already exists. Merging degraded-mode writes needs this: the scratch
// row carries edits made during the outage, so it wins over the durable row.
func (s *Store) UpsertService(ctx context.Context, svc *models.Service) error {
	query := `
		INSERT INTO services (id, owner_persona_id, owner_wallet, title, description,
			price_minor_unit, capability_class, payload_kind, payload_value,
			auto_deliver, is_active, tombstoned, degraded)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			price_minor_unit = EXCLUDED.price_minor_unit,
			payload_kind = EXCLUDED.payload_kind,
			payload_value = EXCLUDED.payload_value,
			auto_deliver = EXCLUDED.auto_deliver,
			is_active = EXCLUDED.is_active,
			tombstoned = EXCLUDED.tombstoned,
			degraded = EXCLUDED.degraded,
			updated_at = NOW()
		RETURNING created_at, updated_at`

	err := s.db.QueryRowxContext(ctx, query,
		svc.ID, svc.OwnerPersonaID, svc.OwnerWallet, svc.Title, svc.Description,
		svc.PriceMinorUnit, svc.Class, svc.PayloadKind, svc.PayloadValue,
		svc.AutoDeliver, svc.IsActive, svc.Tombstoned, svc.Degraded,
	).Scan(&svc.CreatedAt, &svc.UpdatedAt)
	return storageErr(err)
}

// GetService retrieves a service by id.
func (s *Store) GetService(ctx context.Context, id string) (*models.Service, error) {
	var svc models.Service
	err := s.db.GetContext(ctx, &svc, "SELECT * FROM services WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: service %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return &svc, nil
}

// ListServices retrieves services, optionally restricted to one owner.
// Tombstoned rows are excluded; they only exist to keep entitlement
// references intact.
func (s *Store) ListServices(ctx context.Context, ownerPersonaID string) ([]models.Service, error) {
	var services []models.Service
	var err error
	if ownerPersonaID == "" {
		err = s.db.SelectContext(ctx, &services,
			"SELECT * FROM services WHERE NOT tombstoned ORDER BY created_at DESC")
	} else {
		err = s.db.SelectContext(ctx, &services,
			"SELECT * FROM services WHERE owner_persona_id = $1 AND NOT tombstoned ORDER BY created_at DESC",
			ownerPersonaID)
	}
	return services, storageErr(err)
}

// UpdateService persists owner-editable fields and bumps updated_at.
func (s *Store) UpdateService(ctx context.Context, svc *models.Service) error {
	query := `
		UPDATE services
		SET title = $1, description = $2, price_minor_unit = $3,
			payload_kind = $4, payload_value = $5, auto_deliver = $6,
			is_active = $7, tombstoned = $8, updated_at = NOW()
		WHERE id = $9
		RETURNING updated_at`

	err := s.db.QueryRowxContext(ctx, query,
		svc.Title, svc.Description, svc.PriceMinorUnit,
		svc.PayloadKind, svc.PayloadValue, svc.AutoDeliver,
		svc.IsActive, svc.Tombstoned, svc.ID,
	).Scan(&svc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: service %s", models.ErrNotFound, svc.ID)
	}
	return storageErr(err)
}

// DeleteService hard-deletes a service row. Callers must have verified no
// entitlements reference it.
func (s *Store) DeleteService(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM services WHERE id = $1", id)
	if err != nil {
		return storageErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: service %s", models.ErrNotFound, id)
	}
	return nil
}
