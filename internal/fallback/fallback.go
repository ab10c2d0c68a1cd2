// Package fallback is the process-local degraded store. It stands in for
// durable storage while the backend is unreachable and is never treated as
// authoritative once the backend recovers; the reconciler merges its rows
// back and clears them.
package fallback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"entitlement-engine/internal/models"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS services (
	id TEXT PRIMARY KEY,
	owner_persona_id TEXT NOT NULL,
	owner_wallet TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	price_minor_unit INTEGER NOT NULL,
	capability_class TEXT NOT NULL,
	payload_kind TEXT NOT NULL DEFAULT 'NONE',
	payload_value TEXT NOT NULL DEFAULT '',
	auto_deliver INTEGER NOT NULL DEFAULT 0,
	is_active INTEGER NOT NULL DEFAULT 1,
	tombstoned INTEGER NOT NULL DEFAULT 0,
	degraded INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS payment_attempts (
	id TEXT PRIMARY KEY,
	service_id TEXT NOT NULL,
	buyer_wallet TEXT NOT NULL,
	amount_requested INTEGER NOT NULL,
	status TEXT NOT NULL,
	external_ref TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS entitlements (
	id TEXT NOT NULL,
	service_id TEXT NOT NULL,
	persona_id TEXT NOT NULL,
	buyer_wallet TEXT NOT NULL,
	capability_class TEXT NOT NULL,
	usage_count INTEGER NOT NULL DEFAULT 0,
	max_usage INTEGER,
	expires_at TIMESTAMP,
	granted_from_attempt_id TEXT NOT NULL DEFAULT '',
	degraded INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (service_id, buyer_wallet)
);
`

// Store is a sqlite-backed scratch table set with the same entity shapes and
// keys as durable storage.
type Store struct {
	db *sqlx.DB
}

// New opens (or creates) the degraded store. dsn is a file path or
// ":memory:" for a purely in-process scratch store.
func New(dsn string) (*Store, error) {
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open fallback store: %w", err)
	}
	// sqlite serializes writers; a single connection avoids lock contention.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init fallback schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutService upserts a service row. Rows written here are always tagged
// degraded until merged back into durable storage.
func (s *Store) PutService(ctx context.Context, svc *models.Service) error {
	now := time.Now().UTC()
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = now
	}
	svc.UpdatedAt = now
	svc.Degraded = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO services (id, owner_persona_id, owner_wallet, title, description,
			price_minor_unit, capability_class, payload_kind, payload_value,
			auto_deliver, is_active, tombstoned, degraded, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			price_minor_unit = excluded.price_minor_unit,
			payload_kind = excluded.payload_kind,
			payload_value = excluded.payload_value,
			auto_deliver = excluded.auto_deliver,
			is_active = excluded.is_active,
			tombstoned = excluded.tombstoned,
			updated_at = excluded.updated_at`,
		svc.ID, svc.OwnerPersonaID, svc.OwnerWallet, svc.Title, svc.Description,
		svc.PriceMinorUnit, svc.Class, svc.PayloadKind, svc.PayloadValue,
		svc.AutoDeliver, svc.IsActive, svc.Tombstoned, svc.Degraded,
		svc.CreatedAt, svc.UpdatedAt)
	return err
}

// GetService retrieves a service by id.
func (s *Store) GetService(ctx context.Context, id string) (*models.Service, error) {
	var svc models.Service
	err := s.db.GetContext(ctx, &svc, "SELECT * FROM services WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: service %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

// ListServices returns all non-tombstoned services in the scratch store.
func (s *Store) ListServices(ctx context.Context, ownerPersonaID string) ([]models.Service, error) {
	var services []models.Service
	var err error
	if ownerPersonaID == "" {
		err = s.db.SelectContext(ctx, &services,
			"SELECT * FROM services WHERE tombstoned = 0 ORDER BY created_at DESC")
	} else {
		err = s.db.SelectContext(ctx, &services,
			"SELECT * FROM services WHERE owner_persona_id = ? AND tombstoned = 0 ORDER BY created_at DESC",
			ownerPersonaID)
	}
	return services, err
}

// DeleteService removes a service row, typically after a successful merge.
func (s *Store) DeleteService(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM services WHERE id = ?", id)
	return err
}

// PutAttempt upserts a payment attempt row.
func (s *Store) PutAttempt(ctx context.Context, a *models.PaymentAttempt) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_attempts (id, service_id, buyer_wallet, amount_requested,
			status, external_ref, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			external_ref = excluded.external_ref,
			updated_at = excluded.updated_at`,
		a.ID, a.ServiceID, a.BuyerWallet, a.Amount,
		a.Status, a.ExternalRef, a.CreatedAt, a.UpdatedAt)
	return err
}

// GetUnresolvedAttempt mirrors the durable query for submitted-but-pending
// attempts so the pair guard holds in degraded mode too.
func (s *Store) GetUnresolvedAttempt(ctx context.Context, serviceID, buyerWallet string) (*models.PaymentAttempt, error) {
	var a models.PaymentAttempt
	err := s.db.GetContext(ctx, &a, `
		SELECT * FROM payment_attempts
		WHERE service_id = ? AND buyer_wallet = ? AND status = ? AND external_ref <> ''
		ORDER BY created_at DESC LIMIT 1`,
		serviceID, buyerWallet, models.AttemptStatusPending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.DegradedRow = true
	return &a, nil
}

// DrainAttempts returns every scratch attempt awaiting merge. Attempts only
// land here during an outage, so all rows are implicitly degraded.
func (s *Store) DrainAttempts(ctx context.Context) ([]models.PaymentAttempt, error) {
	var attempts []models.PaymentAttempt
	err := s.db.SelectContext(ctx, &attempts, "SELECT * FROM payment_attempts ORDER BY created_at")
	return attempts, err
}

// RemoveAttempt removes a scratch attempt after a successful merge.
func (s *Store) RemoveAttempt(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM payment_attempts WHERE id = ?", id)
	return err
}

// PutEntitlement upserts a grant keyed by (service_id, buyer_wallet),
// tagging it degraded for later reconciliation.
func (s *Store) PutEntitlement(ctx context.Context, e *models.Entitlement) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	e.Degraded = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entitlements (id, service_id, persona_id, buyer_wallet, capability_class,
			usage_count, max_usage, expires_at, granted_from_attempt_id, degraded,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (service_id, buyer_wallet) DO UPDATE SET
			id = excluded.id,
			capability_class = excluded.capability_class,
			usage_count = excluded.usage_count,
			max_usage = excluded.max_usage,
			expires_at = excluded.expires_at,
			granted_from_attempt_id = excluded.granted_from_attempt_id,
			updated_at = excluded.updated_at`,
		e.ID, e.ServiceID, e.PersonaID, e.BuyerWallet, e.Class,
		e.UsageCount, e.MaxUsage, e.ExpiresAt, e.FromAttemptID, e.Degraded,
		e.CreatedAt, e.UpdatedAt)
	return err
}

// GetEntitlement retrieves the entitlement for a (service, buyer) pair.
func (s *Store) GetEntitlement(ctx context.Context, serviceID, buyerWallet string) (*models.Entitlement, error) {
	var e models.Entitlement
	err := s.db.GetContext(ctx, &e,
		"SELECT * FROM entitlements WHERE service_id = ? AND buyer_wallet = ?",
		serviceID, buyerWallet)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: entitlement for service %s", models.ErrNotFound, serviceID)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEntitlementByID retrieves an entitlement by id.
func (s *Store) GetEntitlementByID(ctx context.Context, id string) (*models.Entitlement, error) {
	var e models.Entitlement
	err := s.db.GetContext(ctx, &e, "SELECT * FROM entitlements WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: entitlement %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEntitlementsByBuyer returns every scratch entitlement held by a wallet.
func (s *Store) ListEntitlementsByBuyer(ctx context.Context, buyerWallet string) ([]models.Entitlement, error) {
	var ents []models.Entitlement
	err := s.db.SelectContext(ctx, &ents,
		"SELECT * FROM entitlements WHERE buyer_wallet = ? ORDER BY created_at DESC",
		buyerWallet)
	return ents, err
}

// RecordUse applies the same single conditional update the durable store
// uses, so the usage-cap invariant holds in degraded mode too.
func (s *Store) RecordUse(ctx context.Context, id string) (*models.Entitlement, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE entitlements
		SET usage_count = usage_count + 1, updated_at = ?
		WHERE id = ?
		  AND (max_usage IS NULL OR usage_count < max_usage)
		  AND (expires_at IS NULL OR expires_at > ?)`,
		now, id, now)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return s.GetEntitlementByID(ctx, id)
	}

	cur, err := s.GetEntitlementByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.MaxUsage != nil && cur.UsageCount >= *cur.MaxUsage {
		return nil, fmt.Errorf("%w: entitlement %s", models.ErrExhausted, id)
	}
	return nil, fmt.Errorf("%w: entitlement %s", models.ErrExpired, id)
}

// DrainDegradedServices returns scratch services awaiting merge.
func (s *Store) DrainDegradedServices(ctx context.Context) ([]models.Service, error) {
	var services []models.Service
	err := s.db.SelectContext(ctx, &services, "SELECT * FROM services WHERE degraded = 1")
	return services, err
}

// DrainDegradedEntitlements returns scratch entitlements awaiting merge.
func (s *Store) DrainDegradedEntitlements(ctx context.Context) ([]models.Entitlement, error) {
	var ents []models.Entitlement
	err := s.db.SelectContext(ctx, &ents, "SELECT * FROM entitlements WHERE degraded = 1")
	return ents, err
}

// RemoveEntitlement removes a scratch grant after a successful merge.
func (s *Store) RemoveEntitlement(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM entitlements WHERE id = ?", id)
	return err
}
