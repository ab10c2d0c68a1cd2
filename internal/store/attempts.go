package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"entitlement-engine/internal/models"
)

// CreateAttempt persists a new payment attempt. This happens before the
// payment is submitted so a crash mid-settlement always leaves a row a
// reconciliation pass can find.
func (s *Store) CreateAttempt(ctx context.Context, a *models.PaymentAttempt) error {
	query := `
		INSERT INTO payment_attempts (id, service_id, buyer_wallet, amount_requested, status, external_ref)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at, updated_at`

	err := s.db.QueryRowxContext(ctx, query,
		a.ID, a.ServiceID, a.BuyerWallet, a.Amount, a.Status, a.ExternalRef,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict on id: row already exists, treat as an idempotent merge.
		return nil
	}
	return storageErr(err)
}

// GetAttempt retrieves a payment attempt by id.
func (s *Store) GetAttempt(ctx context.Context, id string) (*models.PaymentAttempt, error) {
	var a models.PaymentAttempt
	err := s.db.GetContext(ctx, &a, "SELECT * FROM payment_attempts WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: attempt %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return &a, nil
}

// SetAttemptSubmitted records the ledger transaction ref once the payment
// has been fired. The status stays PENDING until confirmation resolves it.
func (s *Store) SetAttemptSubmitted(ctx context.Context, id, externalRef string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE payment_attempts SET external_ref = $1, updated_at = NOW() WHERE id = $2",
		externalRef, id)
	return storageErr(err)
}

// ResolveAttempt moves an attempt out of PENDING. The guard makes the
// transition happen at most once; a second resolution is a no-op.
func (s *Store) ResolveAttempt(ctx context.Context, id, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE payment_attempts SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		status, id, models.AttemptStatusPending)
	if err != nil {
		return false, storageErr(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetUnresolvedAttempt returns the submitted-but-unresolved attempt for a
// (service, buyer) pair, or nil if the pair is clear.
func (s *Store) GetUnresolvedAttempt(ctx context.Context, serviceID, buyerWallet string) (*models.PaymentAttempt, error) {
	var a models.PaymentAttempt
	err := s.db.GetContext(ctx, &a, `
		SELECT * FROM payment_attempts
		WHERE service_id = $1 AND buyer_wallet = $2 AND status = $3 AND external_ref <> ''
		ORDER BY created_at DESC LIMIT 1`,
		serviceID, buyerWallet, models.AttemptStatusPending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return &a, nil
}

// ListUnresolvedAttempts returns every attempt awaiting reconciliation.
func (s *Store) ListUnresolvedAttempts(ctx context.Context) ([]models.PaymentAttempt, error) {
	var attempts []models.PaymentAttempt
	err := s.db.SelectContext(ctx, &attempts, `
		SELECT * FROM payment_attempts
		WHERE status = $1 AND external_ref <> ''
		ORDER BY created_at`,
		models.AttemptStatusPending)
	return attempts, storageErr(err)
}
