package service

import (
	"context"

	"entitlement-engine/internal/models"
)

// Durable storage contracts consumed by the engine components. The Postgres
// store satisfies all three; tests substitute in-memory fakes.

// CatalogStore persists sellable services. UpsertService writes the whole
// row regardless of whether it exists; the degraded-store merge relies on it
// so edits made during an outage are not lost to a stale durable row.
type CatalogStore interface {
	CreateService(ctx context.Context, svc *models.Service) error
	UpsertService(ctx context.Context, svc *models.Service) error
	GetService(ctx context.Context, id string) (*models.Service, error)
	ListServices(ctx context.Context, ownerPersonaID string) ([]models.Service, error)
	UpdateService(ctx context.Context, svc *models.Service) error
	DeleteService(ctx context.Context, id string) error
}

// AttemptStore persists payment attempts, the settlement audit trail.
type AttemptStore interface {
	CreateAttempt(ctx context.Context, a *models.PaymentAttempt) error
	GetAttempt(ctx context.Context, id string) (*models.PaymentAttempt, error)
	SetAttemptSubmitted(ctx context.Context, id, externalRef string) error
	ResolveAttempt(ctx context.Context, id, status string) (bool, error)
	GetUnresolvedAttempt(ctx context.Context, serviceID, buyerWallet string) (*models.PaymentAttempt, error)
	ListUnresolvedAttempts(ctx context.Context) ([]models.PaymentAttempt, error)
}

// EntitlementStore persists grants and their usage counters. RecordUse must
// be a single conditional update keyed by entitlement id.
type EntitlementStore interface {
	CreateEntitlement(ctx context.Context, e *models.Entitlement) error
	GetEntitlement(ctx context.Context, serviceID, buyerWallet string) (*models.Entitlement, error)
	GetEntitlementByID(ctx context.Context, id string) (*models.Entitlement, error)
	GetEntitlementByAttempt(ctx context.Context, attemptID string) (*models.Entitlement, error)
	ListEntitlementsByBuyer(ctx context.Context, buyerWallet string) ([]models.Entitlement, error)
	CountEntitlementsForService(ctx context.Context, serviceID string) (int, error)
	RecordUse(ctx context.Context, id string) (*models.Entitlement, error)
}
