package models

import "time"

// Entity kinds carried by a ChangeEvent.
const (
	EntityService     = "SERVICE"
	EntityEntitlement = "ENTITLEMENT"
)

// Mutations carried by a ChangeEvent.
const (
	MutationCreated = "CREATED"
	MutationUpdated = "UPDATED"
	MutationDeleted = "DELETED"
)

// ChangeEvent is a broadcast notification of a catalog or entitlement
// mutation. It is ephemeral: delivery is at-most-once and consumers refetch
// the entity from the source of truth instead of trusting the payload.
type ChangeEvent struct {
	EventID    string    `json:"event_id"`
	EntityKind string    `json:"entity_kind"`
	Mutation   string    `json:"mutation"`
	EntityID   string    `json:"entity_id"`
	OccurredAt time.Time `json:"occurred_at"`
}
