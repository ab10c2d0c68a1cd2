package models

import "time"

// CapabilityClass categorizes a service and fixes its entitlement policy.
type CapabilityClass string

const (
	ClassConsultation    CapabilityClass = "CONSULTATION"
	ClassContentDelivery CapabilityClass = "CONTENT_DELIVERY"
	ClassVoiceMessage    CapabilityClass = "VOICE_MESSAGE"
	ClassVideoCall       CapabilityClass = "VIDEO_CALL"
	ClassCustom          CapabilityClass = "CUSTOM"
)

// ValidClass reports whether c is a known capability class.
func ValidClass(c CapabilityClass) bool {
	switch c {
	case ClassConsultation, ClassContentDelivery, ClassVoiceMessage, ClassVideoCall, ClassCustom:
		return true
	}
	return false
}

// DeliveryBearing reports whether the class carries a payload descriptor.
// Consultation and VideoCall never do.
func (c CapabilityClass) DeliveryBearing() bool {
	return c == ClassContentDelivery || c == ClassVoiceMessage
}

// Payload kinds for a delivery-bearing service.
const (
	PayloadNone    = "NONE"
	PayloadText    = "TEXT"
	PayloadURL     = "URL"
	PayloadFileRef = "FILE_REF"
)

// Service is a sellable offering owned by exactly one persona.
// PriceFiatEstimate is display-only and always derived from PriceMinorUnit.
type Service struct {
	ID             string          `db:"id" json:"id"`
	OwnerPersonaID string          `db:"owner_persona_id" json:"owner_persona_id"`
	OwnerWallet    string          `db:"owner_wallet" json:"owner_wallet"`
	Title          string          `db:"title" json:"title"`
	Description    string          `db:"description" json:"description"`
	PriceMinorUnit int64           `db:"price_minor_unit" json:"price_minor_unit"`
	Class          CapabilityClass `db:"capability_class" json:"capability_class"`
	PayloadKind    string          `db:"payload_kind" json:"payload_kind"`
	PayloadValue   string          `db:"payload_value" json:"payload_value,omitempty"`
	AutoDeliver    bool            `db:"auto_deliver" json:"auto_deliver"`
	IsActive       bool            `db:"is_active" json:"is_active"`
	Tombstoned     bool            `db:"tombstoned" json:"tombstoned"`
	Degraded       bool            `db:"degraded" json:"degraded,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// FiatEstimate converts the stored minor-unit price to a display estimate.
// Rate is minor units per whole fiat unit. Display-only; the stored price is
// the single source of truth.
func (s *Service) FiatEstimate(rate int64) float64 {
	if rate <= 0 {
		return 0
	}
	return float64(s.PriceMinorUnit) / float64(rate)
}

// Payment attempt statuses. An attempt leaves PENDING exactly once; a retry
// is always a new attempt.
const (
	AttemptStatusPending   = "PENDING"
	AttemptStatusConfirmed = "CONFIRMED"
	AttemptStatusFailed    = "FAILED"
)

// PaymentAttempt is one buyer's try at funding a purchase. It is persisted
// before payment submission and is the idempotency anchor for recovery.
type PaymentAttempt struct {
	ID          string    `db:"id" json:"id"`
	ServiceID   string    `db:"service_id" json:"service_id"`
	BuyerWallet string    `db:"buyer_wallet" json:"buyer_wallet"`
	Amount      int64     `db:"amount_requested" json:"amount_requested"`
	Status      string    `db:"status" json:"status"`
	ExternalRef string    `db:"external_ref" json:"external_ref,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`

	// DegradedRow marks an attempt whose row lives in the fallback store.
	// Transient; not persisted.
	DegradedRow bool `db:"-" json:"-"`
}

// Unresolved reports whether the attempt was submitted to the ledger network
// but never reached a terminal status. Such attempts block new purchases for
// the pair until reconciled.
func (a *PaymentAttempt) Unresolved() bool {
	return a.Status == AttemptStatusPending && a.ExternalRef != ""
}

// Entitlement is the durable record that a buyer may access a service.
// Terms are copied from the service at grant time, never referenced live, so
// later price or description edits cannot alter an existing grant.
type Entitlement struct {
	ID            string          `db:"id" json:"id"`
	ServiceID     string          `db:"service_id" json:"service_id"`
	PersonaID     string          `db:"persona_id" json:"persona_id"`
	BuyerWallet   string          `db:"buyer_wallet" json:"buyer_wallet"`
	Class         CapabilityClass `db:"capability_class" json:"capability_class"`
	UsageCount    int             `db:"usage_count" json:"usage_count"`
	MaxUsage      *int            `db:"max_usage" json:"max_usage,omitempty"`
	ExpiresAt     *time.Time      `db:"expires_at" json:"expires_at,omitempty"`
	FromAttemptID string          `db:"granted_from_attempt_id" json:"granted_from_attempt_id"`
	Degraded      bool            `db:"degraded" json:"degraded,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// Valid is the read-time access check. Stored fields never change with the
// passage of time; only this result does.
func (e *Entitlement) Valid(now time.Time) bool {
	if e.MaxUsage != nil && e.UsageCount >= *e.MaxUsage {
		return false
	}
	if e.ExpiresAt != nil && !now.Before(*e.ExpiresAt) {
		return false
	}
	return true
}

// videoCallTerm is how long a video-call entitlement stays redeemable.
const videoCallTerm = 30 * 24 * time.Hour

// PolicyFor returns the entitlement terms granted for a capability class.
// The table is fixed; it is not configurable at purchase time.
//
//	Consultation                    -> max_usage=1, no expiry
//	VideoCall                       -> unlimited uses, expires in 30 days
//	ContentDelivery/Voice/Custom    -> unlimited, no expiry
func PolicyFor(class CapabilityClass, now time.Time) (maxUsage *int, expiresAt *time.Time) {
	switch class {
	case ClassConsultation:
		one := 1
		return &one, nil
	case ClassVideoCall:
		exp := now.Add(videoCallTerm)
		return nil, &exp
	default:
		return nil, nil
	}
}
