package model

import (
	"time"

	"github.com/google/uuid"
)

// AccessStatus is the state of an agent's access to one request
type AccessStatus string

const (
	AccessStatusPending  AccessStatus = "pending"  // waiting for an admin
	AccessStatusApproved AccessStatus = "approved" // admin set a charge, waiting for payment
	AccessStatusRejected AccessStatus = "rejected"
	AccessStatusFree     AccessStatus = "free"
	AccessStatusPaid     AccessStatus = "paid"
)

// PaymentStatus is the local view of the gateway payment
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// AdminDecision is set once an admin acts on an access record
type AdminDecision struct {
	DecidedBy    uuid.UUID `json:"decided_by"`
	DecidedAt    time.Time `json:"decided_at"`
	ChargeAmount float64   `json:"charge_amount"`
	IsFree       bool      `json:"is_free"`
	Notes        string    `json:"notes"`
}

// Payment is the payment sub-record of an access record
type Payment struct {
	Amount           float64       `json:"amount"`
	Currency         string        `json:"currency"`
	Status           PaymentStatus `json:"payment_status"`
	ExternalIntentID string        `json:"external_intent_id,omitempty"` // пусто, пока intent не создан
	FailureCount     int           `json:"failure_count"`
	FailedAt         []time.Time   `json:"failed_at"`
	SucceededAt      *time.Time    `json:"succeeded_at"`
}

// HasIntent reports whether a gateway intent is attached
func (p *Payment) HasIntent() bool {
	return p != nil && p.ExternalIntentID != ""
}

// AccessRecord is one agent's permission to view one request's renter details.
// There is at most one record per (AgentID, RequestID).
type AccessRecord struct {
	ID            uuid.UUID      `json:"id"`
	AgentID       uuid.UUID      `json:"agent_id"`
	RequestID     uuid.UUID      `json:"request_id"`
	Status        AccessStatus   `json:"status"`
	AdminDecision *AdminDecision `json:"admin_decision,omitempty"`
	Payment       *Payment       `json:"payment,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// IsPending checks if record is pending
func (r *AccessRecord) IsPending() bool {
	return r.Status == AccessStatusPending
}

// IsApproved checks if record is approved and waiting for payment
func (r *AccessRecord) IsApproved() bool {
	return r.Status == AccessStatusApproved
}

// IsRejected checks if record is rejected
func (r *AccessRecord) IsRejected() bool {
	return r.Status == AccessStatusRejected
}

// IsGranted checks if the agent may view renter PII
func (r *AccessRecord) IsGranted() bool {
	return r.Status == AccessStatusFree || r.Status == AccessStatusPaid
}

// IsTerminal checks if no further transition happens without an admin override
func (r *AccessRecord) IsTerminal() bool {
	return r.IsGranted() || r.IsRejected()
}

// AwaitsPayment checks if a charge exists and the gateway has not confirmed it yet
func (r *AccessRecord) AwaitsPayment() bool {
	return r.IsApproved() && r.Payment != nil && r.Payment.Status != PaymentStatusSucceeded
}
