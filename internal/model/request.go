package model

import (
	"time"

	"github.com/google/uuid"
)

type Visibility string

const (
	VisibilityPrivate Visibility = "PRIVATE" // только агент-реферер
	VisibilityShared  Visibility = "SHARED"
)

// Valid checks if v is a known visibility
func (v Visibility) Valid() bool {
	return v == VisibilityPrivate || v == VisibilityShared
}

// RenterContact is the renter PII gated by access
type RenterContact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// Request is a renter's off-market housing request.
// The engine owns Visibility and LockedByAgentID, everything else is read-only here.
type Request struct {
	ID              uuid.UUID     `json:"id"`
	Title           string        `json:"title"`
	Visibility      Visibility    `json:"visibility"`
	ShareConsent    bool          `json:"share_consent"`
	ReferralAgentID *uuid.UUID    `json:"referral_agent_id"`
	LockedByAgentID *uuid.UUID    `json:"locked_by_agent_id"`
	IsActive        bool          `json:"is_active"`
	Renter          RenterContact `json:"-"`
	RenterChatID    *int64        `json:"-"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// IsLocked checks if some agent has claimed the request
func (r *Request) IsLocked() bool {
	return r.LockedByAgentID != nil
}

// IsLockedBy checks if agentID holds the lock
func (r *Request) IsLockedBy(agentID uuid.UUID) bool {
	return r.LockedByAgentID != nil && *r.LockedByAgentID == agentID
}

// IsLockedByOther checks if an agent other than agentID holds the lock
func (r *Request) IsLockedByOther(agentID uuid.UUID) bool {
	return r.LockedByAgentID != nil && *r.LockedByAgentID != agentID
}

// RequestDetail is the agent-facing view of a request
type RequestDetail struct {
	Request           *Request       `json:"request"`
	ReferralAgentID   uuid.UUID      `json:"referral_agent_id"`
	ReferralAgentName string         `json:"referral_agent_name,omitempty"`
	Access            AccessSummary  `json:"access"`
	Renter            *RenterContact `json:"renter,omitempty"` // nil пока доступ не выдан
}
