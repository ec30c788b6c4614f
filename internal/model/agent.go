package model

import (
	"time"

	"github.com/google/uuid"
)

// PausePeriod is a closed interval during which the agent did not accept requests
type PausePeriod struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type AgentProfile struct {
	ID                         uuid.UUID     `json:"id"`
	Name                       string        `json:"name"`
	HasGrantAccess             bool          `json:"has_grant_access"` // blanket access, bypasses approval and payment
	AcceptingRequests          bool          `json:"accepting_requests"`
	AcceptingRequestsToggledAt *time.Time    `json:"accepting_requests_toggled_at"`
	TelegramChatID             *int64        `json:"telegram_chat_id"`
	Pauses                     []PausePeriod `json:"pauses,omitempty"` // завершённые паузы
	CreatedAt                  time.Time     `json:"created_at"`
}

// MissedRequestCreatedAt reports whether a request created at t fell into a
// period when the agent was not accepting requests. Such requests stay hidden
// from the agent for good, re-enabling does not bring them back.
func (a *AgentProfile) MissedRequestCreatedAt(t time.Time) bool {
	if !a.AcceptingRequests && a.AcceptingRequestsToggledAt != nil && t.After(*a.AcceptingRequestsToggledAt) {
		return true
	}

	for _, p := range a.Pauses {
		if t.After(p.From) && !t.After(p.To) {
			return true
		}
	}

	return false
}

// AgentRef points at an agent that may or may not have been loaded yet.
// Build it with UnresolvedAgent or ResolvedAgent.
type AgentRef struct {
	id      uuid.UUID
	profile *AgentProfile
}

func UnresolvedAgent(id uuid.UUID) AgentRef {
	return AgentRef{id: id}
}

func ResolvedAgent(profile *AgentProfile) AgentRef {
	return AgentRef{id: profile.ID, profile: profile}
}

// ID returns the agent id regardless of resolution
func (r AgentRef) ID() uuid.UUID {
	return r.id
}

// Profile returns the loaded profile, ok is false for an unresolved reference
func (r AgentRef) Profile() (*AgentProfile, bool) {
	return r.profile, r.profile != nil
}

// IsZero reports whether the reference points at nobody
func (r AgentRef) IsZero() bool {
	return r.id == uuid.Nil
}
