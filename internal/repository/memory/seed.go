package memory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Freeeeeet/premarket_access/internal/model"
	"github.com/google/uuid"
)

// Seed is the fixture file loaded into the memory stores with SEED_FILE
type Seed struct {
	Agents   []SeedAgent   `json:"agents"`
	Requests []SeedRequest `json:"requests"`
}

type SeedAgent struct {
	ID                uuid.UUID `json:"id"`
	Name              string    `json:"name"`
	HasGrantAccess    bool      `json:"has_grant_access"`
	AcceptingRequests *bool     `json:"accepting_requests"` // по умолчанию true
	TelegramChatID    *int64    `json:"telegram_chat_id"`
}

type SeedRequest struct {
	ID              uuid.UUID           `json:"id"`
	Title           string              `json:"title"`
	Visibility      model.Visibility    `json:"visibility"`
	ShareConsent    bool                `json:"share_consent"`
	ReferralAgentID *uuid.UUID          `json:"referral_agent_id"`
	IsActive        *bool               `json:"is_active"` // по умолчанию true
	Renter          model.RenterContact `json:"renter"`
	RenterChatID    *int64              `json:"renter_chat_id"`
	CreatedAt       *time.Time          `json:"created_at"`
}

// LoadSeedFile reads a JSON seed and puts its agents and requests into the stores
func LoadSeedFile(path string, agents *AgentStore, requests *RequestStore) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var seed Seed
	if err := dec.Decode(&seed); err != nil {
		return nil, fmt.Errorf("decode seed file %s: %w", path, err)
	}

	if err := seed.Apply(agents, requests); err != nil {
		return nil, fmt.Errorf("seed file %s: %w", path, err)
	}
	return &seed, nil
}

// Apply validates the whole seed first, then writes it, so a bad fixture leaves the stores untouched
func (s *Seed) Apply(agents *AgentStore, requests *RequestStore) error {
	known := make(map[uuid.UUID]bool)
	for _, a := range agents.snapshotIDs() {
		known[a] = true
	}

	for i, a := range s.Agents {
		if a.ID == uuid.Nil {
			return fmt.Errorf("agents[%d]: id is required", i)
		}
		known[a.ID] = true
	}

	for i, r := range s.Requests {
		if r.ID == uuid.Nil {
			return fmt.Errorf("requests[%d]: id is required", i)
		}
		if r.Visibility != "" && !r.Visibility.Valid() {
			return fmt.Errorf("requests[%d]: unknown visibility %q", i, r.Visibility)
		}
		if r.Visibility == model.VisibilityShared && !r.ShareConsent {
			return fmt.Errorf("requests[%d]: SHARED requires share_consent", i)
		}
		if r.ReferralAgentID != nil && !known[*r.ReferralAgentID] {
			return fmt.Errorf("requests[%d]: unknown referral agent %s", i, *r.ReferralAgentID)
		}
	}

	now := time.Now().UTC()
	for _, a := range s.Agents {
		agents.Put(&model.AgentProfile{
			ID:                a.ID,
			Name:              a.Name,
			HasGrantAccess:    a.HasGrantAccess,
			AcceptingRequests: a.AcceptingRequests == nil || *a.AcceptingRequests,
			TelegramChatID:    a.TelegramChatID,
			CreatedAt:         now,
		})
	}

	for _, r := range s.Requests {
		req := &model.Request{
			ID:              r.ID,
			Title:           r.Title,
			Visibility:      r.Visibility,
			ShareConsent:    r.ShareConsent,
			ReferralAgentID: r.ReferralAgentID,
			IsActive:        r.IsActive == nil || *r.IsActive,
			Renter:          r.Renter,
			RenterChatID:    r.RenterChatID,
		}
		if r.CreatedAt != nil {
			req.CreatedAt = r.CreatedAt.UTC()
		}
		requests.Put(req)
	}

	return nil
}
