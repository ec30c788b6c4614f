package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Freeeeeet/premarket_access/internal/model"
	"github.com/Freeeeeet/premarket_access/internal/repository"
	"github.com/google/uuid"
)

// AgentStore is an in-memory agent profile table.
type AgentStore struct {
	mu     sync.RWMutex
	agents map[uuid.UUID]*model.AgentProfile
}

func NewAgentStore() *AgentStore {
	return &AgentStore{
		agents: make(map[uuid.UUID]*model.AgentProfile),
	}
}

var _ repository.AgentStore = (*AgentStore)(nil)

func cloneAgent(agent *model.AgentProfile) *model.AgentProfile {
	if agent == nil {
		return nil
	}
	out := *agent
	out.Pauses = append([]model.PausePeriod(nil), agent.Pauses...)
	if agent.AcceptingRequestsToggledAt != nil {
		at := *agent.AcceptingRequestsToggledAt
		out.AcceptingRequestsToggledAt = &at
	}
	if agent.TelegramChatID != nil {
		chatID := *agent.TelegramChatID
		out.TelegramChatID = &chatID
	}
	return &out
}

// Put stores a copy of agent, replacing any previous version.
func (s *AgentStore) Put(agent *model.AgentProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.ID] = cloneAgent(agent)
}

func (s *AgentStore) snapshotIDs() []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	return ids
}

func (s *AgentStore) GetByID(_ context.Context, id uuid.UUID) (*model.AgentProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAgent(s.agents[id]), nil
}

func (s *AgentStore) SetAcceptingRequests(_ context.Context, id uuid.UUID, accepting bool, at time.Time) (*model.AgentProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, model.ErrAgentNotFound
	}
	if agent.AcceptingRequests == accepting {
		return cloneAgent(agent), nil
	}

	if accepting && agent.AcceptingRequestsToggledAt != nil {
		agent.Pauses = append(agent.Pauses, model.PausePeriod{
			From: *agent.AcceptingRequestsToggledAt,
			To:   at,
		})
	}
	agent.AcceptingRequests = accepting
	toggledAt := at
	agent.AcceptingRequestsToggledAt = &toggledAt

	return cloneAgent(agent), nil
}
