package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Freeeeeet/premarket_access/internal/model"
	"github.com/Freeeeeet/premarket_access/internal/repository"
	"github.com/google/uuid"
)

// RequestStore is an in-memory request table.
type RequestStore struct {
	mu       sync.Mutex
	requests map[uuid.UUID]*model.Request
}

func NewRequestStore() *RequestStore {
	return &RequestStore{
		requests: make(map[uuid.UUID]*model.Request),
	}
}

var _ repository.RequestStore = (*RequestStore)(nil)

func cloneRequest(req *model.Request) *model.Request {
	if req == nil {
		return nil
	}
	out := *req
	if req.ReferralAgentID != nil {
		id := *req.ReferralAgentID
		out.ReferralAgentID = &id
	}
	if req.LockedByAgentID != nil {
		id := *req.LockedByAgentID
		out.LockedByAgentID = &id
	}
	if req.RenterChatID != nil {
		chatID := *req.RenterChatID
		out.RenterChatID = &chatID
	}
	return &out
}

// Put stores a copy of req, replacing any previous version.
func (s *RequestStore) Put(req *model.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneRequest(req)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	if stored.Visibility == "" {
		stored.Visibility = model.VisibilityPrivate
	}
	s.requests[stored.ID] = stored
}

// Delete drops a request.  Test-only helper.
func (s *RequestStore) Delete(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, id)
}

func (s *RequestStore) GetByID(_ context.Context, id uuid.UUID) (*model.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRequest(s.requests[id]), nil
}

func (s *RequestStore) ClaimLock(_ context.Context, requestID, agentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok {
		return model.ErrRequestNotFound
	}
	if !req.IsActive {
		return model.ErrRequestInactive
	}
	if req.IsLockedByOther(agentID) {
		return model.ErrLockHeld
	}

	id := agentID
	req.LockedByAgentID = &id
	req.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *RequestStore) ReleaseLock(_ context.Context, requestID, agentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok || !req.IsLockedBy(agentID) {
		return nil
	}

	req.LockedByAgentID = nil
	req.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *RequestStore) SetVisibility(_ context.Context, requestID uuid.UUID, visibility model.Visibility) (*model.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok {
		return nil, model.ErrRequestNotFound
	}

	if visibility == model.VisibilityShared && !req.ShareConsent {
		visibility = model.VisibilityPrivate
	}
	req.Visibility = visibility
	req.UpdatedAt = time.Now().UTC()

	return cloneRequest(req), nil
}
