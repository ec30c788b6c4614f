package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Freeeeeet/premarket_access/internal/metrics"
	"github.com/Freeeeeet/premarket_access/internal/model"
	"github.com/Freeeeeet/premarket_access/internal/notify"
	"github.com/Freeeeeet/premarket_access/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// VisibilityService decides which agents see a request and owns the request lock
type VisibilityService struct {
	requests repository.RequestStore
	agents   repository.AgentStore
	records  repository.AccessRecordStore
	referral *ReferralResolver
	notifier notify.Notifier
	logger   *zap.Logger
}

func NewVisibilityService(
	requests repository.RequestStore,
	agents repository.AgentStore,
	records repository.AccessRecordStore,
	referral *ReferralResolver,
	notifier notify.Notifier,
	logger *zap.Logger,
) *VisibilityService {
	return &VisibilityService{
		requests: requests,
		agents:   agents,
		records:  records,
		referral: referral,
		notifier: notifier,
		logger:   logger,
	}
}

// ============ Проверки видимости ============

// EnsureAgentCanView fails with model.ErrNotVisible when the request is hidden from the agent
func (s *VisibilityService) EnsureAgentCanView(ctx context.Context, agent *model.AgentProfile, req *model.Request) error {
	if req.IsLockedBy(agent.ID) {
		return nil
	}
	if req.IsLockedByOther(agent.ID) {
		return model.ErrNotVisible
	}
	return s.checkVisibility(ctx, agent, req)
}

// checkVisibility applies the cutoff and PRIVATE/SHARED rules, ignoring the lock
func (s *VisibilityService) checkVisibility(ctx context.Context, agent *model.AgentProfile, req *model.Request) error {
	// Отсечка по времени действует и после повторного включения
	if agent.MissedRequestCreatedAt(req.CreatedAt) {
		return model.ErrNotVisible
	}

	if req.Visibility == model.VisibilityShared {
		return nil
	}

	referral, err := s.referral.Resolve(ctx, req)
	if err != nil {
		return err
	}
	if referral.IsZero() || referral.ID() != agent.ID {
		return model.ErrNotVisible
	}

	return nil
}

// ResolveReferralAgent returns the agent that owns the request under PRIVATE visibility
func (s *VisibilityService) ResolveReferralAgent(ctx context.Context, requestID uuid.UUID) (model.AgentRef, error) {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return model.AgentRef{}, fmt.Errorf("get request: %w", err)
	}
	if req == nil {
		return model.AgentRef{}, model.ErrRequestNotFound
	}

	return s.referral.Resolve(ctx, req)
}

// ============ Захват заявки ============

// MatchRequestForAgent claims the request for the agent and grants free access in one call.
// Exactly one of several racing agents wins, the rest get model.ErrLockHeld.
func (s *VisibilityService) MatchRequestForAgent(ctx context.Context, agentID, requestID uuid.UUID) (*model.AccessRecord, error) {
	agent, req, err := s.load(ctx, agentID, requestID)
	if err != nil {
		return nil, err
	}

	if !req.IsActive {
		return nil, model.ErrRequestInactive
	}
	if req.IsLockedByOther(agentID) {
		metrics.LockConflicts.Inc()
		return nil, model.ErrLockHeld
	}
	if !req.IsLockedBy(agentID) {
		if err := s.checkVisibility(ctx, agent, req); err != nil {
			return nil, err
		}
	}

	if err := s.requests.ClaimLock(ctx, requestID, agentID); err != nil {
		if errors.Is(err, model.ErrLockHeld) {
			metrics.LockConflicts.Inc()
			s.logger.Info("Lost match race",
				zap.String("agent_id", agentID.String()),
				zap.String("request_id", requestID.String()))
		}
		return nil, err
	}

	rec, err := s.records.GrantFree(ctx, agentID, requestID)
	if err != nil {
		// Компенсация: отпускаем заявку, повторный match тем же агентом безопасен
		if releaseErr := s.requests.ReleaseLock(ctx, requestID, agentID); releaseErr != nil {
			s.logger.Error("Failed to release request lock after failed grant",
				zap.String("agent_id", agentID.String()),
				zap.String("request_id", requestID.String()),
				zap.Error(releaseErr))
		}
		return nil, fmt.Errorf("grant free access: %w", err)
	}

	metrics.AccessTransitions.WithLabelValues(string(rec.Status)).Inc()
	s.logger.Info("Request matched",
		zap.String("agent_id", agentID.String()),
		zap.String("request_id", requestID.String()),
		zap.String("status", string(rec.Status)))

	s.notifier.Notify(ctx, notify.Notification{
		Kind:           notify.KindRequestMatched,
		Recipient:      notify.RecipientRenter,
		ChatID:         req.RenterChatID,
		AgentID:        agentID,
		RequestID:      requestID,
		AccessRecordID: rec.ID,
		Status:         rec.Status,
		RequestTitle:   req.Title,
	})

	return rec, nil
}

// ============ Видимость ============

// ToggleShareVisibility lets the referral agent flip PRIVATE/SHARED.
// SHARED without renter consent is stored as PRIVATE without an error.
func (s *VisibilityService) ToggleShareVisibility(ctx context.Context, agentID, requestID uuid.UUID, visibility model.Visibility) (*model.Request, error) {
	if !visibility.Valid() {
		return nil, model.ErrInvalidVisibility
	}

	referral, err := s.ResolveReferralAgent(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if referral.IsZero() || referral.ID() != agentID {
		return nil, model.ErrNotReferralAgent
	}

	req, err := s.requests.SetVisibility(ctx, requestID, visibility)
	if err != nil {
		return nil, fmt.Errorf("set visibility: %w", err)
	}

	if req.Visibility != visibility {
		s.logger.Info("Visibility coerced to PRIVATE without renter consent",
			zap.String("request_id", requestID.String()),
			zap.String("agent_id", agentID.String()))
	} else {
		s.logger.Info("Visibility changed",
			zap.String("request_id", requestID.String()),
			zap.String("visibility", string(req.Visibility)))
	}

	return req, nil
}

func (s *VisibilityService) load(ctx context.Context, agentID, requestID uuid.UUID) (*model.AgentProfile, *model.Request, error) {
	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		return nil, nil, fmt.Errorf("get agent: %w", err)
	}
	if agent == nil {
		return nil, nil, model.ErrAgentNotFound
	}

	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, nil, fmt.Errorf("get request: %w", err)
	}
	if req == nil {
		return nil, nil, model.ErrRequestNotFound
	}

	return agent, req, nil
}
