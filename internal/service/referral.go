package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/Freeeeeet/premarket_access/internal/model"
	"github.com/Freeeeeet/premarket_access/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReferralResolver finds the agent a request belongs to under PRIVATE visibility.
// Requests without a referrer fall back to the configured default agent, which
// is loaded once and cached.
type ReferralResolver struct {
	agents    repository.AgentStore
	defaultID uuid.UUID
	logger    *zap.Logger

	mu       sync.Mutex
	resolved bool
	fallback model.AgentRef
}

func NewReferralResolver(agents repository.AgentStore, defaultID uuid.UUID, logger *zap.Logger) *ReferralResolver {
	return &ReferralResolver{
		agents:    agents,
		defaultID: defaultID,
		logger:    logger,
	}
}

// Default returns the fallback agent. A zero ref means no fallback is configured.
func (r *ReferralResolver) Default(ctx context.Context) (model.AgentRef, error) {
	if r.defaultID == uuid.Nil {
		return model.AgentRef{}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.resolved {
		return r.fallback, nil
	}

	agent, err := r.agents.GetByID(ctx, r.defaultID)
	if err != nil {
		// не кэшируем ошибку, попробуем в следующий раз
		return model.AgentRef{}, fmt.Errorf("load default referral agent: %w", err)
	}

	if agent == nil {
		r.logger.Warn("Default referral agent has no profile",
			zap.String("agent_id", r.defaultID.String()))
		r.fallback = model.UnresolvedAgent(r.defaultID)
	} else {
		r.fallback = model.ResolvedAgent(agent)
	}
	r.resolved = true

	return r.fallback, nil
}

// Resolve returns the request's referral agent or the default one
func (r *ReferralResolver) Resolve(ctx context.Context, req *model.Request) (model.AgentRef, error) {
	if req.ReferralAgentID != nil {
		return model.UnresolvedAgent(*req.ReferralAgentID), nil
	}
	return r.Default(ctx)
}

// Load turns a ref into a profile, reading the store only for unresolved refs.
// Returns nil for a zero ref or a missing profile.
func (r *ReferralResolver) Load(ctx context.Context, ref model.AgentRef) (*model.AgentProfile, error) {
	if ref.IsZero() {
		return nil, nil
	}
	if profile, ok := ref.Profile(); ok {
		return profile, nil
	}

	agent, err := r.agents.GetByID(ctx, ref.ID())
	if err != nil {
		return nil, fmt.Errorf("load referral agent: %w", err)
	}
	return agent, nil
}
