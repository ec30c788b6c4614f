package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Freeeeeet/premarket_access/internal/metrics"
	"github.com/Freeeeeet/premarket_access/internal/model"
	"github.com/Freeeeeet/premarket_access/internal/notify"
	"github.com/Freeeeeet/premarket_access/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type AccessService struct {
	records    repository.AccessRecordStore
	requests   repository.RequestStore
	agents     repository.AgentStore
	visibility *VisibilityService
	reconciler *ReconciliationService
	referral   *ReferralResolver
	notifier   notify.Notifier
	currency   string
	logger     *zap.Logger
}

func NewAccessService(
	records repository.AccessRecordStore,
	requests repository.RequestStore,
	agents repository.AgentStore,
	visibility *VisibilityService,
	reconciler *ReconciliationService,
	referral *ReferralResolver,
	notifier notify.Notifier,
	currency string,
	logger *zap.Logger,
) *AccessService {
	return &AccessService{
		records:    records,
		requests:   requests,
		agents:     agents,
		visibility: visibility,
		reconciler: reconciler,
		referral:   referral,
		notifier:   notifier,
		currency:   currency,
		logger:     logger,
	}
}

// ============ Агент ============

// RequestAccess creates a pending access record for the pair.
// A pending or approved record is returned as is. Granted and rejected records
// come back together with model.ErrAlreadyGranted / model.ErrAccessRejected.
func (s *AccessService) RequestAccess(ctx context.Context, agentID, requestID uuid.UUID) (*model.AccessRecord, error) {
	agent, req, err := s.visibility.load(ctx, agentID, requestID)
	if err != nil {
		return nil, err
	}

	if !req.IsActive {
		return nil, model.ErrRequestInactive
	}
	if agent.HasGrantAccess {
		return nil, model.ErrBlanketAccess
	}
	if err := s.visibility.EnsureAgentCanView(ctx, agent, req); err != nil {
		return nil, err
	}

	rec, created, err := s.records.CreatePending(ctx, agentID, requestID)
	if err != nil {
		return nil, fmt.Errorf("create access record: %w", err)
	}

	if !created {
		switch {
		case rec.IsGranted():
			return rec, model.ErrAlreadyGranted
		case rec.IsRejected():
			return rec, model.ErrAccessRejected
		}
		s.logger.Info("Access request already in flight",
			zap.String("access_record_id", rec.ID.String()),
			zap.String("status", string(rec.Status)))
		return rec, nil
	}

	metrics.AccessTransitions.WithLabelValues(string(rec.Status)).Inc()
	s.logger.Info("Access requested",
		zap.String("access_record_id", rec.ID.String()),
		zap.String("agent_id", agentID.String()),
		zap.String("request_id", requestID.String()))

	s.notifier.Notify(ctx, notify.Notification{
		Kind:           notify.KindAccessRequested,
		Recipient:      notify.RecipientAdmin,
		AgentID:        agentID,
		RequestID:      requestID,
		AccessRecordID: rec.ID,
		Status:         rec.Status,
		RequestTitle:   req.Title,
	})

	return rec, nil
}

// GetAgentAccessSummary returns the derived access state of the agent for the request
func (s *AccessService) GetAgentAccessSummary(ctx context.Context, agentID, requestID uuid.UUID) (*model.AccessSummary, error) {
	agent, _, err := s.visibility.load(ctx, agentID, requestID)
	if err != nil {
		return nil, err
	}

	rec, err := s.records.GetByAgentAndRequest(ctx, agentID, requestID)
	if err != nil {
		return nil, fmt.Errorf("get access record: %w", err)
	}
	rec = s.reconciler.RefreshOnRead(ctx, rec)

	summary := DeriveSummary(rec, agent.HasGrantAccess)
	return &summary, nil
}

// GetRequestDetail returns the agent's view of a request. Renter contact is
// included only when the agent may see it. An agent that already holds granted
// access keeps seeing the request after it is claimed by someone else.
func (s *AccessService) GetRequestDetail(ctx context.Context, agentID, requestID uuid.UUID) (*model.RequestDetail, error) {
	agent, req, err := s.visibility.load(ctx, agentID, requestID)
	if err != nil {
		return nil, err
	}

	rec, err := s.records.GetByAgentAndRequest(ctx, agentID, requestID)
	if err != nil {
		return nil, fmt.Errorf("get access record: %w", err)
	}

	if rec == nil || !rec.IsGranted() {
		if err := s.visibility.EnsureAgentCanView(ctx, agent, req); err != nil {
			return nil, err
		}
	}

	rec = s.reconciler.RefreshOnRead(ctx, rec)
	summary := DeriveSummary(rec, agent.HasGrantAccess)

	detail := &model.RequestDetail{
		Request: req,
		Access:  summary,
	}
	if summary.CanViewRenter {
		renter := req.Renter
		detail.Renter = &renter
	}

	ref, err := s.referral.Resolve(ctx, req)
	if err != nil {
		s.logger.Warn("Failed to resolve referral agent", zap.String("request_id", requestID.String()), zap.Error(err))
		return detail, nil
	}
	detail.ReferralAgentID = ref.ID()

	referralAgent, err := s.referral.Load(ctx, ref)
	if err != nil {
		s.logger.Warn("Failed to load referral agent", zap.String("agent_id", ref.ID().String()), zap.Error(err))
	} else if referralAgent != nil {
		detail.ReferralAgentName = referralAgent.Name
	}

	return detail, nil
}

// SetAcceptingRequests toggles the agent's intake. Requests created while the
// agent was not accepting stay hidden after re-enabling.
func (s *AccessService) SetAcceptingRequests(ctx context.Context, agentID uuid.UUID, accepting bool) (*model.AgentProfile, error) {
	agent, err := s.agents.SetAcceptingRequests(ctx, agentID, accepting, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("set accepting requests: %w", err)
	}

	s.logger.Info("Agent accepting requests toggled",
		zap.String("agent_id", agentID.String()),
		zap.Bool("accepting", accepting))

	return agent, nil
}

// ============ Админ ============

// decideAttempts bounds retries when payment updates race with a decision
const decideAttempts = 3

// AdminDecideAccess applies an admin decision to the agent's record for the request.
// Re-deciding is an override. Re-deciding a paid record is allowed and logged.
// The write is a compare-and-set on the record the decision was computed from.
// A concurrent payment update that keeps the status is re-read and re-resolved,
// a concurrent status change (say, to paid) fails with ErrRecordChanged.
func (s *AccessService) AdminDecideAccess(ctx context.Context, requestID uuid.UUID, in DecisionInput) (*model.AccessRecord, error) {
	if in.AgentID == uuid.Nil || in.AdminID == uuid.Nil {
		return nil, model.ErrInvalidIdentifier
	}

	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	if req == nil {
		return nil, model.ErrRequestNotFound
	}
	if !req.IsActive {
		return nil, model.ErrRequestInactive
	}

	var seenStatus model.AccessStatus
	for attempt := 0; attempt < decideAttempts; attempt++ {
		rec, err := s.records.GetByAgentAndRequest(ctx, in.AgentID, requestID)
		if err != nil {
			return nil, fmt.Errorf("get access record: %w", err)
		}
		if rec == nil {
			return nil, model.ErrAccessRecordNotFound
		}

		if attempt == 0 {
			seenStatus = rec.Status
		} else if rec.Status != seenStatus {
			s.logger.Warn("Access record status changed during admin decision",
				zap.String("access_record_id", rec.ID.String()),
				zap.String("admin_id", in.AdminID.String()),
				zap.String("seen", string(seenStatus)),
				zap.String("current", string(rec.Status)))
			return nil, model.ErrRecordChanged
		}

		updated, err := s.applyDecision(ctx, rec, in)
		if errors.Is(err, model.ErrRecordChanged) {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.notifyDecision(ctx, updated)
		return updated, nil
	}

	return nil, model.ErrRecordChanged
}

func (s *AccessService) applyDecision(ctx context.Context, rec *model.AccessRecord, in DecisionInput) (*model.AccessRecord, error) {
	status, pay, err := ResolveDecision(rec, in, s.currency)
	if err != nil {
		return nil, err
	}

	if rec.Status == model.AccessStatusPaid {
		s.logger.Warn("Admin override on a paid access record",
			zap.String("access_record_id", rec.ID.String()),
			zap.String("admin_id", in.AdminID.String()),
			zap.String("action", string(in.Action)),
			zap.String("new_status", string(status)))
	}

	decision := model.AdminDecision{
		DecidedBy: in.AdminID,
		DecidedAt: time.Now().UTC(),
		IsFree:    status == model.AccessStatusFree,
		Notes:     in.Notes,
	}
	if status == model.AccessStatusApproved {
		decision.ChargeAmount = in.ChargeAmount
	}

	updated, err := s.records.ApplyDecision(ctx, rec, status, decision, pay)
	if err != nil {
		return nil, fmt.Errorf("apply decision: %w", err)
	}

	metrics.AccessTransitions.WithLabelValues(string(updated.Status)).Inc()
	s.logger.Info("Access decided",
		zap.String("access_record_id", updated.ID.String()),
		zap.String("admin_id", in.AdminID.String()),
		zap.String("from", string(rec.Status)),
		zap.String("to", string(updated.Status)),
		zap.Float64("charge_amount", decision.ChargeAmount))

	return updated, nil
}

// AdminDecideRecord applies an admin decision addressed by record id
func (s *AccessService) AdminDecideRecord(ctx context.Context, recordID uuid.UUID, in DecisionInput) (*model.AccessRecord, error) {
	rec, err := s.records.GetByID(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("get access record: %w", err)
	}
	if rec == nil {
		return nil, model.ErrAccessRecordNotFound
	}

	in.AgentID = rec.AgentID
	return s.AdminDecideAccess(ctx, rec.RequestID, in)
}

func (s *AccessService) notifyDecision(ctx context.Context, rec *model.AccessRecord) {
	agent, err := s.agents.GetByID(ctx, rec.AgentID)
	if err != nil || agent == nil {
		s.logger.Warn("Skipping decision notification, agent not loaded",
			zap.String("agent_id", rec.AgentID.String()),
			zap.Error(err))
		return
	}

	n := notify.Notification{
		Kind:           notify.KindAccessDecided,
		Recipient:      notify.RecipientAgent,
		ChatID:         agent.TelegramChatID,
		AgentID:        rec.AgentID,
		RequestID:      rec.RequestID,
		AccessRecordID: rec.ID,
		Status:         rec.Status,
	}
	if rec.AwaitsPayment() {
		n.ChargeAmount = rec.Payment.Amount
	}
	if req, err := s.requests.GetByID(ctx, rec.RequestID); err == nil && req != nil {
		n.RequestTitle = req.Title
	}

	s.notifier.Notify(ctx, n)
}

// ListAccessRecords is the admin review queue, oldest first
func (s *AccessService) ListAccessRecords(ctx context.Context, status model.AccessStatus, limit int) ([]*model.AccessRecord, error) {
	switch status {
	case model.AccessStatusPending, model.AccessStatusApproved, model.AccessStatusRejected,
		model.AccessStatusFree, model.AccessStatusPaid:
	default:
		return nil, fmt.Errorf("%w: unknown access status %q", model.ErrBadRequest, status)
	}

	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	records, err := s.records.ListByStatus(ctx, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list access records: %w", err)
	}
	return records, nil
}

// ListRequestAccess returns every access record of one request
func (s *AccessService) ListRequestAccess(ctx context.Context, requestID uuid.UUID) ([]*model.AccessRecord, error) {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	if req == nil {
		return nil, model.ErrRequestNotFound
	}

	records, err := s.records.ListByRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("list request access: %w", err)
	}
	return records, nil
}
