package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Freeeeeet/premarket_access/internal/cache"
	"github.com/Freeeeeet/premarket_access/internal/metrics"
	"github.com/Freeeeeet/premarket_access/internal/model"
	"github.com/Freeeeeet/premarket_access/internal/notify"
	"github.com/Freeeeeet/premarket_access/internal/payment"
	"github.com/Freeeeeet/premarket_access/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Исходы обработки платёжного события, идут в логи и метрики
const (
	outcomeApplied   = "applied"
	outcomeNoop      = "noop"
	outcomeDuplicate = "duplicate"
	outcomeIgnored   = "ignored"
	outcomeError     = "error"
)

// Источники сверки
const (
	triggerWebhook = "webhook"
	triggerRead    = "read"
	triggerAdmin   = "admin"
	triggerSweep   = "sweep"
)

// ReconciliationService keeps local payment status in line with the gateway.
// Terminal states are sticky: a paid or free record never regresses.
type ReconciliationService struct {
	records  repository.AccessRecordStore
	requests repository.RequestStore
	agents   repository.AgentStore
	gateway  payment.Gateway
	deduper  cache.EventDeduper
	throttle cache.Throttle
	notifier notify.Notifier
	logger   *zap.Logger
}

func NewReconciliationService(
	records repository.AccessRecordStore,
	requests repository.RequestStore,
	agents repository.AgentStore,
	gateway payment.Gateway,
	deduper cache.EventDeduper,
	throttle cache.Throttle,
	notifier notify.Notifier,
	logger *zap.Logger,
) *ReconciliationService {
	return &ReconciliationService{
		records:  records,
		requests: requests,
		agents:   agents,
		gateway:  gateway,
		deduper:  deduper,
		throttle: throttle,
		notifier: notifier,
		logger:   logger,
	}
}

// ============ Webhook ============

// HandleWebhook verifies and applies one gateway event. Unknown event types are
// acknowledged without a state change. A returned error that is not a bad
// request means the gateway should redeliver.
func (s *ReconciliationService) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if len(payload) == 0 {
		return model.ErrEmptyWebhookBody
	}
	if signature == "" {
		return model.ErrMissingSignature
	}

	ev, err := s.gateway.VerifyAndParseWebhook(payload, signature)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("unverified", outcomeError).Inc()
		s.logger.Warn("Rejected payment webhook", zap.Error(err))
		return err
	}

	log := s.logger.With(
		zap.String("event_id", ev.ID),
		zap.String("type", ev.Type),
		zap.String("intent_id", ev.IntentID))

	claimed := false
	if ev.ID != "" {
		ok, err := s.deduper.Claim(ctx, ev.ID)
		switch {
		case err != nil:
			// без кэша всё равно безопасно: терминальные статусы липкие, отказ считается один раз
			log.Warn("Webhook dedupe claim failed", zap.Error(err))
		case !ok:
			metrics.WebhookEvents.WithLabelValues(ev.Type, outcomeDuplicate).Inc()
			log.Info("Duplicate payment webhook, skipping")
			return nil
		default:
			claimed = true
		}
	}

	outcome, err := s.applyEvent(ctx, ev, log)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(ev.Type, outcomeError).Inc()
		log.Error("Failed to apply payment webhook", zap.Error(err))
		if claimed {
			// отпускаем, чтобы повторная доставка обработалась
			if rerr := s.deduper.Release(ctx, ev.ID); rerr != nil {
				log.Warn("Failed to release webhook claim", zap.Error(rerr))
			}
		}
		return fmt.Errorf("apply webhook event %s: %w", ev.ID, err)
	}
	metrics.WebhookEvents.WithLabelValues(ev.Type, outcome).Inc()

	if claimed {
		if err := s.deduper.MarkProcessed(ctx, ev.ID); err != nil {
			log.Warn("Failed to remember processed webhook", zap.Error(err))
		}
	}

	return nil
}

func (s *ReconciliationService) applyEvent(ctx context.Context, ev *payment.DomainEvent, log *zap.Logger) (string, error) {
	if ev.Kind == payment.EventUnknown {
		log.Info("Ignoring unhandled payment event")
		return outcomeIgnored, nil
	}

	rec, err := s.resolveRecord(ctx, ev.IntentID, ev.AccessRecordID(), log)
	if err != nil {
		return "", err
	}
	if rec == nil {
		log.Warn("No access record for payment event")
		return outcomeIgnored, nil
	}

	switch ev.Kind {
	case payment.EventSucceeded:
		return s.applySuccess(ctx, rec, ev.IntentID, log)
	case payment.EventFailed, payment.EventCanceled:
		return s.applyFailure(ctx, rec, ev.IntentID, log)
	}

	return outcomeIgnored, nil
}

// resolveRecord finds the record by intent id, then by the record id from metadata.
// The metadata path covers a webhook that beats AttachIntent.
func (s *ReconciliationService) resolveRecord(ctx context.Context, intentID, recordID string, log *zap.Logger) (*model.AccessRecord, error) {
	if intentID != "" {
		rec, err := s.records.GetByIntentID(ctx, intentID)
		if err != nil {
			return nil, fmt.Errorf("get access record by intent: %w", err)
		}
		if rec != nil {
			return rec, nil
		}
	}

	if recordID == "" {
		return nil, nil
	}

	id, err := uuid.Parse(recordID)
	if err != nil {
		log.Warn("Malformed access record id in intent metadata", zap.String("access_record_id", recordID))
		return nil, nil
	}

	rec, err := s.records.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get access record: %w", err)
	}
	return rec, nil
}

func (s *ReconciliationService) applySuccess(ctx context.Context, rec *model.AccessRecord, intentID string, log *zap.Logger) (string, error) {
	updated, transitioned, err := s.records.MarkPaymentSucceeded(ctx, rec.ID, intentID, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("mark payment succeeded: %w", err)
	}
	if updated == nil {
		return "", model.ErrAccessRecordNotFound
	}

	if !transitioned {
		log.Info("Access already granted, ignoring payment success",
			zap.String("access_record_id", rec.ID.String()),
			zap.String("status", string(updated.Status)))
		return outcomeNoop, nil
	}

	if rec.IsRejected() {
		log.Warn("Payment succeeded for a rejected access record, granting",
			zap.String("access_record_id", rec.ID.String()))
	}

	metrics.AccessTransitions.WithLabelValues(string(updated.Status)).Inc()
	log.Info("Payment succeeded, access granted",
		zap.String("access_record_id", updated.ID.String()),
		zap.String("agent_id", updated.AgentID.String()),
		zap.String("request_id", updated.RequestID.String()))

	s.notifyPaid(ctx, updated)

	return outcomeApplied, nil
}

func (s *ReconciliationService) applyFailure(ctx context.Context, rec *model.AccessRecord, intentID string, log *zap.Logger) (string, error) {
	// Поздний отказ по старому intent не должен портить новую попытку
	if intentID != "" && rec.Payment.HasIntent() && rec.Payment.ExternalIntentID != intentID {
		log.Info("Ignoring failure for a superseded intent",
			zap.String("access_record_id", rec.ID.String()),
			zap.String("current_intent_id", rec.Payment.ExternalIntentID))
		return outcomeNoop, nil
	}

	updated, applied, err := s.records.MarkPaymentFailed(ctx, rec.ID, intentID, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("mark payment failed: %w", err)
	}

	if !applied {
		log.Info("Ignoring payment failure",
			zap.String("access_record_id", rec.ID.String()),
			zap.String("status", string(rec.Status)))
		return outcomeNoop, nil
	}

	log.Info("Payment failed",
		zap.String("access_record_id", updated.ID.String()),
		zap.Int("failure_count", updated.Payment.FailureCount))

	return outcomeApplied, nil
}

func (s *ReconciliationService) notifyPaid(ctx context.Context, rec *model.AccessRecord) {
	n := notify.Notification{
		Kind:           notify.KindPaymentSucceeded,
		AgentID:        rec.AgentID,
		RequestID:      rec.RequestID,
		AccessRecordID: rec.ID,
		Status:         rec.Status,
	}

	req, err := s.requests.GetByID(ctx, rec.RequestID)
	if err != nil {
		s.logger.Error("Failed to load request for notification", zap.Error(err))
	}
	if req != nil {
		renter := n
		renter.Recipient = notify.RecipientRenter
		renter.ChatID = req.RenterChatID
		renter.RequestTitle = req.Title
		s.notifier.Notify(ctx, renter)
		n.RequestTitle = req.Title
	}

	agent, err := s.agents.GetByID(ctx, rec.AgentID)
	if err != nil {
		s.logger.Error("Failed to load agent for notification", zap.Error(err))
	}
	if agent != nil {
		n.Recipient = notify.RecipientAgent
		n.ChatID = agent.TelegramChatID
		s.notifier.Notify(ctx, n)
	}
}

// ============ Pull ============

// ReconcilePaymentIntent pulls the intent's state from the gateway and applies it
func (s *ReconciliationService) ReconcilePaymentIntent(ctx context.Context, intentID string) error {
	_, err := s.reconcile(ctx, intentID, triggerAdmin)
	return err
}

func (s *ReconciliationService) reconcile(ctx context.Context, intentID, trigger string) (string, error) {
	if intentID == "" {
		return "", model.ErrInvalidIdentifier
	}

	log := s.logger.With(zap.String("intent_id", intentID), zap.String("trigger", trigger))

	outcome, err := s.pull(ctx, intentID, log)
	if err != nil {
		metrics.ReconcilePulls.WithLabelValues(trigger, outcomeError).Inc()
		return "", err
	}
	metrics.ReconcilePulls.WithLabelValues(trigger, outcome).Inc()

	return outcome, nil
}

func (s *ReconciliationService) pull(ctx context.Context, intentID string, log *zap.Logger) (string, error) {
	state, err := s.gateway.RetrieveIntent(ctx, intentID)
	if err != nil {
		return "", fmt.Errorf("retrieve payment intent: %w", err)
	}

	rec, err := s.resolveRecord(ctx, intentID, state.Metadata[payment.MetadataAccessRecordID], log)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", model.ErrAccessRecordNotFound
	}

	switch state.Status {
	case payment.IntentSucceeded:
		return s.applySuccess(ctx, rec, intentID, log)
	case payment.IntentFailed, payment.IntentCanceled:
		// одно и то же состояние при повторной сверке не считаем новым отказом
		if rec.Payment == nil || rec.Payment.Status != model.PaymentStatusPending {
			return outcomeNoop, nil
		}
		return s.applyFailure(ctx, rec, intentID, log)
	}

	return outcomeNoop, nil
}

// RefreshOnRead pulls a pending intent before a read so a lost webhook does not
// leave the agent waiting. Any failure is logged and the cached record is returned.
func (s *ReconciliationService) RefreshOnRead(ctx context.Context, rec *model.AccessRecord) *model.AccessRecord {
	if rec == nil || !rec.AwaitsPayment() || !rec.Payment.HasIntent() || rec.Payment.Status != model.PaymentStatusPending {
		return rec
	}

	intentID := rec.Payment.ExternalIntentID
	allowed, err := s.throttle.Allow(ctx, intentID)
	if err != nil {
		s.logger.Warn("Reconcile throttle unavailable", zap.String("intent_id", intentID), zap.Error(err))
		return rec
	}
	if !allowed {
		return rec
	}

	outcome, err := s.reconcile(ctx, intentID, triggerRead)
	if err != nil {
		s.logger.Warn("On-demand reconciliation failed, serving cached status",
			zap.String("intent_id", intentID),
			zap.Error(err))
		return rec
	}
	if outcome != outcomeApplied {
		return rec
	}

	fresh, err := s.records.GetByID(ctx, rec.ID)
	if err != nil || fresh == nil {
		s.logger.Warn("Failed to reload access record after reconciliation",
			zap.String("access_record_id", rec.ID.String()),
			zap.Error(err))
		return rec
	}
	return fresh
}

// ReconcileStale pulls intents stuck in pending longer than staleAfter.
// It only applies gateway truth, a stuck payment is never failed by timeout.
func (s *ReconciliationService) ReconcileStale(ctx context.Context, staleAfter time.Duration, limit int) (int, error) {
	records, err := s.records.ListStalePendingIntents(ctx, time.Now().UTC().Add(-staleAfter), limit)
	if err != nil {
		return 0, fmt.Errorf("list stale payment intents: %w", err)
	}

	applied := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			return applied, ctx.Err()
		}

		outcome, err := s.reconcile(ctx, rec.Payment.ExternalIntentID, triggerSweep)
		if err != nil {
			s.logger.Warn("Failed to reconcile stale intent",
				zap.String("access_record_id", rec.ID.String()),
				zap.String("intent_id", rec.Payment.ExternalIntentID),
				zap.Error(err))
			continue
		}
		if outcome == outcomeApplied {
			applied++
		}
	}

	return applied, nil
}
