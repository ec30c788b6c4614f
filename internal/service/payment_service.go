package service

import (
	"context"
	"fmt"

	"github.com/Freeeeeet/premarket_access/internal/model"
	"github.com/Freeeeeet/premarket_access/internal/payment"
	"github.com/Freeeeeet/premarket_access/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type PaymentService struct {
	records  repository.AccessRecordStore
	gateway  payment.Gateway
	currency string
	logger   *zap.Logger
}

func NewPaymentService(records repository.AccessRecordStore, gateway payment.Gateway, currency string, logger *zap.Logger) *PaymentService {
	return &PaymentService{
		records:  records,
		gateway:  gateway,
		currency: currency,
		logger:   logger,
	}
}

// CreatePaymentIntent opens a gateway charge for an approved access record owned by the agent.
// Repeated calls for the same attempt reuse the gateway's idempotency key, a new
// attempt after a failure gets a fresh intent.
func (s *PaymentService) CreatePaymentIntent(ctx context.Context, agentID, recordID uuid.UUID) (*payment.IntentRef, error) {
	rec, err := s.records.GetByID(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("get access record: %w", err)
	}
	if rec == nil {
		return nil, model.ErrAccessRecordNotFound
	}
	if rec.AgentID != agentID {
		return nil, model.ErrNotRecordOwner
	}
	if rec.IsGranted() {
		return nil, model.ErrAlreadyGranted
	}
	if !rec.AwaitsPayment() || rec.Payment.Amount <= 0 {
		return nil, model.ErrNothingToCharge
	}

	currency := rec.Payment.Currency
	if currency == "" {
		currency = s.currency
	}

	ref, err := s.gateway.CreateIntent(ctx, payment.IntentRequest{
		Amount:   rec.Payment.Amount,
		Currency: currency,
		Metadata: map[string]string{
			payment.MetadataAccessRecordID: rec.ID.String(),
			"agent_id":                     rec.AgentID.String(),
			"request_id":                   rec.RequestID.String(),
		},
		IdempotencyKey: idempotencyKey(rec),
	})
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}

	updated, err := s.records.AttachIntent(ctx, rec.ID, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("attach payment intent: %w", err)
	}
	if updated == nil {
		// Запись успели оплатить или переиграть решение, пока создавался intent
		s.logger.Warn("Access record stopped awaiting payment during intent creation",
			zap.String("access_record_id", rec.ID.String()),
			zap.String("intent_id", ref.ID))
		return nil, model.ErrNothingToCharge
	}

	s.logger.Info("Payment intent created",
		zap.String("access_record_id", rec.ID.String()),
		zap.String("intent_id", ref.ID),
		zap.Float64("amount", ref.Amount))

	return ref, nil
}

// idempotencyKey changes with the amount and after every failed attempt
func idempotencyKey(rec *model.AccessRecord) string {
	return fmt.Sprintf("access-%s-%.2f-%d", rec.ID, rec.Payment.Amount, rec.Payment.FailureCount)
}
