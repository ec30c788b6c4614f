package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Freeeeeet/premarket_access/internal/model"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

// Stripe event types the engine reacts to
const (
	eventIntentSucceeded   = "payment_intent.succeeded"
	eventIntentFailed      = "payment_intent.payment_failed"
	eventIntentCanceled    = "payment_intent.canceled"
	eventCheckoutCompleted = "checkout.session.completed"
	eventChargeSucceeded   = "charge.succeeded"
	eventChargeFailed      = "charge.failed"
)

// intentsAPI is the part of the stripe client the gateway uses
type intentsAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type StripeGateway struct {
	intents       intentsAPI
	webhookSecret string
	logger        *zap.Logger
}

func NewStripeGateway(secretKey, webhookSecret string, logger *zap.Logger) *StripeGateway {
	sc := &client.API{}
	sc.Init(secretKey, nil)

	return newStripeGateway(sc.PaymentIntents, webhookSecret, logger)
}

func newStripeGateway(intents intentsAPI, webhookSecret string, logger *zap.Logger) *StripeGateway {
	return &StripeGateway{
		intents:       intents,
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

var _ Gateway = (*StripeGateway)(nil)

// CreateIntent создаёт PaymentIntent в Stripe
func (g *StripeGateway) CreateIntent(ctx context.Context, req IntentRequest) (*IntentRef, error) {
	if req.Amount <= 0 {
		return nil, model.ErrInvalidAmount
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(toMinorUnits(req.Amount)),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := g.intents.New(params)
	if err != nil {
		return nil, wrapStripeError("create payment intent", err)
	}

	return &IntentRef{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       fromMinorUnits(pi.Amount),
		Currency:     string(pi.Currency),
	}, nil
}

// RetrieveIntent pulls the current intent state from Stripe
func (g *StripeGateway) RetrieveIntent(ctx context.Context, intentID string) (*IntentState, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := g.intents.Get(intentID, params)
	if err != nil {
		return nil, wrapStripeError("retrieve payment intent", err)
	}

	return &IntentState{
		ID:       pi.ID,
		Status:   intentStatus(pi),
		Metadata: pi.Metadata,
	}, nil
}

func intentStatus(pi *stripe.PaymentIntent) IntentStatus {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return IntentSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return IntentCanceled
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		// после неудачной попытки Stripe возвращает intent в requires_payment_method
		if pi.LastPaymentError != nil {
			return IntentFailed
		}
	}
	return IntentPending
}

// VerifyAndParseWebhook checks the Stripe-Signature header and normalizes the
// event to the underlying payment intent.
func (g *StripeGateway) VerifyAndParseWebhook(payload []byte, signature string) (*DomainEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidSignature, err)
	}

	out := &DomainEvent{
		ID:   event.ID,
		Type: string(event.Type),
		Kind: EventUnknown,
	}
	if event.Data == nil {
		return out, nil
	}

	switch out.Type {
	case eventIntentSucceeded, eventIntentFailed, eventIntentCanceled:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: decode payment intent: %v", model.ErrBadRequest, err)
		}
		out.IntentID = pi.ID
		out.Metadata = pi.Metadata
		switch out.Type {
		case eventIntentSucceeded:
			out.Kind = EventSucceeded
		case eventIntentFailed:
			out.Kind = EventFailed
		default:
			out.Kind = EventCanceled
		}

	case eventChargeSucceeded, eventChargeFailed:
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("%w: decode charge: %v", model.ErrBadRequest, err)
		}
		out.Metadata = ch.Metadata
		if ch.PaymentIntent != nil {
			out.IntentID = ch.PaymentIntent.ID
		}
		if out.Type == eventChargeSucceeded {
			out.Kind = EventSucceeded
		} else {
			out.Kind = EventFailed
		}

	case eventCheckoutCompleted:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return nil, fmt.Errorf("%w: decode checkout session: %v", model.ErrBadRequest, err)
		}
		out.Metadata = cs.Metadata
		if cs.PaymentIntent != nil {
			out.IntentID = cs.PaymentIntent.ID
		}
		// асинхронные методы оплаты завершают сессию до списания денег
		if cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
			out.Kind = EventSucceeded
		}

	default:
		g.logger.Debug("Unhandled stripe event type",
			zap.String("event_id", event.ID),
			zap.String("type", out.Type))
	}

	if out.Kind != EventUnknown && out.IntentID == "" && out.AccessRecordID() == "" {
		g.logger.Warn("Stripe event without payment intent reference",
			zap.String("event_id", event.ID),
			zap.String("type", out.Type))
		out.Kind = EventUnknown
	}

	return out, nil
}

func wrapStripeError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.Code == stripe.ErrorCodeResourceMissing:
			return fmt.Errorf("%s: %w: %s", op, model.ErrNotFound, se.Msg)
		case se.Type == stripe.ErrorTypeInvalidRequest:
			return fmt.Errorf("%s: %w: %s", op, model.ErrBadRequest, se.Msg)
		}
	}
	return fmt.Errorf("%s: %w: %v", op, model.ErrUpstreamUnavailable, err)
}
