package payment

import (
	"context"
	"math"
)

// MetadataAccessRecordID is the intent metadata key carrying the owning access record id.
// Webhooks fall back to it when no record references the intent yet.
const MetadataAccessRecordID = "access_record_id"

// EventKind is a gateway webhook event reduced to what the engine cares about
type EventKind string

const (
	EventSucceeded EventKind = "succeeded"
	EventFailed    EventKind = "failed"
	EventCanceled  EventKind = "canceled"
	EventUnknown   EventKind = "unknown" // логируем и подтверждаем
)

// IntentStatus is the gateway's authoritative state of an intent
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentSucceeded IntentStatus = "succeeded"
	IntentFailed    IntentStatus = "failed"
	IntentCanceled  IntentStatus = "canceled"
)

// IntentRequest describes a charge to create
type IntentRequest struct {
	Amount         float64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

// IntentRef is what the agent needs to complete a payment on the client side
type IntentRef struct {
	ID           string  `json:"id"`
	ClientSecret string  `json:"client_secret"`
	Amount       float64 `json:"amount"`
	Currency     string  `json:"currency"`
}

// IntentState is the result of pulling an intent from the gateway
type IntentState struct {
	ID       string
	Status   IntentStatus
	Metadata map[string]string
}

// DomainEvent is a verified webhook normalized to a payment intent id.
// IntentID may be empty for EventUnknown.
type DomainEvent struct {
	ID       string
	Type     string
	Kind     EventKind
	IntentID string
	Metadata map[string]string
}

// AccessRecordID returns the record id embedded in the event metadata, if any
func (e *DomainEvent) AccessRecordID() string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[MetadataAccessRecordID]
}

// Gateway wraps the external payment processor.
// It never changes domain state, the reconciliation service does that.
type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*IntentRef, error)
	// VerifyAndParseWebhook fails with model.ErrInvalidSignature when the
	// payload was not signed by the gateway.
	VerifyAndParseWebhook(payload []byte, signature string) (*DomainEvent, error)
	RetrieveIntent(ctx context.Context, intentID string) (*IntentState, error)
}

// toMinorUnits converts an amount like 49.99 into cents
func toMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func fromMinorUnits(amount int64) float64 {
	return float64(amount) / 100
}
