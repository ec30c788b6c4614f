package service

import (
	"fmt"
	"math"

	"github.com/Freeeeeet/premarket_access/internal/model"
	"github.com/google/uuid"
)

// AdminAction is what an admin does with an access request
type AdminAction string

const (
	ActionApprove AdminAction = "approve"
	ActionCharge  AdminAction = "charge"
	ActionReject  AdminAction = "reject"
)

// DecisionInput is an admin decision on one agent's access to a request
type DecisionInput struct {
	AgentID      uuid.UUID   `json:"agent_id"`
	AdminID      uuid.UUID   `json:"-"`
	Action       AdminAction `json:"action"`
	IsFree       bool        `json:"is_free"`
	ChargeAmount float64     `json:"charge_amount"`
	Notes        string      `json:"notes"`
}

// ResolveDecision maps an admin action onto the record's next status and payment.
// Approve with isFree or a zero charge grants free access, approve or charge with
// a positive amount waits for payment. A pending payment for the same amount is
// kept so its intent and failure history survive a repeated decision.
func ResolveDecision(current *model.AccessRecord, in DecisionInput, currency string) (model.AccessStatus, *model.Payment, error) {
	if math.IsNaN(in.ChargeAmount) || math.IsInf(in.ChargeAmount, 0) || in.ChargeAmount < 0 {
		return "", nil, model.ErrInvalidAmount
	}

	switch in.Action {
	case ActionReject:
		return model.AccessStatusRejected, current.Payment, nil

	case ActionApprove:
		if in.IsFree || in.ChargeAmount == 0 {
			return model.AccessStatusFree, current.Payment, nil
		}

	case ActionCharge:
		if in.IsFree {
			return "", nil, fmt.Errorf("%w: charge cannot be free", model.ErrBadRequest)
		}
		if in.ChargeAmount == 0 {
			return "", nil, model.ErrInvalidAmount
		}

	default:
		return "", nil, model.ErrInvalidAction
	}

	// Дальше только платный доступ
	if p := current.Payment; p != nil && p.Amount == in.ChargeAmount && p.Status != model.PaymentStatusSucceeded {
		kept := *p
		return model.AccessStatusApproved, &kept, nil
	}

	return model.AccessStatusApproved, &model.Payment{
		Amount:   in.ChargeAmount,
		Currency: currency,
		Status:   model.PaymentStatusPending,
	}, nil
}

// DeriveSummary computes what the agent sees about its access to a request.
// rec may be nil when the agent never asked.
func DeriveSummary(rec *model.AccessRecord, hasGrantAccess bool) model.AccessSummary {
	if hasGrantAccess {
		return model.AccessSummary{
			GrantAccessStatus: string(model.AccessStatusFree),
			AccessType:        model.AccessTypeAdminGranted,
			CanRequestAccess:  false,
			CanViewRenter:     true,
		}
	}

	if rec == nil {
		return model.AccessSummary{
			GrantAccessStatus: model.GrantAccessStatusAvailable,
			AccessType:        model.AccessTypeNone,
			CanRequestAccess:  true,
		}
	}

	summary := model.AccessSummary{
		GrantAccessStatus: string(rec.Status),
		AccessType:        model.AccessTypeNone,
		CanRequestAccess:  false,
		CanViewRenter:     rec.IsGranted(),
	}

	switch rec.Status {
	case model.AccessStatusFree:
		summary.AccessType = model.AccessTypeFree
	case model.AccessStatusPaid:
		summary.AccessType = model.AccessTypePaid
	}

	if d := rec.AdminDecision; d != nil && !d.IsFree && d.ChargeAmount > 0 && rec.Status != model.AccessStatusFree {
		amount := d.ChargeAmount
		summary.ChargeAmount = &amount
	}

	if p := rec.Payment; p != nil && rec.Status != model.AccessStatusRejected {
		summary.Payment = &model.PaymentSummary{
			Status:       p.Status,
			Amount:       p.Amount,
			Currency:     p.Currency,
			IntentID:     p.ExternalIntentID,
			FailureCount: p.FailureCount,
		}
	}

	return summary
}
