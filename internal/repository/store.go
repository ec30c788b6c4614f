package repository

import (
	"context"
	"time"

	"github.com/Freeeeeet/premarket_access/internal/model"
	"github.com/google/uuid"
)

// Get* methods return (nil, nil) when the row does not exist.

// AccessRecordStore persists access records. Every mutation is a single
// conditional statement so concurrent handlers never need an in-process lock.
type AccessRecordStore interface {
	// CreatePending inserts a pending record unless one already exists for the
	// pair. created is false when the existing record was returned instead.
	CreatePending(ctx context.Context, agentID, requestID uuid.UUID) (rec *model.AccessRecord, created bool, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.AccessRecord, error)
	GetByAgentAndRequest(ctx context.Context, agentID, requestID uuid.UUID) (*model.AccessRecord, error)
	GetByIntentID(ctx context.Context, intentID string) (*model.AccessRecord, error)
	ListByStatus(ctx context.Context, status model.AccessStatus, limit int) ([]*model.AccessRecord, error)
	ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*model.AccessRecord, error)
	// ApplyDecision writes a decision computed from seen. It is a compare-and-set
	// on seen's status and UpdatedAt and fails with model.ErrRecordChanged when
	// the record moved in between.
	ApplyDecision(ctx context.Context, seen *model.AccessRecord, status model.AccessStatus, decision model.AdminDecision, payment *model.Payment) (*model.AccessRecord, error)
	// GrantFree creates or advances the pair's record to free. A paid record stays paid.
	GrantFree(ctx context.Context, agentID, requestID uuid.UUID) (*model.AccessRecord, error)
	// AttachIntent binds a new gateway intent to an approved, unpaid record and
	// resets its payment status to pending. Returns nil when the record is not chargeable.
	AttachIntent(ctx context.Context, id uuid.UUID, intentID string) (*model.AccessRecord, error)
	// MarkPaymentSucceeded moves a non-granted record to paid. transitioned is
	// false when the record was already free or paid.
	MarkPaymentSucceeded(ctx context.Context, id uuid.UUID, intentID string, at time.Time) (rec *model.AccessRecord, transitioned bool, err error)
	// MarkPaymentFailed bumps the failure counter of a pending payment. A payment
	// that already failed, succeeded or was granted another way is left alone.
	MarkPaymentFailed(ctx context.Context, id uuid.UUID, intentID string, at time.Time) (rec *model.AccessRecord, applied bool, err error)
	ListStalePendingIntents(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.AccessRecord, error)
}

// RequestStore reads requests and owns their lock and visibility fields.
type RequestStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Request, error)
	// ClaimLock is a compare-and-set: it succeeds when the lock is free or
	// already held by agentID. Fails with model.ErrLockHeld otherwise.
	ClaimLock(ctx context.Context, requestID, agentID uuid.UUID) error
	// ReleaseLock clears the lock only if agentID holds it.
	ReleaseLock(ctx context.Context, requestID, agentID uuid.UUID) error
	// SetVisibility never stores SHARED for a request without share consent.
	SetVisibility(ctx context.Context, requestID uuid.UUID, visibility model.Visibility) (*model.Request, error)
}

// AgentStore reads agent profiles.
type AgentStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.AgentProfile, error)
	SetAcceptingRequests(ctx context.Context, id uuid.UUID, accepting bool, at time.Time) (*model.AgentProfile, error)
}
