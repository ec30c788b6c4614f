package model

import (
	"errors"
	"fmt"
)

// Базовые категории ошибок, контроллер маппит их в HTTP статусы
var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrForbidden           = errors.New("forbidden")
	ErrBadRequest          = errors.New("bad request")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

var (
	ErrRequestNotFound      = fmt.Errorf("request %w", ErrNotFound)
	ErrAgentNotFound        = fmt.Errorf("agent profile %w", ErrNotFound)
	ErrAccessRecordNotFound = fmt.Errorf("access record %w", ErrNotFound)

	ErrLockHeld        = fmt.Errorf("%w: request already claimed by another agent", ErrConflict)
	ErrAlreadyGranted  = fmt.Errorf("%w: access already granted", ErrConflict)
	ErrAccessRejected  = fmt.Errorf("%w: access request was rejected", ErrConflict)
	ErrBlanketAccess   = fmt.Errorf("%w: agent already has blanket access", ErrConflict)
	ErrNothingToCharge = fmt.Errorf("%w: access record has no pending charge", ErrConflict)
	ErrRecordChanged   = fmt.Errorf("%w: access record changed since it was read", ErrConflict)

	ErrNotVisible       = fmt.Errorf("%w: request is not visible to this agent", ErrForbidden)
	ErrRequestInactive  = fmt.Errorf("%w: request is not active", ErrForbidden)
	ErrNotReferralAgent = fmt.Errorf("%w: only the referral agent can change visibility", ErrForbidden)
	ErrNotRecordOwner   = fmt.Errorf("%w: access record belongs to another agent", ErrForbidden)

	ErrInvalidAmount     = fmt.Errorf("%w: invalid charge amount", ErrBadRequest)
	ErrInvalidAction     = fmt.Errorf("%w: unknown admin action", ErrBadRequest)
	ErrInvalidVisibility = fmt.Errorf("%w: unknown visibility", ErrBadRequest)
	ErrInvalidIdentifier = fmt.Errorf("%w: malformed identifier", ErrBadRequest)
	ErrEmptyWebhookBody  = fmt.Errorf("%w: empty webhook body", ErrBadRequest)
	ErrMissingSignature  = fmt.Errorf("%w: missing webhook signature", ErrBadRequest)
)
