package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/Freeeeeet/premarket_access/internal/model"
	"github.com/Freeeeeet/premarket_access/internal/repository/base"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const requestColumns = `
	id, title, visibility, share_consent, referral_agent_id, locked_by_agent_id, is_active,
	renter_name, renter_email, renter_phone, renter_chat_id, created_at, updated_at`

type RequestRepository struct {
	*base.Repository
}

func NewRequestRepository(pool *pgxpool.Pool) *RequestRepository {
	return &RequestRepository{Repository: base.NewRepository(pool)}
}

var _ RequestStore = (*RequestRepository)(nil)

func scanRequest(row pgx.Row) (*model.Request, error) {
	var req model.Request
	err := row.Scan(
		&req.ID,
		&req.Title,
		&req.Visibility,
		&req.ShareConsent,
		&req.ReferralAgentID,
		&req.LockedByAgentID,
		&req.IsActive,
		&req.Renter.Name,
		&req.Renter.Email,
		&req.Renter.Phone,
		&req.RenterChatID,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// GetByID получает заявку по ID
func (r *RequestRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE id = $1`

	req, err := scanRequest(r.QueryRow(ctx, query, id))
	if err != nil {
		if base.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get request by id: %w", err)
	}

	return req, nil
}

// ClaimLock закрепляет заявку за агентом одним условным UPDATE
func (r *RequestRepository) ClaimLock(ctx context.Context, requestID, agentID uuid.UUID) error {
	query := `
		UPDATE requests
		SET locked_by_agent_id = $2, updated_at = $3
		WHERE id = $1
		  AND is_active
		  AND (locked_by_agent_id IS NULL OR locked_by_agent_id = $2)
	`

	affected, err := r.ExecAffected(ctx, query, requestID, agentID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("claim request lock: %w", err)
	}

	if affected > 0 {
		return nil
	}

	// Разбираемся, почему не получилось
	req, err := r.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if req == nil {
		return model.ErrRequestNotFound
	}
	if !req.IsActive {
		return model.ErrRequestInactive
	}

	return model.ErrLockHeld
}

// ReleaseLock снимает блокировку, только если её держит этот агент
func (r *RequestRepository) ReleaseLock(ctx context.Context, requestID, agentID uuid.UUID) error {
	query := `
		UPDATE requests
		SET locked_by_agent_id = NULL, updated_at = $3
		WHERE id = $1 AND locked_by_agent_id = $2
	`

	_, err := r.ExecAffected(ctx, query, requestID, agentID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("release request lock: %w", err)
	}

	return nil
}

// SetVisibility меняет видимость; SHARED без согласия арендатора превращается в PRIVATE
func (r *RequestRepository) SetVisibility(ctx context.Context, requestID uuid.UUID, visibility model.Visibility) (*model.Request, error) {
	query := `
		UPDATE requests
		SET visibility = CASE
		        WHEN $2::text = 'SHARED' AND NOT share_consent THEN 'PRIVATE'
		        ELSE $2::text
		    END,
		    updated_at = $3
		WHERE id = $1
		RETURNING ` + requestColumns

	req, err := scanRequest(r.QueryRow(ctx, query, requestID, string(visibility), time.Now().UTC()))
	if err != nil {
		if base.IsNotFound(err) {
			return nil, model.ErrRequestNotFound
		}
		return nil, fmt.Errorf("set request visibility: %w", err)
	}

	return req, nil
}
