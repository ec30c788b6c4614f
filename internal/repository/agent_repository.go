package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/Freeeeeet/premarket_access/internal/model"
	"github.com/Freeeeeet/premarket_access/internal/repository/base"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AgentRepository struct {
	*base.Repository
}

func NewAgentRepository(pool *pgxpool.Pool) *AgentRepository {
	return &AgentRepository{Repository: base.NewRepository(pool)}
}

var _ AgentStore = (*AgentRepository)(nil)

// GetByID получает профиль агента вместе с завершёнными паузами
func (r *AgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.AgentProfile, error) {
	query := `
		SELECT id, name, has_grant_access, accepting_requests, accepting_requests_toggled_at, telegram_chat_id, created_at
		FROM agents
		WHERE id = $1
	`

	var agent model.AgentProfile
	err := r.QueryRow(ctx, query, id).Scan(
		&agent.ID,
		&agent.Name,
		&agent.HasGrantAccess,
		&agent.AcceptingRequests,
		&agent.AcceptingRequestsToggledAt,
		&agent.TelegramChatID,
		&agent.CreatedAt,
	)

	if err != nil {
		if base.IsNotFound(err) {
			return nil, nil // Агент не найден
		}
		return nil, fmt.Errorf("get agent by id: %w", err)
	}

	pauses, err := r.getPauses(ctx, id)
	if err != nil {
		return nil, err
	}
	agent.Pauses = pauses

	return &agent, nil
}

func (r *AgentRepository) getPauses(ctx context.Context, agentID uuid.UUID) ([]model.PausePeriod, error) {
	query := `
		SELECT paused_from, paused_to
		FROM agent_request_pauses
		WHERE agent_id = $1
		ORDER BY paused_from
	`

	rows, err := r.Query(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("get agent pauses: %w", err)
	}
	defer rows.Close()

	var pauses []model.PausePeriod
	for rows.Next() {
		var p model.PausePeriod
		if err := rows.Scan(&p.From, &p.To); err != nil {
			return nil, fmt.Errorf("scan agent pause: %w", err)
		}
		pauses = append(pauses, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent pauses: %w", err)
	}

	return pauses, nil
}

// SetAcceptingRequests включает/выключает приём заявок.
// При включении закрывает текущую паузу, чтобы отсечка сохранилась.
func (r *AgentRepository) SetAcceptingRequests(ctx context.Context, id uuid.UUID, accepting bool, at time.Time) (*model.AgentProfile, error) {
	tx, err := r.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		current   bool
		toggledAt *time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT accepting_requests, accepting_requests_toggled_at
		FROM agents
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&current, &toggledAt)
	if err != nil {
		if base.IsNotFound(err) {
			return nil, model.ErrAgentNotFound
		}
		return nil, fmt.Errorf("lock agent: %w", err)
	}

	if current == accepting {
		// Ничего не меняется
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit transaction: %w", err)
		}
		return r.GetByID(ctx, id)
	}

	if accepting && toggledAt != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO agent_request_pauses (agent_id, paused_from, paused_to)
			VALUES ($1, $2, $3)
		`, id, *toggledAt, at)
		if err != nil {
			return nil, fmt.Errorf("close agent pause: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE agents
		SET accepting_requests = $2, accepting_requests_toggled_at = $3
		WHERE id = $1
	`, id, accepting, at)
	if err != nil {
		return nil, fmt.Errorf("update agent accepting flag: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return r.GetByID(ctx, id)
}
