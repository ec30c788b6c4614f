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

const accessRecordColumns = `
	id, agent_id, request_id, status,
	decided_by, decided_at, charge_amount, is_free, decision_notes,
	payment_amount, payment_currency, payment_status, payment_intent_id,
	payment_failure_count, payment_failed_at, payment_succeeded_at,
	created_at, updated_at`

type AccessRecordRepository struct {
	*base.Repository
	currency string
}

func NewAccessRecordRepository(pool *pgxpool.Pool, currency string) *AccessRecordRepository {
	return &AccessRecordRepository{
		Repository: base.NewRepository(pool),
		currency:   currency,
	}
}

var _ AccessRecordStore = (*AccessRecordRepository)(nil)

// scanAccessRecord собирает запись из плоских колонок
func scanAccessRecord(row pgx.Row) (*model.AccessRecord, error) {
	var (
		rec           model.AccessRecord
		decidedBy     *uuid.UUID
		decidedAt     *time.Time
		chargeAmount  *float64
		isFree        *bool
		notes         *string
		amount        *float64
		currency      *string
		paymentStatus *string
		intentID      *string
		failureCount  int
		failedAt      []time.Time
		succeededAt   *time.Time
	)

	err := row.Scan(
		&rec.ID,
		&rec.AgentID,
		&rec.RequestID,
		&rec.Status,
		&decidedBy,
		&decidedAt,
		&chargeAmount,
		&isFree,
		&notes,
		&amount,
		&currency,
		&paymentStatus,
		&intentID,
		&failureCount,
		&failedAt,
		&succeededAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if decidedAt != nil {
		rec.AdminDecision = &model.AdminDecision{
			DecidedAt: *decidedAt,
		}
		if decidedBy != nil {
			rec.AdminDecision.DecidedBy = *decidedBy
		}
		if chargeAmount != nil {
			rec.AdminDecision.ChargeAmount = *chargeAmount
		}
		if isFree != nil {
			rec.AdminDecision.IsFree = *isFree
		}
		if notes != nil {
			rec.AdminDecision.Notes = *notes
		}
	}

	if paymentStatus != nil {
		rec.Payment = &model.Payment{
			Status:       model.PaymentStatus(*paymentStatus),
			FailureCount: failureCount,
			FailedAt:     failedAt,
			SucceededAt:  succeededAt,
		}
		if amount != nil {
			rec.Payment.Amount = *amount
		}
		if currency != nil {
			rec.Payment.Currency = *currency
		}
		if intentID != nil {
			rec.Payment.ExternalIntentID = *intentID
		}
	}

	return &rec, nil
}

func (r *AccessRecordRepository) queryOne(ctx context.Context, query string, args ...any) (*model.AccessRecord, error) {
	rec, err := scanAccessRecord(r.QueryRow(ctx, query, args...))
	if err != nil {
		if base.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func (r *AccessRecordRepository) queryMany(ctx context.Context, query string, args ...any) ([]*model.AccessRecord, error) {
	rows, err := r.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*model.AccessRecord
	for rows.Next() {
		rec, err := scanAccessRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan access record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate access records: %w", err)
	}

	return records, nil
}

// CreatePending создаёт pending запись, если для пары ещё ничего нет
func (r *AccessRecordRepository) CreatePending(ctx context.Context, agentID, requestID uuid.UUID) (*model.AccessRecord, bool, error) {
	query := `
		INSERT INTO access_records (id, agent_id, request_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (agent_id, request_id) DO NOTHING
		RETURNING ` + accessRecordColumns

	now := time.Now().UTC()
	rec, err := r.queryOne(ctx, query, uuid.New(), agentID, requestID, model.AccessStatusPending, now)
	if err != nil {
		if base.IsUniqueViolation(err) {
			return nil, false, fmt.Errorf("create access record: %w", model.ErrConflict)
		}
		return nil, false, fmt.Errorf("create access record: %w", err)
	}

	if rec != nil {
		return rec, true, nil
	}

	// Запись уже была, отдаём существующую
	existing, err := r.GetByAgentAndRequest(ctx, agentID, requestID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("create access record: row vanished after conflict")
	}

	return existing, false, nil
}

// GetByID получает запись по ID
func (r *AccessRecordRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.AccessRecord, error) {
	query := `SELECT ` + accessRecordColumns + ` FROM access_records WHERE id = $1`

	rec, err := r.queryOne(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("get access record: %w", err)
	}
	return rec, nil
}

// GetByAgentAndRequest получает запись пары агент/заявка
func (r *AccessRecordRepository) GetByAgentAndRequest(ctx context.Context, agentID, requestID uuid.UUID) (*model.AccessRecord, error) {
	query := `SELECT ` + accessRecordColumns + ` FROM access_records WHERE agent_id = $1 AND request_id = $2`

	rec, err := r.queryOne(ctx, query, agentID, requestID)
	if err != nil {
		return nil, fmt.Errorf("get access record by pair: %w", err)
	}
	return rec, nil
}

// GetByIntentID получает запись по ID платёжного intent
func (r *AccessRecordRepository) GetByIntentID(ctx context.Context, intentID string) (*model.AccessRecord, error) {
	query := `SELECT ` + accessRecordColumns + ` FROM access_records WHERE payment_intent_id = $1`

	rec, err := r.queryOne(ctx, query, intentID)
	if err != nil {
		return nil, fmt.Errorf("get access record by intent: %w", err)
	}
	return rec, nil
}

// ListByStatus получает записи по статусу, старые первыми
func (r *AccessRecordRepository) ListByStatus(ctx context.Context, status model.AccessStatus, limit int) ([]*model.AccessRecord, error) {
	query := `
		SELECT ` + accessRecordColumns + `
		FROM access_records
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	records, err := r.queryMany(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list access records by status: %w", err)
	}
	return records, nil
}

// ListByRequest получает все записи заявки
func (r *AccessRecordRepository) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*model.AccessRecord, error) {
	query := `
		SELECT ` + accessRecordColumns + `
		FROM access_records
		WHERE request_id = $1
		ORDER BY created_at ASC
	`

	records, err := r.queryMany(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("list access records by request: %w", err)
	}
	return records, nil
}

// ApplyDecision записывает решение админа, только если запись не менялась после чтения
func (r *AccessRecordRepository) ApplyDecision(ctx context.Context, seen *model.AccessRecord, status model.AccessStatus, decision model.AdminDecision, payment *model.Payment) (*model.AccessRecord, error) {
	var (
		amount        *float64
		currency      *string
		paymentStatus *string
		intentID      *string
		failureCount  int
		failedAt      = []time.Time{}
		succeededAt   *time.Time
	)
	if payment != nil {
		amount = &payment.Amount
		currency = &payment.Currency
		ps := string(payment.Status)
		paymentStatus = &ps
		if payment.ExternalIntentID != "" {
			intentID = &payment.ExternalIntentID
		}
		failureCount = payment.FailureCount
		if payment.FailedAt != nil {
			failedAt = payment.FailedAt
		}
		succeededAt = payment.SucceededAt
	}

	query := `
		UPDATE access_records
		SET status = $2,
		    decided_by = $3, decided_at = $4, charge_amount = $5, is_free = $6, decision_notes = $7,
		    payment_amount = $8, payment_currency = $9, payment_status = $10, payment_intent_id = $11,
		    payment_failure_count = $12, payment_failed_at = $13, payment_succeeded_at = $14,
		    updated_at = $4
		WHERE id = $1 AND status = $15 AND updated_at = $16
		RETURNING ` + accessRecordColumns

	rec, err := r.queryOne(ctx, query,
		seen.ID,
		status,
		decision.DecidedBy,
		decision.DecidedAt,
		decision.ChargeAmount,
		decision.IsFree,
		decision.Notes,
		amount,
		currency,
		paymentStatus,
		intentID,
		failureCount,
		failedAt,
		succeededAt,
		seen.Status,
		seen.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("apply admin decision: %w", err)
	}
	if rec != nil {
		return rec, nil
	}

	// Ноль строк: записи нет или её уже кто-то поменял
	current, err := r.GetByID(ctx, seen.ID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, model.ErrAccessRecordNotFound
	}
	return nil, model.ErrRecordChanged
}

// GrantFree создаёт или переводит запись пары в free, paid не трогаем
func (r *AccessRecordRepository) GrantFree(ctx context.Context, agentID, requestID uuid.UUID) (*model.AccessRecord, error) {
	query := `
		INSERT INTO access_records (id, agent_id, request_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'free', $4, $4)
		ON CONFLICT (agent_id, request_id) DO UPDATE
		SET status = CASE WHEN access_records.status = 'paid' THEN access_records.status ELSE 'free' END,
		    updated_at = EXCLUDED.updated_at
		RETURNING ` + accessRecordColumns

	rec, err := r.queryOne(ctx, query, uuid.New(), agentID, requestID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("grant free access: %w", err)
	}
	return rec, nil
}

// AttachIntent привязывает новый intent к одобренной неоплаченной записи
func (r *AccessRecordRepository) AttachIntent(ctx context.Context, id uuid.UUID, intentID string) (*model.AccessRecord, error) {
	query := `
		UPDATE access_records
		SET payment_intent_id = $2,
		    payment_status = 'pending',
		    payment_currency = COALESCE(payment_currency, $3),
		    updated_at = $4
		WHERE id = $1
		  AND status = 'approved'
		  AND payment_status IS NOT NULL
		  AND payment_status <> 'succeeded'
		RETURNING ` + accessRecordColumns

	rec, err := r.queryOne(ctx, query, id, intentID, r.currency, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("attach payment intent: %w", err)
	}
	return rec, nil
}

// MarkPaymentSucceeded переводит запись в paid, если она ещё не выдана
func (r *AccessRecordRepository) MarkPaymentSucceeded(ctx context.Context, id uuid.UUID, intentID string, at time.Time) (*model.AccessRecord, bool, error) {
	query := `
		UPDATE access_records
		SET status = 'paid',
		    payment_status = 'succeeded',
		    payment_succeeded_at = $3,
		    payment_intent_id = COALESCE(NULLIF($2, ''), payment_intent_id),
		    updated_at = $3
		WHERE id = $1 AND status NOT IN ('paid', 'free')
		RETURNING ` + accessRecordColumns

	rec, err := r.queryOne(ctx, query, id, intentID, at)
	if err != nil {
		return nil, false, fmt.Errorf("mark payment succeeded: %w", err)
	}
	if rec != nil {
		return rec, true, nil
	}

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// MarkPaymentFailed атомарно увеличивает счётчик неудач.
// Считается только отказ платежа в pending, повторное событие о том же отказе ничего не меняет.
func (r *AccessRecordRepository) MarkPaymentFailed(ctx context.Context, id uuid.UUID, intentID string, at time.Time) (*model.AccessRecord, bool, error) {
	query := `
		UPDATE access_records
		SET payment_status = 'failed',
		    payment_failure_count = payment_failure_count + 1,
		    payment_failed_at = array_append(payment_failed_at, $3),
		    payment_intent_id = COALESCE(NULLIF($2, ''), payment_intent_id),
		    updated_at = $3
		WHERE id = $1
		  AND status NOT IN ('paid', 'free')
		  AND payment_status = 'pending'
		RETURNING ` + accessRecordColumns

	rec, err := r.queryOne(ctx, query, id, intentID, at)
	if err != nil {
		return nil, false, fmt.Errorf("mark payment failed: %w", err)
	}
	if rec != nil {
		return rec, true, nil
	}

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// ListStalePendingIntents получает записи, у которых платёж завис в pending
func (r *AccessRecordRepository) ListStalePendingIntents(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.AccessRecord, error) {
	query := `
		SELECT ` + accessRecordColumns + `
		FROM access_records
		WHERE status = 'approved'
		  AND payment_status = 'pending'
		  AND payment_intent_id IS NOT NULL
		  AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`

	records, err := r.queryMany(ctx, query, updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale pending intents: %w", err)
	}
	return records, nil
}
