package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Freeeeeet/premarket_access/internal/model"
	"github.com/Freeeeeet/premarket_access/internal/repository"
	"github.com/google/uuid"
)

type pairKey struct {
	agentID   uuid.UUID
	requestID uuid.UUID
}

// AccessRecordStore is an in-memory access record table with the same
// conditional-update semantics as the postgres repository.
// It is intended for use in tests and dev environments.
type AccessRecordStore struct {
	mu       sync.Mutex
	currency string
	records  map[uuid.UUID]*model.AccessRecord
	byPair   map[pairKey]uuid.UUID
}

func NewAccessRecordStore(currency string) *AccessRecordStore {
	return &AccessRecordStore{
		currency: currency,
		records:  make(map[uuid.UUID]*model.AccessRecord),
		byPair:   make(map[pairKey]uuid.UUID),
	}
}

var _ repository.AccessRecordStore = (*AccessRecordStore)(nil)

func cloneRecord(rec *model.AccessRecord) *model.AccessRecord {
	if rec == nil {
		return nil
	}
	out := *rec
	if rec.AdminDecision != nil {
		d := *rec.AdminDecision
		out.AdminDecision = &d
	}
	if rec.Payment != nil {
		p := *rec.Payment
		p.FailedAt = append([]time.Time(nil), rec.Payment.FailedAt...)
		if rec.Payment.SucceededAt != nil {
			at := *rec.Payment.SucceededAt
			p.SucceededAt = &at
		}
		out.Payment = &p
	}
	return &out
}

func (s *AccessRecordStore) CreatePending(_ context.Context, agentID, requestID uuid.UUID) (*model.AccessRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{agentID, requestID}
	if id, ok := s.byPair[key]; ok {
		return cloneRecord(s.records[id]), false, nil
	}

	now := time.Now().UTC()
	rec := &model.AccessRecord{
		ID:        uuid.New(),
		AgentID:   agentID,
		RequestID: requestID,
		Status:    model.AccessStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.records[rec.ID] = rec
	s.byPair[key] = rec.ID

	return cloneRecord(rec), true, nil
}

func (s *AccessRecordStore) GetByID(_ context.Context, id uuid.UUID) (*model.AccessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRecord(s.records[id]), nil
}

func (s *AccessRecordStore) GetByAgentAndRequest(_ context.Context, agentID, requestID uuid.UUID) (*model.AccessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byPair[pairKey{agentID, requestID}]
	if !ok {
		return nil, nil
	}
	return cloneRecord(s.records[id]), nil
}

func (s *AccessRecordStore) GetByIntentID(_ context.Context, intentID string) (*model.AccessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.records {
		if rec.Payment != nil && rec.Payment.ExternalIntentID == intentID {
			return cloneRecord(rec), nil
		}
	}
	return nil, nil
}

func (s *AccessRecordStore) sorted(match func(*model.AccessRecord) bool) []*model.AccessRecord {
	var out []*model.AccessRecord
	for _, rec := range s.records {
		if match(rec) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *AccessRecordStore) ListByStatus(_ context.Context, status model.AccessStatus, limit int) ([]*model.AccessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.sorted(func(rec *model.AccessRecord) bool { return rec.Status == status })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *AccessRecordStore) ListByRequest(_ context.Context, requestID uuid.UUID) ([]*model.AccessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(func(rec *model.AccessRecord) bool { return rec.RequestID == requestID }), nil
}

func (s *AccessRecordStore) ApplyDecision(_ context.Context, seen *model.AccessRecord, status model.AccessStatus, decision model.AdminDecision, payment *model.Payment) (*model.AccessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[seen.ID]
	if !ok {
		return nil, model.ErrAccessRecordNotFound
	}
	if rec.Status != seen.Status || !rec.UpdatedAt.Equal(seen.UpdatedAt) {
		return nil, model.ErrRecordChanged
	}

	rec.Status = status
	d := decision
	rec.AdminDecision = &d
	if payment != nil {
		p := *payment
		p.FailedAt = append([]time.Time(nil), payment.FailedAt...)
		rec.Payment = &p
	} else {
		rec.Payment = nil
	}
	rec.UpdatedAt = decision.DecidedAt

	return cloneRecord(rec), nil
}

func (s *AccessRecordStore) GrantFree(_ context.Context, agentID, requestID uuid.UUID) (*model.AccessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	key := pairKey{agentID, requestID}
	if id, ok := s.byPair[key]; ok {
		rec := s.records[id]
		if rec.Status != model.AccessStatusPaid {
			rec.Status = model.AccessStatusFree
		}
		rec.UpdatedAt = now
		return cloneRecord(rec), nil
	}

	rec := &model.AccessRecord{
		ID:        uuid.New(),
		AgentID:   agentID,
		RequestID: requestID,
		Status:    model.AccessStatusFree,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.records[rec.ID] = rec
	s.byPair[key] = rec.ID

	return cloneRecord(rec), nil
}

func (s *AccessRecordStore) AttachIntent(_ context.Context, id uuid.UUID, intentID string) (*model.AccessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.Status != model.AccessStatusApproved || rec.Payment == nil || rec.Payment.Status == model.PaymentStatusSucceeded {
		return nil, nil
	}

	rec.Payment.ExternalIntentID = intentID
	rec.Payment.Status = model.PaymentStatusPending
	if rec.Payment.Currency == "" {
		rec.Payment.Currency = s.currency
	}
	rec.UpdatedAt = time.Now().UTC()

	return cloneRecord(rec), nil
}

func (s *AccessRecordStore) MarkPaymentSucceeded(_ context.Context, id uuid.UUID, intentID string, at time.Time) (*model.AccessRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	if rec.IsGranted() {
		return cloneRecord(rec), false, nil
	}

	if rec.Payment == nil {
		rec.Payment = &model.Payment{Currency: s.currency}
	}
	rec.Status = model.AccessStatusPaid
	rec.Payment.Status = model.PaymentStatusSucceeded
	succeededAt := at
	rec.Payment.SucceededAt = &succeededAt
	if intentID != "" {
		rec.Payment.ExternalIntentID = intentID
	}
	rec.UpdatedAt = at

	return cloneRecord(rec), true, nil
}

func (s *AccessRecordStore) MarkPaymentFailed(_ context.Context, id uuid.UUID, intentID string, at time.Time) (*model.AccessRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	if rec.IsGranted() || rec.Payment == nil || rec.Payment.Status != model.PaymentStatusPending {
		return cloneRecord(rec), false, nil
	}

	rec.Payment.Status = model.PaymentStatusFailed
	rec.Payment.FailureCount++
	rec.Payment.FailedAt = append(rec.Payment.FailedAt, at)
	if intentID != "" {
		rec.Payment.ExternalIntentID = intentID
	}
	rec.UpdatedAt = at

	return cloneRecord(rec), true, nil
}

func (s *AccessRecordStore) ListStalePendingIntents(_ context.Context, updatedBefore time.Time, limit int) ([]*model.AccessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.sorted(func(rec *model.AccessRecord) bool {
		return rec.Status == model.AccessStatusApproved &&
			rec.Payment.HasIntent() &&
			rec.Payment.Status == model.PaymentStatusPending &&
			rec.UpdatedAt.Before(updatedBefore)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Backdate shifts a record's UpdatedAt into the past.  Test-only helper.
func (s *AccessRecordStore) Backdate(id uuid.UUID, by time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[id]; ok {
		rec.UpdatedAt = rec.UpdatedAt.Add(-by)
	}
}

// Len returns the number of stored records.  Test-only helper.
func (s *AccessRecordStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
