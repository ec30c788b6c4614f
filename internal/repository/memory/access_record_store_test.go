package memory_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Freeeeeet/premarket_access/internal/model"
	"github.com/Freeeeeet/premarket_access/internal/repository/memory"
	"github.com/google/uuid"
)

func approvedWithCharge(t *testing.T, s *memory.AccessRecordStore, amount float64) *model.AccessRecord {
	t.Helper()
	ctx := context.Background()

	rec, _, err := s.CreatePending(ctx, uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}
	rec, err = s.ApplyDecision(ctx, rec, model.AccessStatusApproved, model.AdminDecision{
		DecidedBy:    uuid.New(),
		DecidedAt:    time.Now().UTC(),
		ChargeAmount: amount,
	}, &model.Payment{Amount: amount, Currency: "usd", Status: model.PaymentStatusPending})
	if err != nil {
		t.Fatalf("ApplyDecision: %v", err)
	}
	return rec
}

// ═══════════════════════════════════════════════════════════════════════════
// CreatePending
// ═══════════════════════════════════════════════════════════════════════════

func TestAccessRecordStore_CreatePending_OnePerPair(t *testing.T) {
	s := memory.NewAccessRecordStore("usd")
	ctx := context.Background()
	agentID, requestID := uuid.New(), uuid.New()

	first, created, err := s.CreatePending(ctx, agentID, requestID)
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}
	if !created {
		t.Fatal("expected first call to create a record")
	}

	second, created, err := s.CreatePending(ctx, agentID, requestID)
	if err != nil {
		t.Fatalf("CreatePending (again): %v", err)
	}
	if created {
		t.Error("expected second call to return the existing record")
	}
	if second.ID != first.ID {
		t.Errorf("ID = %s, want %s", second.ID, first.ID)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestAccessRecordStore_CreatePending_Concurrent(t *testing.T) {
	s := memory.NewAccessRecordStore("usd")
	agentID, requestID := uuid.New(), uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := s.CreatePending(context.Background(), agentID, requestID); err != nil {
				t.Errorf("CreatePending: %v", err)
			}
		}()
	}
	wg.Wait()

	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestAccessRecordStore_ReturnsCopies(t *testing.T) {
	s := memory.NewAccessRecordStore("usd")
	rec := approvedWithCharge(t, s, 50)

	rec.Status = model.AccessStatusPaid
	rec.Payment.Amount = 1

	got, err := s.GetByID(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != model.AccessStatusApproved || got.Payment.Amount != 50 {
		t.Errorf("stored record mutated through returned pointer: %+v", got)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// GrantFree
// ═══════════════════════════════════════════════════════════════════════════

func TestAccessRecordStore_GrantFree_CreatesOrAdvances(t *testing.T) {
	s := memory.NewAccessRecordStore("usd")
	ctx := context.Background()
	agentID, requestID := uuid.New(), uuid.New()

	pending, _, _ := s.CreatePending(ctx, agentID, requestID)
	rec, err := s.GrantFree(ctx, agentID, requestID)
	if err != nil {
		t.Fatalf("GrantFree: %v", err)
	}
	if rec.ID != pending.ID {
		t.Error("GrantFree created a second record for the pair")
	}
	if rec.Status != model.AccessStatusFree {
		t.Errorf("Status = %q, want free", rec.Status)
	}

	fresh, err := s.GrantFree(ctx, uuid.New(), requestID)
	if err != nil {
		t.Fatalf("GrantFree (new pair): %v", err)
	}
	if fresh.Status != model.AccessStatusFree {
		t.Errorf("Status = %q, want free", fresh.Status)
	}
}

func TestAccessRecordStore_GrantFree_KeepsPaid(t *testing.T) {
	s := memory.NewAccessRecordStore("usd")
	ctx := context.Background()
	rec := approvedWithCharge(t, s, 50)

	if _, _, err := s.MarkPaymentSucceeded(ctx, rec.ID, "pi_1", time.Now()); err != nil {
		t.Fatalf("MarkPaymentSucceeded: %v", err)
	}
	got, err := s.GrantFree(ctx, rec.AgentID, rec.RequestID)
	if err != nil {
		t.Fatalf("GrantFree: %v", err)
	}
	if got.Status != model.AccessStatusPaid {
		t.Errorf("Status = %q, want paid", got.Status)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Payment transitions
// ═══════════════════════════════════════════════════════════════════════════

func TestAccessRecordStore_AttachIntent(t *testing.T) {
	s := memory.NewAccessRecordStore("usd")
	ctx := context.Background()
	rec := approvedWithCharge(t, s, 50)

	got, err := s.AttachIntent(ctx, rec.ID, "pi_1")
	if err != nil {
		t.Fatalf("AttachIntent: %v", err)
	}
	if got == nil || got.Payment.ExternalIntentID != "pi_1" {
		t.Fatalf("intent not attached: %+v", got)
	}

	byIntent, err := s.GetByIntentID(ctx, "pi_1")
	if err != nil {
		t.Fatalf("GetByIntentID: %v", err)
	}
	if byIntent == nil || byIntent.ID != rec.ID {
		t.Errorf("GetByIntentID returned %+v", byIntent)
	}

	pending, _, _ := s.CreatePending(ctx, uuid.New(), uuid.New())
	got, err = s.AttachIntent(ctx, pending.ID, "pi_2")
	if err != nil {
		t.Fatalf("AttachIntent (pending): %v", err)
	}
	if got != nil {
		t.Error("expected nil for a record without a charge")
	}
}

func TestAccessRecordStore_MarkPaymentSucceeded_Sticky(t *testing.T) {
	s := memory.NewAccessRecordStore("usd")
	ctx := context.Background()
	rec := approvedWithCharge(t, s, 50)
	now := time.Now().UTC()

	got, transitioned, err := s.MarkPaymentSucceeded(ctx, rec.ID, "pi_1", now)
	if err != nil {
		t.Fatalf("MarkPaymentSucceeded: %v", err)
	}
	if !transitioned || got.Status != model.AccessStatusPaid {
		t.Fatalf("expected transition to paid, got %q (transitioned=%v)", got.Status, transitioned)
	}

	_, transitioned, err = s.MarkPaymentSucceeded(ctx, rec.ID, "pi_1", now.Add(time.Second))
	if err != nil {
		t.Fatalf("MarkPaymentSucceeded (dup): %v", err)
	}
	if transitioned {
		t.Error("duplicate success reported a transition")
	}

	got, applied, err := s.MarkPaymentFailed(ctx, rec.ID, "pi_1", now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("MarkPaymentFailed: %v", err)
	}
	if applied {
		t.Error("late failure applied to a paid record")
	}
	if got.Status != model.AccessStatusPaid || got.Payment.Status != model.PaymentStatusSucceeded {
		t.Errorf("paid record regressed: status=%q payment=%q", got.Status, got.Payment.Status)
	}
}

func TestAccessRecordStore_MarkPaymentFailed_Counts(t *testing.T) {
	s := memory.NewAccessRecordStore("usd")
	ctx := context.Background()
	rec := approvedWithCharge(t, s, 50)
	now := time.Now().UTC()

	// каждая новая попытка снова переводит платёж в pending
	for i := 0; i < 3; i++ {
		intentID := fmt.Sprintf("pi_%d", i)
		if attached, _ := s.AttachIntent(ctx, rec.ID, intentID); attached == nil {
			t.Fatalf("AttachIntent %s returned nil", intentID)
		}
		if _, applied, err := s.MarkPaymentFailed(ctx, rec.ID, intentID, now.Add(time.Duration(i)*time.Second)); err != nil || !applied {
			t.Fatalf("MarkPaymentFailed: applied=%v err=%v", applied, err)
		}
	}

	got, _ := s.GetByID(ctx, rec.ID)
	if got.Status != model.AccessStatusApproved {
		t.Errorf("Status = %q, want approved", got.Status)
	}
	if got.Payment.FailureCount != 3 || len(got.Payment.FailedAt) != 3 {
		t.Errorf("FailureCount = %d, FailedAt = %d, want 3/3", got.Payment.FailureCount, len(got.Payment.FailedAt))
	}
}

func TestAccessRecordStore_MarkPaymentFailed_OncePerAttempt(t *testing.T) {
	s := memory.NewAccessRecordStore("usd")
	ctx := context.Background()
	rec := approvedWithCharge(t, s, 50)
	s.AttachIntent(ctx, rec.ID, "pi_1")
	now := time.Now().UTC()

	if _, applied, _ := s.MarkPaymentFailed(ctx, rec.ID, "pi_1", now); !applied {
		t.Fatal("first failure not applied")
	}
	got, applied, err := s.MarkPaymentFailed(ctx, rec.ID, "pi_1", now.Add(time.Second))
	if err != nil {
		t.Fatalf("MarkPaymentFailed: %v", err)
	}
	if applied {
		t.Error("second failure for the same attempt applied")
	}
	if got.Payment.FailureCount != 1 || len(got.Payment.FailedAt) != 1 {
		t.Errorf("FailureCount = %d, FailedAt = %d, want 1/1", got.Payment.FailureCount, len(got.Payment.FailedAt))
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// ApplyDecision
// ═══════════════════════════════════════════════════════════════════════════

func TestAccessRecordStore_ApplyDecision_RejectsStaleSnapshot(t *testing.T) {
	s := memory.NewAccessRecordStore("usd")
	ctx := context.Background()
	rec := approvedWithCharge(t, s, 50)
	seen, _ := s.AttachIntent(ctx, rec.ID, "pi_1")

	// оплата прошла между чтением и записью решения
	if _, ok, _ := s.MarkPaymentSucceeded(ctx, rec.ID, "pi_1", time.Now().UTC().Add(time.Second)); !ok {
		t.Fatal("MarkPaymentSucceeded did not transition")
	}

	_, err := s.ApplyDecision(ctx, seen, model.AccessStatusApproved, model.AdminDecision{
		DecidedBy: uuid.New(), DecidedAt: time.Now().UTC(), ChargeAmount: 50,
	}, seen.Payment)
	if !errors.Is(err, model.ErrRecordChanged) {
		t.Fatalf("err = %v, want ErrRecordChanged", err)
	}

	got, _ := s.GetByID(ctx, rec.ID)
	if got.Status != model.AccessStatusPaid || got.Payment.Status != model.PaymentStatusSucceeded {
		t.Errorf("paid record overwritten: status=%q payment=%q", got.Status, got.Payment.Status)
	}
}

func TestAccessRecordStore_ApplyDecision_UnknownRecord(t *testing.T) {
	s := memory.NewAccessRecordStore("usd")
	_, err := s.ApplyDecision(context.Background(), &model.AccessRecord{ID: uuid.New()}, model.AccessStatusRejected, model.AdminDecision{}, nil)
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAccessRecordStore_ListStalePendingIntents(t *testing.T) {
	s := memory.NewAccessRecordStore("usd")
	ctx := context.Background()

	stale := approvedWithCharge(t, s, 50)
	s.AttachIntent(ctx, stale.ID, "pi_stale")
	s.Backdate(stale.ID, time.Hour)

	fresh := approvedWithCharge(t, s, 50)
	s.AttachIntent(ctx, fresh.ID, "pi_fresh")

	noIntent := approvedWithCharge(t, s, 50)
	s.Backdate(noIntent.ID, time.Hour)

	got, err := s.ListStalePendingIntents(ctx, time.Now().Add(-10*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStalePendingIntents: %v", err)
	}
	if len(got) != 1 || got[0].ID != stale.ID {
		t.Errorf("got %d records, want only the stale one", len(got))
	}
}
