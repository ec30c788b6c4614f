package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Freeeeeet/premarket_access/internal/cache"
	"github.com/Freeeeeet/premarket_access/internal/model"
	"github.com/Freeeeeet/premarket_access/internal/notify"
	"github.com/Freeeeeet/premarket_access/internal/payment"
	"github.com/Freeeeeet/premarket_access/internal/repository/memory"
	"github.com/Freeeeeet/premarket_access/internal/service"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// chargedWithIntent returns an approved record with a gateway intent attached
func (e *testEnv) chargedWithIntent(t *testing.T, amount float64) (*model.AccessRecord, string) {
	t.Helper()
	agent := e.addAgent()
	req := e.addRequest()
	rec := e.charge(t, agent.ID, req.ID, amount)

	ref, err := e.payments.CreatePaymentIntent(context.Background(), agent.ID, rec.ID)
	if err != nil {
		t.Fatalf("CreatePaymentIntent: %v", err)
	}
	return rec, ref.ID
}

func (e *testEnv) deliver(t *testing.T, ev payment.DomainEvent) error {
	t.Helper()
	return e.reconciler.HandleWebhook(context.Background(), webhookPayload(t, ev), validSignature)
}

func (e *testEnv) record(t *testing.T, id uuid.UUID) *model.AccessRecord {
	t.Helper()
	rec, err := e.records.GetByID(context.Background(), id)
	if err != nil || rec == nil {
		t.Fatalf("GetByID: %v", err)
	}
	return rec
}

// ═══════════════════════════════════════════════════════════════════════════
// HandleWebhook
// ═══════════════════════════════════════════════════════════════════════════

func TestHandleWebhook_SuccessThenDuplicate(t *testing.T) {
	e := newTestEnv(t)
	rec, intentID := e.chargedWithIntent(t, 50)

	ev := payment.DomainEvent{ID: "evt_1", Type: "payment_intent.succeeded", Kind: payment.EventSucceeded, IntentID: intentID}
	if err := e.deliver(t, ev); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	got := e.record(t, rec.ID)
	if got.Status != model.AccessStatusPaid || got.Payment.Status != model.PaymentStatusSucceeded {
		t.Fatalf("status=%q payment=%q, want paid/succeeded", got.Status, got.Payment.Status)
	}
	if got.Payment.SucceededAt == nil {
		t.Error("SucceededAt not set")
	}

	// та же доставка и новый event id для того же intent
	if err := e.deliver(t, ev); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	ev.ID = "evt_2"
	ev.Type = "charge.succeeded"
	if err := e.deliver(t, ev); err != nil {
		t.Fatalf("second success event: %v", err)
	}

	if got := e.notifier.count(notify.KindPaymentSucceeded, notify.RecipientRenter); got != 1 {
		t.Errorf("renter notified %d times, want 1", got)
	}
	if got := e.notifier.count(notify.KindPaymentSucceeded, notify.RecipientAgent); got != 1 {
		t.Errorf("agent notified %d times, want 1", got)
	}
}

func TestHandleWebhook_PaidIsSticky(t *testing.T) {
	e := newTestEnv(t)
	rec, intentID := e.chargedWithIntent(t, 50)

	if err := e.deliver(t, payment.DomainEvent{ID: "evt_ok", Kind: payment.EventSucceeded, IntentID: intentID}); err != nil {
		t.Fatalf("success: %v", err)
	}
	for i, kind := range []payment.EventKind{payment.EventFailed, payment.EventCanceled} {
		ev := payment.DomainEvent{ID: "evt_late_" + string(kind), Kind: kind, IntentID: intentID}
		if err := e.deliver(t, ev); err != nil {
			t.Fatalf("late event %d: %v", i, err)
		}
	}

	got := e.record(t, rec.ID)
	if got.Status != model.AccessStatusPaid || got.Payment.FailureCount != 0 {
		t.Errorf("paid record changed: status=%q failures=%d", got.Status, got.Payment.FailureCount)
	}
}

func TestHandleWebhook_FreeIsSticky(t *testing.T) {
	e := newTestEnv(t)
	rec, intentID := e.chargedWithIntent(t, 50)
	ctx := context.Background()

	if _, err := e.visibility.MatchRequestForAgent(ctx, rec.AgentID, rec.RequestID); err != nil {
		t.Fatalf("MatchRequestForAgent: %v", err)
	}
	if err := e.deliver(t, payment.DomainEvent{ID: "evt_fail", Kind: payment.EventFailed, IntentID: intentID}); err != nil {
		t.Fatalf("failure: %v", err)
	}
	if err := e.deliver(t, payment.DomainEvent{ID: "evt_ok", Kind: payment.EventSucceeded, IntentID: intentID}); err != nil {
		t.Fatalf("success: %v", err)
	}

	if got := e.record(t, rec.ID); got.Status != model.AccessStatusFree {
		t.Errorf("Status = %q, want free", got.Status)
	}
	if got := e.notifier.count(notify.KindPaymentSucceeded, notify.RecipientRenter); got != 0 {
		t.Errorf("renter notified %d times for a free record", got)
	}
}

func TestHandleWebhook_FailureKeepsApprovedAndAllowsRetry(t *testing.T) {
	e := newTestEnv(t)
	rec, intentID := e.chargedWithIntent(t, 50)
	ctx := context.Background()

	if err := e.deliver(t, payment.DomainEvent{ID: "evt_fail", Kind: payment.EventFailed, IntentID: intentID}); err != nil {
		t.Fatalf("failure: %v", err)
	}

	got := e.record(t, rec.ID)
	if got.Status != model.AccessStatusApproved || got.Payment.Status != model.PaymentStatusFailed {
		t.Fatalf("status=%q payment=%q, want approved/failed", got.Status, got.Payment.Status)
	}
	if got.Payment.FailureCount != 1 || len(got.Payment.FailedAt) != 1 {
		t.Errorf("FailureCount=%d FailedAt=%d, want 1/1", got.Payment.FailureCount, len(got.Payment.FailedAt))
	}

	firstKey := e.gateway.lastCreated().IdempotencyKey
	ref, err := e.payments.CreatePaymentIntent(ctx, rec.AgentID, rec.ID)
	if err != nil {
		t.Fatalf("retry CreatePaymentIntent: %v", err)
	}
	if e.gateway.lastCreated().IdempotencyKey == firstKey {
		t.Error("retry reused the idempotency key of the failed attempt")
	}

	// поздний отказ старого intent не трогает новую попытку
	if err := e.deliver(t, payment.DomainEvent{ID: "evt_old", Kind: payment.EventFailed, IntentID: intentID}); err != nil {
		t.Fatalf("stale failure: %v", err)
	}
	got = e.record(t, rec.ID)
	if got.Payment.Status != model.PaymentStatusPending || got.Payment.ExternalIntentID != ref.ID {
		t.Errorf("payment = %+v, want pending on %s", got.Payment, ref.ID)
	}
}

func TestHandleWebhook_OneDeclineCountedOnce(t *testing.T) {
	e := newTestEnv(t)
	rec, intentID := e.chargedWithIntent(t, 50)
	firstKey := e.gateway.lastCreated().IdempotencyKey

	// на один отказ Stripe шлёт два события с разными id
	for _, ev := range []payment.DomainEvent{
		{ID: "evt_pi_failed", Type: "payment_intent.payment_failed", Kind: payment.EventFailed, IntentID: intentID},
		{ID: "evt_charge_failed", Type: "charge.failed", Kind: payment.EventFailed, IntentID: intentID},
	} {
		if err := e.deliver(t, ev); err != nil {
			t.Fatalf("%s: %v", ev.Type, err)
		}
	}

	got := e.record(t, rec.ID)
	if got.Payment.FailureCount != 1 || len(got.Payment.FailedAt) != 1 {
		t.Errorf("FailureCount=%d FailedAt=%d, want 1/1", got.Payment.FailureCount, len(got.Payment.FailedAt))
	}

	if _, err := e.payments.CreatePaymentIntent(context.Background(), rec.AgentID, rec.ID); err != nil {
		t.Fatalf("retry CreatePaymentIntent: %v", err)
	}
	want := fmt.Sprintf("access-%s-50.00-1", rec.ID)
	if key := e.gateway.lastCreated().IdempotencyKey; key != want || key == firstKey {
		t.Errorf("retry key = %q, want %q", key, want)
	}
}

// flakyRecords fails the next payment success write
type flakyRecords struct {
	*memory.AccessRecordStore
	failSuccess bool
}

func (r *flakyRecords) MarkPaymentSucceeded(ctx context.Context, id uuid.UUID, intentID string, at time.Time) (*model.AccessRecord, bool, error) {
	if r.failSuccess {
		r.failSuccess = false
		return nil, false, errors.New("connection reset")
	}
	return r.AccessRecordStore.MarkPaymentSucceeded(ctx, id, intentID, at)
}

func TestHandleWebhook_RedeliveryAfterErrorIsApplied(t *testing.T) {
	e := newTestEnv(t)
	rec, intentID := e.chargedWithIntent(t, 50)

	records := &flakyRecords{AccessRecordStore: e.records, failSuccess: true}
	reconciler := service.NewReconciliationService(
		records, e.requests, e.agents, e.gateway,
		cache.NewMemoryDeduper(time.Hour), cache.NoThrottle{},
		e.notifier, zap.NewNop(),
	)
	body := webhookPayload(t, payment.DomainEvent{ID: "evt_retry", Kind: payment.EventSucceeded, IntentID: intentID})
	ctx := context.Background()

	if err := reconciler.HandleWebhook(ctx, body, validSignature); err == nil {
		t.Fatal("first delivery should fail so the gateway retries")
	}
	if err := reconciler.HandleWebhook(ctx, body, validSignature); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	if got := e.record(t, rec.ID); got.Status != model.AccessStatusPaid {
		t.Errorf("Status = %q, want paid", got.Status)
	}
}

func TestHandleWebhook_ConcurrentRedeliveriesApplyOnce(t *testing.T) {
	e := newTestEnv(t)
	rec, intentID := e.chargedWithIntent(t, 50)
	body := webhookPayload(t, payment.DomainEvent{ID: "evt_burst", Kind: payment.EventFailed, IntentID: intentID})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.reconciler.HandleWebhook(context.Background(), body, validSignature); err != nil {
				t.Errorf("HandleWebhook: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := e.record(t, rec.ID); got.Payment.FailureCount != 1 {
		t.Errorf("FailureCount = %d, want 1", got.Payment.FailureCount)
	}
}

func TestHandleWebhook_FallsBackToMetadata(t *testing.T) {
	e := newTestEnv(t)
	agent := e.addAgent()
	req := e.addRequest()
	rec := e.charge(t, agent.ID, req.ID, 50)

	// webhook пришёл раньше, чем intent привязали к записи
	ev := payment.DomainEvent{
		ID:       "evt_early",
		Kind:     payment.EventSucceeded,
		IntentID: "pi_unattached",
		Metadata: map[string]string{payment.MetadataAccessRecordID: rec.ID.String()},
	}
	if err := e.deliver(t, ev); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	got := e.record(t, rec.ID)
	if got.Status != model.AccessStatusPaid || got.Payment.ExternalIntentID != "pi_unattached" {
		t.Errorf("status=%q intent=%q", got.Status, got.Payment.ExternalIntentID)
	}
}

func TestHandleWebhook_Rejections(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	body := webhookPayload(t, payment.DomainEvent{ID: "evt_1", Kind: payment.EventSucceeded, IntentID: "pi_1"})

	tests := []struct {
		name      string
		body      []byte
		signature string
		want      error
	}{
		{"empty body", nil, validSignature, model.ErrBadRequest},
		{"missing signature", body, "", model.ErrBadRequest},
		{"invalid signature", body, "t=1,v1=forged", model.ErrInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := e.reconciler.HandleWebhook(ctx, tt.body, tt.signature); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHandleWebhook_UnknownEventAcknowledged(t *testing.T) {
	e := newTestEnv(t)
	rec, intentID := e.chargedWithIntent(t, 50)

	ev := payment.DomainEvent{ID: "evt_x", Type: "customer.created", Kind: payment.EventUnknown, IntentID: intentID}
	if err := e.deliver(t, ev); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if got := e.record(t, rec.ID); got.Status != model.AccessStatusApproved {
		t.Errorf("Status = %q, want approved", got.Status)
	}

	orphan := payment.DomainEvent{ID: "evt_orphan", Kind: payment.EventSucceeded, IntentID: "pi_nobody"}
	if err := e.deliver(t, orphan); err != nil {
		t.Errorf("orphan event: %v", err)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Pull reconciliation
// ═══════════════════════════════════════════════════════════════════════════

func TestReconcilePaymentIntent(t *testing.T) {
	e := newTestEnv(t)
	rec, intentID := e.chargedWithIntent(t, 50)
	ctx := context.Background()

	if err := e.reconciler.ReconcilePaymentIntent(ctx, intentID); err != nil {
		t.Fatalf("pending intent: %v", err)
	}
	if got := e.record(t, rec.ID); got.Status != model.AccessStatusApproved {
		t.Fatalf("Status = %q, want approved", got.Status)
	}

	e.gateway.setState(intentID, payment.IntentFailed)
	for i := 0; i < 2; i++ {
		if err := e.reconciler.ReconcilePaymentIntent(ctx, intentID); err != nil {
			t.Fatalf("failed intent: %v", err)
		}
	}
	if got := e.record(t, rec.ID); got.Payment.FailureCount != 1 {
		t.Errorf("FailureCount = %d after repeated pulls, want 1", got.Payment.FailureCount)
	}

	e.gateway.setState(intentID, payment.IntentSucceeded)
	if err := e.reconciler.ReconcilePaymentIntent(ctx, intentID); err != nil {
		t.Fatalf("succeeded intent: %v", err)
	}
	if got := e.record(t, rec.ID); got.Status != model.AccessStatusPaid {
		t.Errorf("Status = %q, want paid", got.Status)
	}

	if err := e.reconciler.ReconcilePaymentIntent(ctx, ""); !errors.Is(err, model.ErrBadRequest) {
		t.Errorf("empty id: err = %v, want ErrBadRequest", err)
	}
}

func TestReadPathPullsPendingIntent(t *testing.T) {
	e := newTestEnv(t)
	rec, intentID := e.chargedWithIntent(t, 50)
	e.gateway.setState(intentID, payment.IntentSucceeded)

	summary, err := e.access.GetAgentAccessSummary(context.Background(), rec.AgentID, rec.RequestID)
	if err != nil {
		t.Fatalf("GetAgentAccessSummary: %v", err)
	}
	if summary.AccessType != model.AccessTypePaid || !summary.CanViewRenter {
		t.Errorf("summary = %+v, want paid", summary)
	}
}

func TestReadPathServesCachedStatusWhenGatewayDown(t *testing.T) {
	e := newTestEnv(t)
	rec, _ := e.chargedWithIntent(t, 50)
	e.gateway.retrieveErr = model.ErrUpstreamUnavailable

	detail, err := e.access.GetRequestDetail(context.Background(), rec.AgentID, rec.RequestID)
	if err != nil {
		t.Fatalf("GetRequestDetail: %v", err)
	}
	if detail.Access.Payment == nil || detail.Access.Payment.Status != model.PaymentStatusPending {
		t.Errorf("Payment = %+v, want cached pending", detail.Access.Payment)
	}
	if detail.Renter != nil {
		t.Error("renter visible while payment pending")
	}
	if e.gateway.retrieved == 0 {
		t.Error("gateway was not asked")
	}
}

func TestReconcileStale(t *testing.T) {
	e := newTestEnv(t)
	stale, staleIntent := e.chargedWithIntent(t, 50)
	_, freshIntent := e.chargedWithIntent(t, 50)
	e.records.Backdate(stale.ID, time.Hour)
	e.gateway.setState(staleIntent, payment.IntentSucceeded)
	e.gateway.setState(freshIntent, payment.IntentSucceeded)

	applied, err := e.reconciler.ReconcileStale(context.Background(), 10*time.Minute, 100)
	if err != nil {
		t.Fatalf("ReconcileStale: %v", err)
	}
	if applied != 1 {
		t.Errorf("applied = %d, want 1", applied)
	}
	if got := e.record(t, stale.ID); got.Status != model.AccessStatusPaid {
		t.Errorf("stale record status = %q, want paid", got.Status)
	}
}
