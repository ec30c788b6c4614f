package service_test

import (
	"context"
	"encoding/json"
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

const validSignature = "t=1,v1=ok"

// fakeGateway accepts webhooks signed with validSignature whose body is a
// JSON-encoded payment.DomainEvent.
type fakeGateway struct {
	mu          sync.Mutex
	seq         int
	created     []payment.IntentRequest
	createErr   error
	states      map[string]payment.IntentStatus
	retrieveErr error
	retrieved   int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{states: make(map[string]payment.IntentStatus)}
}

func (g *fakeGateway) CreateIntent(_ context.Context, req payment.IntentRequest) (*payment.IntentRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.createErr != nil {
		return nil, g.createErr
	}
	g.seq++
	g.created = append(g.created, req)
	id := fmt.Sprintf("pi_%d", g.seq)
	g.states[id] = payment.IntentPending

	return &payment.IntentRef{ID: id, ClientSecret: id + "_secret", Amount: req.Amount, Currency: req.Currency}, nil
}

func (g *fakeGateway) VerifyAndParseWebhook(payload []byte, signature string) (*payment.DomainEvent, error) {
	if signature != validSignature {
		return nil, model.ErrInvalidSignature
	}
	var ev payment.DomainEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrBadRequest, err)
	}
	return &ev, nil
}

func (g *fakeGateway) RetrieveIntent(_ context.Context, intentID string) (*payment.IntentState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.retrieved++
	if g.retrieveErr != nil {
		return nil, g.retrieveErr
	}
	status, ok := g.states[intentID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &payment.IntentState{ID: intentID, Status: status}, nil
}

func (g *fakeGateway) setState(intentID string, status payment.IntentStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states[intentID] = status
}

func (g *fakeGateway) lastCreated() payment.IntentRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.created[len(g.created)-1]
}

func webhookPayload(t *testing.T, ev payment.DomainEvent) []byte {
	t.Helper()
	body, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return body
}

// recordingNotifier captures notifications synchronously
type recordingNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, msg notify.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, msg)
}

func (n *recordingNotifier) count(kind notify.Kind, recipient notify.Recipient) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	c := 0
	for _, msg := range n.got {
		if msg.Kind == kind && msg.Recipient == recipient {
			c++
		}
	}
	return c
}

type testEnv struct {
	records  *memory.AccessRecordStore
	requests *memory.RequestStore
	agents   *memory.AgentStore
	gateway  *fakeGateway
	notifier *recordingNotifier

	referral   *service.ReferralResolver
	visibility *service.VisibilityService
	reconciler *service.ReconciliationService
	payments   *service.PaymentService
	access     *service.AccessService

	defaultAgentID uuid.UUID
	adminID        uuid.UUID
}

// newTestEnv wires every service over in-memory stores, a fake gateway and a
// recording notifier. Reads always pull pending intents (no throttle).
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := zap.NewNop()
	e := &testEnv{
		records:        memory.NewAccessRecordStore("usd"),
		requests:       memory.NewRequestStore(),
		agents:         memory.NewAgentStore(),
		gateway:        newFakeGateway(),
		notifier:       &recordingNotifier{},
		defaultAgentID: uuid.New(),
		adminID:        uuid.New(),
	}
	e.agents.Put(&model.AgentProfile{ID: e.defaultAgentID, Name: "Platform", AcceptingRequests: true})

	e.referral = service.NewReferralResolver(e.agents, e.defaultAgentID, logger)
	e.visibility = service.NewVisibilityService(e.requests, e.agents, e.records, e.referral, e.notifier, logger)
	e.reconciler = service.NewReconciliationService(
		e.records, e.requests, e.agents, e.gateway,
		cache.NewMemoryDeduper(time.Hour), cache.NoThrottle{},
		e.notifier, logger,
	)
	e.payments = service.NewPaymentService(e.records, e.gateway, "usd", logger)
	e.access = service.NewAccessService(
		e.records, e.requests, e.agents,
		e.visibility, e.reconciler, e.referral,
		e.notifier, "usd", logger,
	)

	return e
}

func (e *testEnv) addAgent(mods ...func(*model.AgentProfile)) *model.AgentProfile {
	chatID := int64(1000)
	agent := &model.AgentProfile{
		ID:                uuid.New(),
		Name:              "Agent",
		AcceptingRequests: true,
		TelegramChatID:    &chatID,
	}
	for _, mod := range mods {
		mod(agent)
	}
	e.agents.Put(agent)
	return agent
}

func (e *testEnv) addRequest(mods ...func(*model.Request)) *model.Request {
	chatID := int64(2000)
	req := &model.Request{
		ID:           uuid.New(),
		Title:        "2BR near the park",
		Visibility:   model.VisibilityShared,
		ShareConsent: true,
		IsActive:     true,
		Renter:       model.RenterContact{Name: "Robin", Email: "robin@example.com", Phone: "+15550100"},
		RenterChatID: &chatID,
		CreatedAt:    time.Now().UTC(),
	}
	for _, mod := range mods {
		mod(req)
	}
	e.requests.Put(req)
	return req
}

func referredBy(agentID uuid.UUID) func(*model.Request) {
	return func(r *model.Request) {
		id := agentID
		r.ReferralAgentID = &id
		r.Visibility = model.VisibilityPrivate
	}
}

func private(r *model.Request) { r.Visibility = model.VisibilityPrivate }

func blanket(a *model.AgentProfile) { a.HasGrantAccess = true }

// charge runs the pending -> approved(charge) path and returns the record
func (e *testEnv) charge(t *testing.T, agentID, requestID uuid.UUID, amount float64) *model.AccessRecord {
	t.Helper()
	ctx := context.Background()

	if _, err := e.access.RequestAccess(ctx, agentID, requestID); err != nil {
		t.Fatalf("RequestAccess: %v", err)
	}
	rec, err := e.access.AdminDecideAccess(ctx, requestID, service.DecisionInput{
		AgentID:      agentID,
		AdminID:      e.adminID,
		Action:       service.ActionCharge,
		ChargeAmount: amount,
	})
	if err != nil {
		t.Fatalf("AdminDecideAccess: %v", err)
	}
	return rec
}
