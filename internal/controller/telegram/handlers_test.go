package telegram

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Freeeeeet/premarket_access/internal/cache"
	"github.com/Freeeeeet/premarket_access/internal/model"
	"github.com/Freeeeeet/premarket_access/internal/notify"
	"github.com/Freeeeeet/premarket_access/internal/payment"
	"github.com/Freeeeeet/premarket_access/internal/repository/memory"
	"github.com/Freeeeeet/premarket_access/internal/service"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const adminChat = int64(-100500)

type fakeAPI struct {
	mu       sync.Mutex
	sent     []*bot.SendMessageParams
	edited   []*bot.EditMessageTextParams
	answered []*bot.AnswerCallbackQueryParams
}

func (f *fakeAPI) SendMessage(_ context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, params)
	return &models.Message{}, nil
}

func (f *fakeAPI) EditMessageText(_ context.Context, params *bot.EditMessageTextParams) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edited = append(f.edited, params)
	return &models.Message{}, nil
}

func (f *fakeAPI) AnswerCallbackQuery(_ context.Context, params *bot.AnswerCallbackQueryParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, params)
	return true, nil
}

// unusedGateway is never reached by the review flows
type unusedGateway struct{}

func (unusedGateway) CreateIntent(context.Context, payment.IntentRequest) (*payment.IntentRef, error) {
	return nil, model.ErrUpstreamUnavailable
}

func (unusedGateway) VerifyAndParseWebhook([]byte, string) (*payment.DomainEvent, error) {
	return nil, model.ErrInvalidSignature
}

func (unusedGateway) RetrieveIntent(context.Context, string) (*payment.IntentState, error) {
	return nil, model.ErrUpstreamUnavailable
}

type testController struct {
	*BotController
	api     *fakeAPI
	access  *service.AccessService
	records *memory.AccessRecordStore
	agents  *memory.AgentStore
	reqs    *memory.RequestStore
}

func newTestController(t *testing.T) *testController {
	t.Helper()

	logger := zap.NewNop()
	records := memory.NewAccessRecordStore("usd")
	requests := memory.NewRequestStore()
	agents := memory.NewAgentStore()

	defaultAgent := uuid.New()
	agents.Put(&model.AgentProfile{ID: defaultAgent, Name: "Platform", AcceptingRequests: true})

	referral := service.NewReferralResolver(agents, defaultAgent, logger)
	visibility := service.NewVisibilityService(requests, agents, records, referral, notify.Nop{}, logger)
	reconciler := service.NewReconciliationService(records, requests, agents, unusedGateway{},
		cache.NewMemoryDeduper(time.Hour), cache.NoThrottle{}, notify.Nop{}, logger)
	access := service.NewAccessService(records, requests, agents, visibility, reconciler, referral, notify.Nop{}, "usd", logger)

	api := &fakeAPI{}
	c := &BotController{
		api:         api,
		access:      access,
		adminChatID: adminChat,
		adminID:     uuid.New(),
		logger:      logger,
	}

	return &testController{BotController: c, api: api, access: access, records: records, agents: agents, reqs: requests}
}

// pendingRecord creates a pending access request and returns its record
func (tc *testController) pendingRecord(t *testing.T) *model.AccessRecord {
	t.Helper()

	agentID := uuid.New()
	tc.agents.Put(&model.AgentProfile{ID: agentID, Name: "Agent", AcceptingRequests: true})
	requestID := uuid.New()
	tc.reqs.Put(&model.Request{
		ID: requestID, Title: "Flat", Visibility: model.VisibilityShared,
		ShareConsent: true, IsActive: true, CreatedAt: time.Now().UTC(),
	})

	rec, err := tc.access.RequestAccess(context.Background(), agentID, requestID)
	if err != nil {
		t.Fatalf("RequestAccess: %v", err)
	}
	return rec
}

func messageUpdate(chatID int64, text string) *models.Update {
	return &models.Update{Message: &models.Message{ID: 1, Chat: models.Chat{ID: chatID}, Text: text}}
}

func callbackUpdate(chatID int64, data string) *models.Update {
	return &models.Update{CallbackQuery: &models.CallbackQuery{
		ID:      "cb1",
		Data:    data,
		Message: models.MaybeInaccessibleMessage{Message: &models.Message{ID: 9, Chat: models.Chat{ID: chatID}}},
	}}
}

// ═══════════════════════════════════════════════════════════════════════════
// Parsing
// ═══════════════════════════════════════════════════════════════════════════

func TestParseChargeCommand(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		name    string
		text    string
		wantErr bool
		amount  float64
	}{
		{"valid", "/charge " + id.String() + " 49.99", false, 49.99},
		{"missing amount", "/charge " + id.String(), true, 0},
		{"bad id", "/charge nope 10", true, 0},
		{"bad amount", "/charge " + id.String() + " ten", true, 0},
		{"wrong command", "/chargeall " + id.String() + " 10", true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotID, amount, err := parseChargeCommand(tt.text)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && (gotID != id || amount != tt.amount) {
				t.Errorf("got %s %v", gotID, amount)
			}
		})
	}
}

func TestParseReviewCallback(t *testing.T) {
	id := uuid.New()

	action, got, err := parseReviewCallback(notify.CallbackApproveFree + id.String())
	if err != nil || action != service.ActionApprove || got != id {
		t.Errorf("approve: %v %s %v", action, got, err)
	}
	action, _, err = parseReviewCallback(notify.CallbackReject + id.String())
	if err != nil || action != service.ActionReject {
		t.Errorf("reject: %v %v", action, err)
	}
	if _, _, err := parseReviewCallback("access_free:123"); err == nil {
		t.Error("expected error for malformed id")
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Handlers
// ═══════════════════════════════════════════════════════════════════════════

func TestHandleCallback_ApproveFree(t *testing.T) {
	tc := newTestController(t)
	rec := tc.pendingRecord(t)

	tc.handleCallback(context.Background(), nil, callbackUpdate(adminChat, notify.CallbackApproveFree+rec.ID.String()))

	got, _ := tc.records.GetByID(context.Background(), rec.ID)
	if got.Status != model.AccessStatusFree {
		t.Fatalf("expected free, got %s", got.Status)
	}
	if got.AdminDecision == nil || got.AdminDecision.DecidedBy != tc.adminID {
		t.Errorf("decision not attributed to the admin: %+v", got.AdminDecision)
	}
	if len(tc.api.edited) != 1 || tc.api.edited[0].ReplyMarkup != nil {
		t.Errorf("review message should be edited without buttons: %+v", tc.api.edited)
	}
}

func TestHandleCallback_RejectsOtherChats(t *testing.T) {
	tc := newTestController(t)
	rec := tc.pendingRecord(t)

	tc.handleCallback(context.Background(), nil, callbackUpdate(12345, notify.CallbackReject+rec.ID.String()))

	got, _ := tc.records.GetByID(context.Background(), rec.ID)
	if got.Status != model.AccessStatusPending {
		t.Errorf("non-admin chat changed status to %s", got.Status)
	}
	if len(tc.api.answered) != 1 || !tc.api.answered[0].ShowAlert {
		t.Errorf("expected an alert answer, got %+v", tc.api.answered)
	}
}

func TestHandleCharge(t *testing.T) {
	tc := newTestController(t)
	rec := tc.pendingRecord(t)

	tc.handleCharge(context.Background(), nil, messageUpdate(adminChat, "/charge "+rec.ID.String()+" 25"))

	got, _ := tc.records.GetByID(context.Background(), rec.ID)
	if got.Status != model.AccessStatusApproved || got.Payment == nil || got.Payment.Amount != 25 {
		t.Fatalf("expected approved with charge 25, got %+v", got)
	}
	if len(tc.api.sent) != 1 || !strings.Contains(tc.api.sent[0].Text, "25.00") {
		t.Errorf("unexpected reply: %+v", tc.api.sent)
	}
}

func TestHandleCharge_NegativeAmount(t *testing.T) {
	tc := newTestController(t)
	rec := tc.pendingRecord(t)

	tc.handleCharge(context.Background(), nil, messageUpdate(adminChat, "/charge "+rec.ID.String()+" -5"))

	if len(tc.api.sent) != 1 || tc.api.sent[0].Text != ErrorMessage(model.ErrInvalidAmount) {
		t.Errorf("expected invalid amount reply, got %+v", tc.api.sent)
	}
}

func TestHandlePending_ListsWithButtons(t *testing.T) {
	tc := newTestController(t)
	tc.pendingRecord(t)
	tc.pendingRecord(t)

	tc.handlePending(context.Background(), nil, messageUpdate(adminChat, "/pending"))

	if len(tc.api.sent) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(tc.api.sent))
	}
	for _, msg := range tc.api.sent {
		if _, ok := msg.ReplyMarkup.(*models.InlineKeyboardMarkup); !ok {
			t.Errorf("expected review keyboard, got %T", msg.ReplyMarkup)
		}
	}
}

func TestHandlePending_Empty(t *testing.T) {
	tc := newTestController(t)

	tc.handlePending(context.Background(), nil, messageUpdate(adminChat, "/pending"))

	if len(tc.api.sent) != 1 || !strings.Contains(tc.api.sent[0].Text, "No pending") {
		t.Errorf("unexpected reply: %+v", tc.api.sent)
	}
}
