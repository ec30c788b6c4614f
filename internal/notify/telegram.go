package notify

import (
	"context"
	"fmt"
	"html"

	"github.com/Freeeeeet/premarket_access/internal/model"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Callback data of the admin review buttons: <prefix><access record id>
const (
	CallbackApproveFree = "access_free:"
	CallbackReject      = "access_reject:"
)

// ReviewKeyboard is attached to access requests sent to the admin chat
func ReviewKeyboard(recordID uuid.UUID) *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{{
			{Text: "✅ Approve free", CallbackData: CallbackApproveFree + recordID.String()},
			{Text: "❌ Reject", CallbackData: CallbackReject + recordID.String()},
		}},
	}
}

// messageSender is the part of *bot.Bot the sink uses
type messageSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// TelegramSink sends notifications as chat messages.
// Recipients without a known chat are skipped.
type TelegramSink struct {
	sender      messageSender
	adminChatID int64
	logger      *zap.Logger
}

func NewTelegramSink(sender messageSender, adminChatID int64, logger *zap.Logger) *TelegramSink {
	return &TelegramSink{
		sender:      sender,
		adminChatID: adminChatID,
		logger:      logger,
	}
}

// NewTelegramBot creates a send-only bot client
func NewTelegramBot(token string) (*bot.Bot, error) {
	b, err := bot.New(token, bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return b, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Send(ctx context.Context, n Notification) error {
	chatID := s.chatFor(n)
	if chatID == 0 {
		s.logger.Debug("No telegram chat for recipient, skipping",
			zap.String("kind", string(n.Kind)),
			zap.String("recipient", string(n.Recipient)))
		return nil
	}

	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      formatMessage(n),
		ParseMode: models.ParseModeHTML,
	}
	if n.Kind == KindAccessRequested && n.Recipient == RecipientAdmin && n.AccessRecordID != uuid.Nil {
		params.ReplyMarkup = ReviewKeyboard(n.AccessRecordID)
	}

	_, err := s.sender.SendMessage(ctx, params)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}

	return nil
}

func (s *TelegramSink) chatFor(n Notification) int64 {
	if n.Recipient == RecipientAdmin {
		return s.adminChatID
	}
	if n.ChatID != nil {
		return *n.ChatID
	}
	return 0
}

func formatMessage(n Notification) string {
	title := html.EscapeString(n.RequestTitle)
	if title == "" {
		title = n.RequestID.String()
	}

	switch n.Kind {
	case KindAccessRequested:
		return fmt.Sprintf("📥 <b>New access request</b>\n\nAgent %s asked for access to %s", n.AgentID, title)
	case KindAccessDecided:
		switch {
		case n.ChargeAmount > 0:
			return fmt.Sprintf("💳 <b>Access approved</b>\n\n%s\nCharge: %.2f", title, n.ChargeAmount)
		case n.Status == model.AccessStatusRejected:
			return fmt.Sprintf("❌ <b>Access rejected</b>\n\n%s", title)
		default:
			return fmt.Sprintf("✅ <b>Access granted</b>\n\n%s", title)
		}
	case KindRequestMatched:
		return fmt.Sprintf("🤝 <b>An agent picked up your request</b>\n\n%s", title)
	case KindPaymentSucceeded:
		return fmt.Sprintf("✅ <b>Payment received</b>\n\n%s", title)
	}

	return fmt.Sprintf("ℹ️ %s: %s", n.Kind, title)
}
