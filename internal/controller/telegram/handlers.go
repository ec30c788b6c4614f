package telegram

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/Freeeeeet/premarket_access/internal/model"
	"github.com/Freeeeeet/premarket_access/internal/notify"
	"github.com/Freeeeeet/premarket_access/internal/service"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const pendingPageSize = 10

const helpText = `<b>Access review</b>

/pending - pending access requests with review buttons
/charge &lt;record_id&gt; &lt;amount&gt; - approve with a charge`

func (c *BotController) isAdminChat(chatID int64) bool {
	return c.adminChatID != 0 && chatID == c.adminChatID
}

func (c *BotController) reply(ctx context.Context, chatID int64, text string, markup models.ReplyMarkup) {
	_, err := c.api.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      chatID,
		Text:        text,
		ParseMode:   models.ParseModeHTML,
		ReplyMarkup: markup,
	})
	if err != nil {
		c.logger.Error("Failed to send message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

// ============ Команды ============

func (c *BotController) handleHelp(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID
	if !c.isAdminChat(chatID) {
		c.reply(ctx, chatID, ErrorMessage(ErrNotAdminChat), nil)
		return
	}
	c.reply(ctx, chatID, helpText, nil)
}

func (c *BotController) handlePending(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID
	if !c.isAdminChat(chatID) {
		c.reply(ctx, chatID, ErrorMessage(ErrNotAdminChat), nil)
		return
	}

	records, err := c.access.ListAccessRecords(ctx, model.AccessStatusPending, pendingPageSize)
	if err != nil {
		c.logger.Error("Failed to list pending access", zap.Error(err))
		c.reply(ctx, chatID, ErrorMessage(err), nil)
		return
	}

	if len(records) == 0 {
		c.reply(ctx, chatID, "📭 No pending access requests", nil)
		return
	}

	for _, rec := range records {
		c.reply(ctx, chatID, formatPending(rec), notify.ReviewKeyboard(rec.ID))
	}
}

func (c *BotController) handleCharge(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID
	if !c.isAdminChat(chatID) {
		c.reply(ctx, chatID, ErrorMessage(ErrNotAdminChat), nil)
		return
	}

	recordID, amount, err := parseChargeCommand(update.Message.Text)
	if err != nil {
		c.reply(ctx, chatID, ErrorMessage(err), nil)
		return
	}

	rec, err := c.decide(ctx, recordID, service.ActionCharge, amount)
	if err != nil {
		c.reply(ctx, chatID, ErrorMessage(err), nil)
		return
	}
	c.reply(ctx, chatID, formatDecided(rec), nil)
}

// parseChargeCommand разбирает "/charge <record_id> <amount>"
func parseChargeCommand(text string) (uuid.UUID, float64, error) {
	parts := strings.Fields(text)
	if len(parts) != 3 || parts[0] != "/charge" {
		return uuid.Nil, 0, ErrInvalidFormat
	}

	recordID, err := uuid.Parse(parts[1])
	if err != nil {
		return uuid.Nil, 0, ErrInvalidFormat
	}

	amount, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return uuid.Nil, 0, ErrInvalidFormat
	}

	return recordID, amount, nil
}

// ============ Кнопки ============

func (c *BotController) handleCallback(ctx context.Context, _ *bot.Bot, update *models.Update) {
	callback := update.CallbackQuery
	if callback == nil {
		return
	}

	msg := callback.Message.Message
	if msg == nil || !c.isAdminChat(msg.Chat.ID) {
		c.answer(ctx, callback.ID, ErrorMessage(ErrNotAdminChat), true)
		return
	}

	action, recordID, err := parseReviewCallback(callback.Data)
	if err != nil {
		c.logger.Warn("Bad review callback", zap.String("data", callback.Data), zap.Error(err))
		c.answer(ctx, callback.ID, ErrorMessage(err), true)
		return
	}

	rec, err := c.decide(ctx, recordID, action, 0)
	if err != nil {
		c.answer(ctx, callback.ID, ErrorMessage(err), true)
		return
	}
	c.answer(ctx, callback.ID, "Done", false)

	// Убираем кнопки, чтобы решение не нажали второй раз
	_, err = c.api.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    msg.Chat.ID,
		MessageID: msg.ID,
		Text:      formatDecided(rec),
		ParseMode: models.ParseModeHTML,
	})
	if err != nil {
		c.logger.Warn("Failed to update review message", zap.Error(err))
	}
}

func (c *BotController) answer(ctx context.Context, callbackID, text string, alert bool) {
	_, err := c.api.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
		ShowAlert:       alert,
	})
	if err != nil {
		c.logger.Warn("Failed to answer callback", zap.Error(err))
	}
}

// parseReviewCallback извлекает действие и ID записи из callback data
func parseReviewCallback(data string) (service.AdminAction, uuid.UUID, error) {
	var (
		action service.AdminAction
		raw    string
	)
	switch {
	case strings.HasPrefix(data, notify.CallbackApproveFree):
		action, raw = service.ActionApprove, strings.TrimPrefix(data, notify.CallbackApproveFree)
	case strings.HasPrefix(data, notify.CallbackReject):
		action, raw = service.ActionReject, strings.TrimPrefix(data, notify.CallbackReject)
	default:
		return "", uuid.Nil, ErrInvalidFormat
	}

	recordID, err := uuid.Parse(raw)
	if err != nil {
		return "", uuid.Nil, ErrInvalidFormat
	}
	return action, recordID, nil
}

func (c *BotController) decide(ctx context.Context, recordID uuid.UUID, action service.AdminAction, amount float64) (*model.AccessRecord, error) {
	rec, err := c.access.AdminDecideRecord(ctx, recordID, service.DecisionInput{
		AdminID:      c.adminID,
		Action:       action,
		IsFree:       action == service.ActionApprove,
		ChargeAmount: amount,
		Notes:        "telegram",
	})
	if err != nil {
		c.logger.Error("Telegram decision failed",
			zap.String("access_record_id", recordID.String()),
			zap.String("action", string(action)),
			zap.Error(err))
		return nil, err
	}
	return rec, nil
}

// ============ Форматирование ============

func formatPending(rec *model.AccessRecord) string {
	return fmt.Sprintf("📥 <b>Pending access</b>\n\nRecord: <code>%s</code>\nAgent: <code>%s</code>\nRequest: <code>%s</code>\nSince: %s",
		rec.ID, rec.AgentID, rec.RequestID, html.EscapeString(rec.CreatedAt.Format("2006-01-02 15:04")))
}

func formatDecided(rec *model.AccessRecord) string {
	switch {
	case rec.Status == model.AccessStatusRejected:
		return fmt.Sprintf("❌ <b>Rejected</b>\n\nRecord: <code>%s</code>", rec.ID)
	case rec.AwaitsPayment():
		return fmt.Sprintf("💳 <b>Charge %.2f %s</b>\n\nRecord: <code>%s</code>",
			rec.Payment.Amount, strings.ToUpper(rec.Payment.Currency), rec.ID)
	default:
		return fmt.Sprintf("✅ <b>Access %s</b>\n\nRecord: <code>%s</code>", rec.Status, rec.ID)
	}
}
