package telegram

import (
	"context"

	"github.com/Freeeeeet/premarket_access/internal/notify"
	"github.com/Freeeeeet/premarket_access/internal/service"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// botAPI is the part of *bot.Bot the controller calls
type botAPI interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*models.Message, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
}

// BotController is the admin review channel: it accepts commands and button
// presses only from the admin chat and acts as adminID.
type BotController struct {
	bot         *bot.Bot
	api         botAPI
	access      *service.AccessService
	adminChatID int64
	adminID     uuid.UUID
	logger      *zap.Logger
}

func NewBotController(
	botInstance *bot.Bot,
	access *service.AccessService,
	adminChatID int64,
	adminID uuid.UUID,
	logger *zap.Logger,
) *BotController {
	return &BotController{
		bot:         botInstance,
		api:         botInstance,
		access:      access,
		adminChatID: adminChatID,
		adminID:     adminID,
		logger:      logger,
	}
}

// RegisterHandlers регистрирует все обработчики команд
func (c *BotController) RegisterHandlers(ctx context.Context) error {
	c.bot.RegisterHandler(bot.HandlerTypeMessageText, "/start", bot.MatchTypeExact, c.handleHelp)
	c.bot.RegisterHandler(bot.HandlerTypeMessageText, "/help", bot.MatchTypeExact, c.handleHelp)
	c.bot.RegisterHandler(bot.HandlerTypeMessageText, "/pending", bot.MatchTypeExact, c.handlePending)
	c.bot.RegisterHandler(bot.HandlerTypeMessageText, "/charge", bot.MatchTypePrefix, c.handleCharge)

	// Кнопки из уведомлений о новых заявках
	c.bot.RegisterHandler(bot.HandlerTypeCallbackQueryData, notify.CallbackApproveFree, bot.MatchTypePrefix, c.handleCallback)
	c.bot.RegisterHandler(bot.HandlerTypeCallbackQueryData, notify.CallbackReject, bot.MatchTypePrefix, c.handleCallback)

	return c.setCommands(ctx)
}

// setCommands устанавливает список команд в меню бота
func (c *BotController) setCommands(ctx context.Context) error {
	commands := []models.BotCommand{
		{Command: "pending", Description: "📥 Pending access requests"},
		{Command: "charge", Description: "💳 Charge: /charge <record_id> <amount>"},
		{Command: "help", Description: "❓ Help"},
	}

	_, err := c.bot.SetMyCommands(ctx, &bot.SetMyCommandsParams{
		Commands: commands,
	})
	if err != nil {
		c.logger.Error("Failed to set bot commands", zap.Error(err))
		return err
	}

	c.logger.Info("Bot commands menu set")
	return nil
}

// Start запускает long polling, блокируется до отмены ctx
func (c *BotController) Start(ctx context.Context) {
	c.logger.Info("Starting admin review bot", zap.Int64("admin_chat_id", c.adminChatID))
	c.bot.Start(ctx)
}
