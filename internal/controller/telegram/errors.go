package telegram

import (
	"errors"

	"github.com/Freeeeeet/premarket_access/internal/model"
)

var (
	ErrNotAdminChat  = errors.New("message is not from the admin chat")
	ErrInvalidFormat = errors.New("invalid command format")
)

// ErrorMessage возвращает текст ошибки для чата
func ErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrNotAdminChat):
		return "⛔ This bot only accepts commands from the admin chat"
	case errors.Is(err, ErrInvalidFormat):
		return "❌ Usage: /charge <record_id> <amount>"
	case errors.Is(err, model.ErrAccessRecordNotFound):
		return "❌ Access record not found"
	case errors.Is(err, model.ErrInvalidAmount):
		return "❌ Amount must be a positive number"
	case errors.Is(err, model.ErrNotFound):
		return "❌ Not found"
	case errors.Is(err, model.ErrBadRequest):
		return "❌ Invalid input"
	default:
		return "❌ Something went wrong"
	}
}
