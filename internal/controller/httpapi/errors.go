package httpapi

import (
	"errors"
	"net/http"

	"github.com/Freeeeeet/premarket_access/internal/model"
)

// statusFor maps domain errors onto HTTP status codes and a user message
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, model.ErrBadRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, model.ErrInvalidSignature):
		return http.StatusBadRequest, "invalid signature"
	case errors.Is(err, model.ErrUpstreamUnavailable):
		return http.StatusBadGateway, "payment gateway unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
