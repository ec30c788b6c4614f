package httpapi

import (
	"net/http"

	"github.com/Freeeeeet/premarket_access/internal/metrics"
	"github.com/Freeeeeet/premarket_access/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Handler serves the access engine over HTTP
type Handler struct {
	access     *service.AccessService
	visibility *service.VisibilityService
	payments   *service.PaymentService
	reconciler *service.ReconciliationService
	logger     *zap.Logger
}

func NewHandler(
	access *service.AccessService,
	visibility *service.VisibilityService,
	payments *service.PaymentService,
	reconciler *service.ReconciliationService,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		access:     access,
		visibility: visibility,
		payments:   payments,
		reconciler: reconciler,
		logger:     logger,
	}
}

// NewRouter registers every route on a chi router
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.logger))

	r.Get("/health", h.health)
	r.Handle("/metrics", metrics.Handler())

	// Вебхук без сессии, защищён подписью
	r.Post("/webhooks/payments", h.paymentWebhook)

	r.Group(func(r chi.Router) {
		r.Use(identity)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(RoleAgent))

			r.Get("/requests/{id}", h.getRequestDetail)
			r.Get("/requests/{id}/access", h.getAccessSummary)
			r.Post("/requests/{id}/access", h.requestAccess)
			r.Post("/requests/{id}/match", h.matchRequest)
			r.Put("/requests/{id}/visibility", h.toggleVisibility)
			r.Post("/access/{id}/payment-intent", h.createPaymentIntent)
			r.Put("/agents/me/accepting", h.setAccepting)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireRole(RoleAdmin))

			r.Get("/access", h.listAccess)
			r.Post("/requests/{id}/access/decision", h.decideAccess)
			r.Post("/payments/{intentID}/reconcile", h.reconcilePayment)
		})
	})

	return r
}

// fail writes the mapped error response. 5xx are logged.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: msg})
}
