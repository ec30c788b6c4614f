package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/Freeeeeet/premarket_access/internal/model"
	"github.com/Freeeeeet/premarket_access/internal/service"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SignatureHeader carries the gateway webhook signature
const SignatureHeader = "Stripe-Signature"

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ============ Вебхуки ============

func (h *Handler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "cannot read body"})
		return
	}

	if err := h.reconciler.HandleWebhook(r.Context(), payload, r.Header.Get(SignatureHeader)); err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// ============ Агент ============

func (h *Handler) getRequestDetail(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	requestID, err := uuidParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	detail, err := h.access.GetRequestDetail(r.Context(), caller.ID, requestID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) getAccessSummary(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	requestID, err := uuidParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	summary, err := h.access.GetAgentAccessSummary(r.Context(), caller.ID, requestID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) requestAccess(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	requestID, err := uuidParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	rec, err := h.access.RequestAccess(r.Context(), caller.ID, requestID)
	if err != nil {
		// Конфликт отдаём вместе с существующей записью
		if rec != nil && errors.Is(err, model.ErrConflict) {
			writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), AccessRecord: rec})
			return
		}
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) matchRequest(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	requestID, err := uuidParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	rec, err := h.visibility.MatchRequestForAgent(r.Context(), caller.ID, requestID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type visibilityBody struct {
	Visibility model.Visibility `json:"visibility"`
}

func (h *Handler) toggleVisibility(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	requestID, err := uuidParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var body visibilityBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.fail(w, r, err)
		return
	}

	req, err := h.visibility.ToggleShareVisibility(r.Context(), caller.ID, requestID, body.Visibility)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) createPaymentIntent(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	recordID, err := uuidParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ref, err := h.payments.CreatePaymentIntent(r.Context(), caller.ID, recordID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ref)
}

type acceptingBody struct {
	Accepting *bool `json:"accepting"`
}

func (h *Handler) setAccepting(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	var body acceptingBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	if body.Accepting == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "accepting is required"})
		return
	}

	agent, err := h.access.SetAcceptingRequests(r.Context(), caller.ID, *body.Accepting)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// ============ Админ ============

func (h *Handler) listAccess(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if raw := q.Get("request_id"); raw != "" {
		requestID, err := uuid.Parse(raw)
		if err != nil {
			h.fail(w, r, model.ErrInvalidIdentifier)
			return
		}
		records, err := h.access.ListRequestAccess(r.Context(), requestID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, records)
		return
	}

	status := model.AccessStatus(q.Get("status"))
	if status == "" {
		status = model.AccessStatusPending
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}

	records, err := h.access.ListAccessRecords(r.Context(), status, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) decideAccess(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	requestID, err := uuidParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var in service.DecisionInput
	if err := decodeJSON(w, r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	in.AdminID = caller.ID

	rec, err := h.access.AdminDecideAccess(r.Context(), requestID, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) reconcilePayment(w http.ResponseWriter, r *http.Request) {
	intentID := chiParam(r, "intentID")
	if intentID == "" {
		h.fail(w, r, model.ErrInvalidIdentifier)
		return
	}

	if err := h.reconciler.ReconcilePaymentIntent(r.Context(), intentID); err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.Info("Admin reconciled payment intent", zap.String("intent_id", intentID))
	writeJSON(w, http.StatusOK, map[string]string{"intent_id": intentID, "status": "reconciled"})
}
