package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/craftlane/api/internal/platform/httpx"
	"github.com/craftlane/api/internal/services"
)

const maxWebhookBodySize = 256 * 1024

// CallbackVerifier authenticates an incoming disbursement callback before the
// body is acted upon. Satisfied by *disbursements.Manager.
type CallbackVerifier interface {
	VerifyCallback(header http.Header, body []byte) error
}

// WebhookHandlers exposes provider callback endpoints.
type WebhookHandlers struct {
	verifier      CallbackVerifier
	disbursements services.DisbursementWebhookService
}

// NewWebhookHandlers constructs a new WebhookHandlers instance.
func NewWebhookHandlers(verifier CallbackVerifier, disbursements services.DisbursementWebhookService) *WebhookHandlers {
	return &WebhookHandlers{
		verifier:      verifier,
		disbursements: disbursements,
	}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/disbursement", h.handleDisbursement)
}

func (h *WebhookHandlers) handleDisbursement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.disbursements == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_service_unavailable", "webhook service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return
	}

	if h.verifier != nil {
		if err := h.verifier.VerifyCallback(r.Header, body); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "callback signature verification failed", http.StatusUnauthorized))
			return
		}
	}

	outcome, err := h.disbursements.HandleCallback(ctx, body)
	if err != nil {
		writeWebhookError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, disbursementAckResponse{
		Received: true,
		Applied:  outcome.Applied,
		Test:     outcome.Test,
		Reason:   outcome.Reason,
	})
}

type disbursementAckResponse struct {
	Received bool   `json:"received"`
	Applied  bool   `json:"applied"`
	Test     bool   `json:"test,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func writeWebhookError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrWebhookUnknownReference):
		httpx.WriteError(ctx, w, httpx.NewError("unknown_external_id", "unknown external id format", http.StatusBadRequest))
	case errors.Is(err, services.ErrWebhookInvalidPayload):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrWebhookRequestNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("customization_not_found", "customization request not found", http.StatusNotFound))
	case errors.Is(err, services.ErrWebhookConflict):
		httpx.WriteError(ctx, w, httpx.NewError("webhook_conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to process disbursement callback", http.StatusInternalServerError))
	}
}
