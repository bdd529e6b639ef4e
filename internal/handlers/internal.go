package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/craftlane/api/internal/platform/httpx"
	"github.com/craftlane/api/internal/services"
)

// InternalHandlers exposes operator-facing endpoints mounted behind
// service-to-service authentication.
type InternalHandlers struct {
	escrow services.EscrowService
}

// NewInternalHandlers constructs a new InternalHandlers instance.
func NewInternalHandlers(escrow services.EscrowService) *InternalHandlers {
	return &InternalHandlers{escrow: escrow}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/customizations/{requestID}/release-shop-payout", h.releaseShopPayout)
}

func (h *InternalHandlers) releaseShopPayout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.escrow == nil {
		httpx.WriteError(ctx, w, httpx.NewError("escrow_service_unavailable", "escrow service unavailable", http.StatusServiceUnavailable))
		return
	}
	requestID, ok := requireRequestID(ctx, w, r)
	if !ok {
		return
	}

	result, err := h.escrow.ReleaseShopPayout(ctx, requestID)
	if err != nil {
		writeEscrowError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, payoutResponse{
		Reference:       result.Reference,
		DisbursementID:  result.DisbursementID,
		Amount:          result.Amount,
		Currency:        result.Currency,
		AlreadyReleased: result.AlreadyReleased,
	})
}

type payoutResponse struct {
	Reference       string `json:"reference"`
	DisbursementID  string `json:"disbursement_id,omitempty"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency,omitempty"`
	AlreadyReleased bool   `json:"already_released"`
}

func writeEscrowError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrEscrowInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrEscrowNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("customization_not_found", "customization request not found", http.StatusNotFound))
	case errors.Is(err, services.ErrEscrowInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("escrow_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrEscrowConflict):
		httpx.WriteError(ctx, w, httpx.NewError("escrow_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrEscrowUpstream):
		httpx.WriteError(ctx, w, httpx.NewError("disbursement_unavailable", "disbursement provider is unavailable", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("escrow_error", "failed to release payout", http.StatusInternalServerError))
	}
}
