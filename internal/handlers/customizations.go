package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/craftlane/api/internal/domain"
	"github.com/craftlane/api/internal/platform/auth"
	"github.com/craftlane/api/internal/platform/httpx"
	"github.com/craftlane/api/internal/platform/pagination"
	"github.com/craftlane/api/internal/services"
)

const (
	defaultCustomizationPageSize = 20
	maxCustomizationPageSize     = 100
	maxCustomizationBodySize     = 64 * 1024
)

var validRequestStatuses = map[domain.RequestStatus]struct{}{
	domain.RequestStatusPendingDesignerReview:    {},
	domain.RequestStatusAssigned:                 {},
	domain.RequestStatusInProgress:               {},
	domain.RequestStatusAwaitingCustomerApproval: {},
	domain.RequestStatusReadyForProduction:       {},
	domain.RequestStatusRejected:                 {},
	domain.RequestStatusCancelled:                {},
}

// Patch actions accepted on PATCH /customizations/{id}.
const (
	actionAssign      = "assign"
	actionUploadFinal = "uploadFinal"
	actionApprove     = "approve"
	actionReject      = "reject"
	actionCancel      = "cancel"
)

type createCustomizationRequest struct {
	ProductID      string            `json:"product_id"`
	PrintingShopID *string           `json:"printing_shop_id"`
	DesignFee      int64             `json:"design_fee"`
	Currency       string            `json:"currency"`
	Brief          string            `json:"brief"`
	Metadata       map[string]string `json:"metadata"`
}

type patchCustomizationRequest struct {
	Action         string  `json:"action"`
	DesignerID     string  `json:"designer_id"`
	FinalFileRef   string  `json:"final_file_ref"`
	PreviewFileRef string  `json:"preview_file_ref"`
	MessageID      *string `json:"message_id"`
	Reason         string  `json:"reason"`
}

type approveDesignRequest struct {
	MessageID *string `json:"messageId"`
}

type postMessageRequest struct {
	Body          string  `json:"body"`
	AttachmentRef *string `json:"attachment_ref"`
}

// CustomizationHandlers exposes the customization request lifecycle endpoints.
type CustomizationHandlers struct {
	authn          *auth.Authenticator
	customizations services.CustomizationService
}

// NewCustomizationHandlers constructs a new CustomizationHandlers instance.
func NewCustomizationHandlers(authn *auth.Authenticator, customizations services.CustomizationService) *CustomizationHandlers {
	return &CustomizationHandlers{
		authn:          authn,
		customizations: customizations,
	}
}

// Routes registers the /customizations endpoints.
func (h *CustomizationHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/", h.createRequest)
	r.With(paginationMiddleware(pagination.Options{
		DefaultPageSize:    defaultCustomizationPageSize,
		MaxPageSize:        maxCustomizationPageSize,
		AllowedOrderFields: []string{"updatedAt"},
	})).Get("/", h.listRequests)
	r.Get("/{requestID}", h.getRequest)
	r.Patch("/{requestID}", h.patchRequest)
	r.Post("/{requestID}/approve-design", h.approveDesign)
	r.Post("/{requestID}/messages", h.postMessage)
	r.With(paginationMiddleware(pagination.Options{
		DefaultPageSize: defaultCustomizationPageSize,
		MaxPageSize:     maxCustomizationPageSize,
	})).Get("/{requestID}/messages", h.listMessages)
}

// paginationMiddleware parses pageSize, pageToken, and orderBy up front so
// list handlers read validated values off the context.
func paginationMiddleware(opts pagination.Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			params, err := pagination.FromRequest(r, opts)
			if err != nil {
				httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
				return
			}
			next.ServeHTTP(w, r.WithContext(pagination.WithParams(r.Context(), params)))
		})
	}
}

func (h *CustomizationHandlers) createRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := h.requireActor(ctx, w)
	if !ok {
		return
	}

	var req createCustomizationRequest
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	request, err := h.customizations.CreateRequest(ctx, services.CreateCustomizationCommand{
		Actor:          actor,
		ProductID:      strings.TrimSpace(req.ProductID),
		PrintingShopID: req.PrintingShopID,
		DesignFee:      req.DesignFee,
		Currency:       req.Currency,
		Brief:          req.Brief,
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeCustomizationError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, customizationResponse{Request: buildCustomizationPayload(request)})
}

func (h *CustomizationHandlers) listRequests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := h.requireActor(ctx, w)
	if !ok {
		return
	}

	query := r.URL.Query()
	statuses, err := parseStatusFilters(query["status"])
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	var dateRange domain.RangeQuery[time.Time]
	if raw := strings.TrimSpace(query.Get("createdAfter")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "createdAfter must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("createdBefore")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "createdBefore must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.To = &ts
	}

	params := pagination.FromContextOrDefault(ctx)
	sort := domain.SortDesc
	if len(params.Orders) > 0 && !params.Orders[0].Desc {
		sort = domain.SortAsc
	}

	page, err := h.customizations.ListRequests(ctx, services.ListCustomizationsQuery{
		Actor:     actor,
		Status:    statuses,
		DateRange: dateRange,
		Sort:      sort,
		Pagination: services.Pagination{
			PageSize:  params.PageSize,
			PageToken: params.PageToken,
		},
	})
	if err != nil {
		writeCustomizationError(ctx, w, err)
		return
	}

	items := make([]customizationSummaryPayload, 0, len(page.Items))
	for _, request := range page.Items {
		items = append(items, buildCustomizationSummary(request))
	}
	writeJSONResponse(w, http.StatusOK, customizationListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *CustomizationHandlers) getRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := h.requireActor(ctx, w)
	if !ok {
		return
	}
	requestID, ok := requireRequestID(ctx, w, r)
	if !ok {
		return
	}

	request, err := h.customizations.GetRequest(ctx, actor, requestID)
	if err != nil {
		writeCustomizationError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, customizationResponse{Request: buildCustomizationPayload(request)})
}

func (h *CustomizationHandlers) patchRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := h.requireActor(ctx, w)
	if !ok {
		return
	}
	requestID, ok := requireRequestID(ctx, w, r)
	if !ok {
		return
	}

	var req patchCustomizationRequest
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	var (
		request domain.CustomizationRequest
		err     error
	)
	switch strings.TrimSpace(req.Action) {
	case actionAssign:
		request, err = h.customizations.AssignDesigner(ctx, services.AssignDesignerCommand{
			Actor:      actor,
			RequestID:  requestID,
			DesignerID: req.DesignerID,
		})
	case actionUploadFinal:
		request, err = h.customizations.SubmitFinalDesign(ctx, services.SubmitFinalDesignCommand{
			Actor:          actor,
			RequestID:      requestID,
			FinalFileRef:   req.FinalFileRef,
			PreviewFileRef: req.PreviewFileRef,
		})
	case actionApprove:
		var result services.ApprovalResult
		result, err = h.customizations.ApproveDesign(ctx, services.ApproveDesignCommand{
			Actor:     actor,
			RequestID: requestID,
			MessageID: req.MessageID,
		})
		if err == nil {
			writeJSONResponse(w, http.StatusOK, buildApprovalResponse(result))
			return
		}
	case actionReject:
		request, err = h.customizations.RejectDesign(ctx, services.RejectDesignCommand{
			Actor:     actor,
			RequestID: requestID,
			Reason:    req.Reason,
		})
	case actionCancel:
		request, err = h.customizations.CancelRequest(ctx, services.CancelCustomizationCommand{
			Actor:     actor,
			RequestID: requestID,
			Reason:    req.Reason,
		})
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "action must be one of assign, uploadFinal, approve, reject, cancel", http.StatusBadRequest))
		return
	}
	if err != nil {
		writeCustomizationError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, customizationResponse{Request: buildCustomizationPayload(request)})
}

func (h *CustomizationHandlers) approveDesign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := h.requireActor(ctx, w)
	if !ok {
		return
	}
	requestID, ok := requireRequestID(ctx, w, r)
	if !ok {
		return
	}

	var req approveDesignRequest
	body, err := readLimitedBody(r, maxCustomizationBodySize)
	switch {
	case errors.Is(err, errEmptyBody):
		// approval without a message reference
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	case err != nil:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	default:
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	}

	result, err := h.customizations.ApproveDesign(ctx, services.ApproveDesignCommand{
		Actor:     actor,
		RequestID: requestID,
		MessageID: req.MessageID,
	})
	if err != nil {
		writeCustomizationError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildApprovalResponse(result))
}

func (h *CustomizationHandlers) postMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := h.requireActor(ctx, w)
	if !ok {
		return
	}
	requestID, ok := requireRequestID(ctx, w, r)
	if !ok {
		return
	}

	var req postMessageRequest
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	message, err := h.customizations.PostMessage(ctx, services.PostMessageCommand{
		Actor:         actor,
		RequestID:     requestID,
		Body:          req.Body,
		AttachmentRef: req.AttachmentRef,
	})
	if err != nil {
		writeCustomizationError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, messageResponse{Message: buildMessagePayload(message)})
}

func (h *CustomizationHandlers) listMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := h.requireActor(ctx, w)
	if !ok {
		return
	}
	requestID, ok := requireRequestID(ctx, w, r)
	if !ok {
		return
	}

	params := pagination.FromContextOrDefault(ctx)
	page, err := h.customizations.ListMessages(ctx, actor, requestID, services.Pagination{
		PageSize:  params.PageSize,
		PageToken: params.PageToken,
	})
	if err != nil {
		writeCustomizationError(ctx, w, err)
		return
	}

	items := make([]messagePayload, 0, len(page.Items))
	for _, message := range page.Items {
		items = append(items, buildMessagePayload(message))
	}
	writeJSONResponse(w, http.StatusOK, messageListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *CustomizationHandlers) requireActor(ctx context.Context, w http.ResponseWriter) (services.Actor, bool) {
	if h.customizations == nil {
		httpx.WriteError(ctx, w, httpx.NewError("customization_service_unavailable", "customization service unavailable", http.StatusServiceUnavailable))
		return services.Actor{}, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return services.Actor{}, false
	}
	return services.Actor{ID: strings.TrimSpace(identity.UID), Roles: identity.Roles}, true
}

func (h *CustomizationHandlers) decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, target any) bool {
	body, err := readLimitedBody(r, maxCustomizationBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, target); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func requireRequestID(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	requestID := strings.TrimSpace(chi.URLParam(r, "requestID"))
	if requestID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request id is required", http.StatusBadRequest))
		return "", false
	}
	return requestID, true
}

type customizationListResponse struct {
	Items         []customizationSummaryPayload `json:"items"`
	NextPageToken string                        `json:"next_page_token,omitempty"`
}

type customizationSummaryPayload struct {
	ID            string `json:"id"`
	RequestNumber string `json:"request_number"`
	Status        string `json:"status"`
	ProductID     string `json:"product_id"`
	DesignFee     int64  `json:"design_fee"`
	Currency      string `json:"currency"`
	CreatedAt     string `json:"created_at"`
}

type customizationResponse struct {
	Request customizationPayload `json:"request"`
}

type customizationPayload struct {
	ID                  string                `json:"id"`
	RequestNumber       string                `json:"request_number"`
	CustomerID          string                `json:"customer_id"`
	DesignerID          *string               `json:"designer_id,omitempty"`
	PrintingShopID      *string               `json:"printing_shop_id,omitempty"`
	ProductID           string                `json:"product_id"`
	Status              string                `json:"status"`
	DesignFee           int64                 `json:"design_fee"`
	Currency            string                `json:"currency"`
	Payment             *paymentPayload       `json:"payment,omitempty"`
	DesignerFinalFile   *string               `json:"designer_final_file,omitempty"`
	DesignerPreviewFile *string               `json:"designer_preview_file,omitempty"`
	RejectionReason     *string               `json:"rejection_reason,omitempty"`
	Brief               string                `json:"brief,omitempty"`
	StatusHistory       []statusChangePayload `json:"status_history,omitempty"`
	Metadata            map[string]string     `json:"metadata,omitempty"`
	ApprovedAt          string                `json:"approved_at,omitempty"`
	CancelledAt         string                `json:"cancelled_at,omitempty"`
	CreatedAt           string                `json:"created_at"`
	UpdatedAt           string                `json:"updated_at,omitempty"`
}

type paymentPayload struct {
	Status           string `json:"status"`
	PaidAmount       int64  `json:"paid_amount"`
	DesignerPayoutID string `json:"designer_payout_id,omitempty"`
	DesignerPaidAt   string `json:"designer_paid_at,omitempty"`
	ShopPayoutID     string `json:"shop_payout_id,omitempty"`
	ShopPaidAt       string `json:"shop_paid_at,omitempty"`
}

type statusChangePayload struct {
	From    string `json:"from"`
	To      string `json:"to"`
	ActorID string `json:"actor_id"`
	At      string `json:"at"`
}

type approvalResponse struct {
	Status          string `json:"status"`
	FinalDesignURL  string `json:"finalDesignUrl,omitempty"`
	PayoutProcessed bool   `json:"payoutProcessed"`
	PayoutError     string `json:"payoutError,omitempty"`
}

type messageResponse struct {
	Message messagePayload `json:"message"`
}

type messageListResponse struct {
	Items         []messagePayload `json:"items"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}

type messagePayload struct {
	ID            string  `json:"id"`
	RequestID     string  `json:"request_id"`
	SenderID      string  `json:"sender_id"`
	Body          string  `json:"body,omitempty"`
	AttachmentRef *string `json:"attachment_ref,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

func buildCustomizationSummary(request domain.CustomizationRequest) customizationSummaryPayload {
	return customizationSummaryPayload{
		ID:            strings.TrimSpace(request.ID),
		RequestNumber: strings.TrimSpace(request.RequestNumber),
		Status:        string(request.Status),
		ProductID:     strings.TrimSpace(request.ProductID),
		DesignFee:     request.Pricing.DesignFee,
		Currency:      strings.ToUpper(strings.TrimSpace(request.Pricing.Currency)),
		CreatedAt:     formatTime(request.CreatedAt),
	}
}

func buildCustomizationPayload(request domain.CustomizationRequest) customizationPayload {
	payload := customizationPayload{
		ID:                  strings.TrimSpace(request.ID),
		RequestNumber:       strings.TrimSpace(request.RequestNumber),
		CustomerID:          strings.TrimSpace(request.CustomerID),
		DesignerID:          cloneStringPointer(request.DesignerID),
		PrintingShopID:      cloneStringPointer(request.PrintingShopID),
		ProductID:           strings.TrimSpace(request.ProductID),
		Status:              string(request.Status),
		DesignFee:           request.Pricing.DesignFee,
		Currency:            strings.ToUpper(strings.TrimSpace(request.Pricing.Currency)),
		DesignerFinalFile:   cloneStringPointer(request.DesignerFinalFile),
		DesignerPreviewFile: cloneStringPointer(request.DesignerPreviewFile),
		RejectionReason:     cloneStringPointer(request.RejectionReason),
		Brief:               request.Brief,
		Metadata:            request.Metadata,
		ApprovedAt:          formatTime(pointerTime(request.ApprovedAt)),
		CancelledAt:         formatTime(pointerTime(request.CancelledAt)),
		CreatedAt:           formatTime(request.CreatedAt),
		UpdatedAt:           formatTime(request.UpdatedAt),
	}

	if request.Payment != nil {
		payment := &paymentPayload{
			Status:         string(request.Payment.PaymentStatus),
			PaidAmount:     request.Payment.PaidAmount,
			DesignerPaidAt: formatTime(pointerTime(request.Payment.DesignerPaidAt)),
			ShopPaidAt:     formatTime(pointerTime(request.Payment.ShopPaidAt)),
		}
		if request.Payment.DesignerPayoutID != nil {
			payment.DesignerPayoutID = *request.Payment.DesignerPayoutID
		}
		if request.Payment.ShopPayoutID != nil {
			payment.ShopPayoutID = *request.Payment.ShopPayoutID
		}
		payload.Payment = payment
	}

	for _, change := range request.StatusHistory {
		payload.StatusHistory = append(payload.StatusHistory, statusChangePayload{
			From:    string(change.From),
			To:      string(change.To),
			ActorID: change.ActorID,
			At:      formatTime(change.At),
		})
	}

	return payload
}

func buildMessagePayload(message domain.RequestMessage) messagePayload {
	return messagePayload{
		ID:            strings.TrimSpace(message.ID),
		RequestID:     strings.TrimSpace(message.RequestID),
		SenderID:      strings.TrimSpace(message.SenderID),
		Body:          message.Body,
		AttachmentRef: cloneStringPointer(message.AttachmentRef),
		CreatedAt:     formatTime(message.CreatedAt),
	}
}

func buildApprovalResponse(result services.ApprovalResult) approvalResponse {
	return approvalResponse{
		Status:          string(result.Request.Status),
		FinalDesignURL:  result.FinalDesignURL,
		PayoutProcessed: result.PayoutProcessed,
		PayoutError:     result.PayoutError,
	}
}

func parseStatusFilters(values []string) ([]domain.RequestStatus, error) {
	raw := parseFilterValues(values)
	if len(raw) == 0 {
		return nil, nil
	}
	statuses := make([]domain.RequestStatus, 0, len(raw))
	for _, value := range raw {
		status := domain.RequestStatus(value)
		if _, ok := validRequestStatuses[status]; !ok {
			return nil, errors.New("status filter contains an unknown status " + strconv.Quote(value))
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func writeCustomizationError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCustomizationInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCustomizationUnauthorized):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", err.Error(), http.StatusForbidden))
	case errors.Is(err, services.ErrCustomizationNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("customization_not_found", "customization request not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCustomizationConflict):
		httpx.WriteError(ctx, w, httpx.NewError("customization_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCustomizationInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("customization_invalid_state", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("customization_error", "failed to process customization request", http.StatusInternalServerError))
	}
}
