package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/craftlane/api/internal/domain"
	"github.com/craftlane/api/internal/platform/auth"
	"github.com/craftlane/api/internal/platform/pagination"
	"github.com/craftlane/api/internal/services"
)

type stubCustomizationService struct {
	createFn   func(context.Context, services.CreateCustomizationCommand) (domain.CustomizationRequest, error)
	getFn      func(context.Context, services.Actor, string) (domain.CustomizationRequest, error)
	listFn     func(context.Context, services.ListCustomizationsQuery) (domain.CursorPage[domain.CustomizationRequest], error)
	assignFn   func(context.Context, services.AssignDesignerCommand) (domain.CustomizationRequest, error)
	submitFn   func(context.Context, services.SubmitFinalDesignCommand) (domain.CustomizationRequest, error)
	approveFn  func(context.Context, services.ApproveDesignCommand) (services.ApprovalResult, error)
	rejectFn   func(context.Context, services.RejectDesignCommand) (domain.CustomizationRequest, error)
	cancelFn   func(context.Context, services.CancelCustomizationCommand) (domain.CustomizationRequest, error)
	postMsgFn  func(context.Context, services.PostMessageCommand) (domain.RequestMessage, error)
	listMsgsFn func(context.Context, services.Actor, string, services.Pagination) (domain.CursorPage[domain.RequestMessage], error)
}

func (s *stubCustomizationService) CreateRequest(ctx context.Context, cmd services.CreateCustomizationCommand) (domain.CustomizationRequest, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return domain.CustomizationRequest{}, errors.New("not implemented")
}

func (s *stubCustomizationService) GetRequest(ctx context.Context, actor services.Actor, requestID string) (domain.CustomizationRequest, error) {
	if s.getFn != nil {
		return s.getFn(ctx, actor, requestID)
	}
	return domain.CustomizationRequest{}, errors.New("not implemented")
}

func (s *stubCustomizationService) ListRequests(ctx context.Context, query services.ListCustomizationsQuery) (domain.CursorPage[domain.CustomizationRequest], error) {
	if s.listFn != nil {
		return s.listFn(ctx, query)
	}
	return domain.CursorPage[domain.CustomizationRequest]{}, nil
}

func (s *stubCustomizationService) AssignDesigner(ctx context.Context, cmd services.AssignDesignerCommand) (domain.CustomizationRequest, error) {
	if s.assignFn != nil {
		return s.assignFn(ctx, cmd)
	}
	return domain.CustomizationRequest{}, errors.New("not implemented")
}

func (s *stubCustomizationService) SubmitFinalDesign(ctx context.Context, cmd services.SubmitFinalDesignCommand) (domain.CustomizationRequest, error) {
	if s.submitFn != nil {
		return s.submitFn(ctx, cmd)
	}
	return domain.CustomizationRequest{}, errors.New("not implemented")
}

func (s *stubCustomizationService) ApproveDesign(ctx context.Context, cmd services.ApproveDesignCommand) (services.ApprovalResult, error) {
	if s.approveFn != nil {
		return s.approveFn(ctx, cmd)
	}
	return services.ApprovalResult{}, errors.New("not implemented")
}

func (s *stubCustomizationService) RejectDesign(ctx context.Context, cmd services.RejectDesignCommand) (domain.CustomizationRequest, error) {
	if s.rejectFn != nil {
		return s.rejectFn(ctx, cmd)
	}
	return domain.CustomizationRequest{}, errors.New("not implemented")
}

func (s *stubCustomizationService) CancelRequest(ctx context.Context, cmd services.CancelCustomizationCommand) (domain.CustomizationRequest, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return domain.CustomizationRequest{}, errors.New("not implemented")
}

func (s *stubCustomizationService) PostMessage(ctx context.Context, cmd services.PostMessageCommand) (domain.RequestMessage, error) {
	if s.postMsgFn != nil {
		return s.postMsgFn(ctx, cmd)
	}
	return domain.RequestMessage{}, errors.New("not implemented")
}

func (s *stubCustomizationService) ListMessages(ctx context.Context, actor services.Actor, requestID string, pager services.Pagination) (domain.CursorPage[domain.RequestMessage], error) {
	if s.listMsgsFn != nil {
		return s.listMsgsFn(ctx, actor, requestID, pager)
	}
	return domain.CursorPage[domain.RequestMessage]{}, nil
}

func newCustomizationRouter(service services.CustomizationService) chi.Router {
	handler := NewCustomizationHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/customizations", handler.Routes)
	return router
}

func authed(req *http.Request, uid string, roles ...string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid, Roles: roles}))
}

func sampleRequest() domain.CustomizationRequest {
	designer := "designer-1"
	return domain.CustomizationRequest{
		ID:            "creq_01TEST",
		RequestNumber: "CL-2026-000007",
		CustomerID:    "customer-1",
		DesignerID:    &designer,
		ProductID:     "prod-1",
		Status:        domain.RequestStatusAwaitingCustomerApproval,
		Pricing:       domain.PricingAgreement{DesignFee: 10000, Currency: "USD"},
		CreatedAt:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		UpdatedAt:     time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestCustomizationHandlersCreateRequest(t *testing.T) {
	var captured services.CreateCustomizationCommand
	service := &stubCustomizationService{
		createFn: func(ctx context.Context, cmd services.CreateCustomizationCommand) (domain.CustomizationRequest, error) {
			captured = cmd
			request := sampleRequest()
			request.Status = domain.RequestStatusPendingDesignerReview
			return request, nil
		},
	}
	router := newCustomizationRouter(service)

	body := `{"product_id":"prod-1","design_fee":10000,"currency":"USD","brief":"engrave initials"}`
	req := authed(httptest.NewRequest(http.MethodPost, "/customizations/", strings.NewReader(body)), "customer-1", auth.RoleCustomer)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Actor.ID != "customer-1" {
		t.Fatalf("expected actor customer-1, got %q", captured.Actor.ID)
	}
	if captured.ProductID != "prod-1" || captured.DesignFee != 10000 {
		t.Fatalf("unexpected command: %+v", captured)
	}
}

func TestCustomizationHandlersRequireAuthentication(t *testing.T) {
	router := newCustomizationRouter(&stubCustomizationService{})

	req := httptest.NewRequest(http.MethodGet, "/customizations/creq_01", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestCustomizationHandlersApproveDesign(t *testing.T) {
	var captured services.ApproveDesignCommand
	service := &stubCustomizationService{
		approveFn: func(ctx context.Context, cmd services.ApproveDesignCommand) (services.ApprovalResult, error) {
			captured = cmd
			request := sampleRequest()
			request.Status = domain.RequestStatusReadyForProduction
			return services.ApprovalResult{
				Request:         request,
				FinalDesignURL:  "https://cdn.craftlane.test/production/final.svg",
				PayoutProcessed: true,
			}, nil
		},
	}
	router := newCustomizationRouter(service)

	body := `{"messageId":"msg_7"}`
	req := authed(httptest.NewRequest(http.MethodPost, "/customizations/creq_01TEST/approve-design", strings.NewReader(body)), "customer-1", auth.RoleCustomer)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.MessageID == nil || *captured.MessageID != "msg_7" {
		t.Fatalf("expected message id msg_7, got %v", captured.MessageID)
	}

	var payload approvalResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != string(domain.RequestStatusReadyForProduction) {
		t.Fatalf("unexpected status %q", payload.Status)
	}
	if !payload.PayoutProcessed || payload.PayoutError != "" {
		t.Fatalf("unexpected payout fields: %+v", payload)
	}
	if payload.FinalDesignURL == "" {
		t.Fatalf("expected final design url")
	}
}

func TestCustomizationHandlersApproveDesignWithoutBody(t *testing.T) {
	service := &stubCustomizationService{
		approveFn: func(ctx context.Context, cmd services.ApproveDesignCommand) (services.ApprovalResult, error) {
			if cmd.MessageID != nil {
				t.Fatalf("expected nil message id, got %v", cmd.MessageID)
			}
			return services.ApprovalResult{Request: sampleRequest(), PayoutProcessed: true}, nil
		},
	}
	router := newCustomizationRouter(service)

	req := authed(httptest.NewRequest(http.MethodPost, "/customizations/creq_01TEST/approve-design", nil), "customer-1", auth.RoleCustomer)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestCustomizationHandlersApproveDesignPayoutFailure(t *testing.T) {
	service := &stubCustomizationService{
		approveFn: func(ctx context.Context, cmd services.ApproveDesignCommand) (services.ApprovalResult, error) {
			request := sampleRequest()
			request.Status = domain.RequestStatusReadyForProduction
			return services.ApprovalResult{
				Request:     request,
				PayoutError: "escrow: disbursement provider failure",
			}, nil
		},
	}
	router := newCustomizationRouter(service)

	req := authed(httptest.NewRequest(http.MethodPost, "/customizations/creq_01TEST/approve-design", nil), "customer-1", auth.RoleCustomer)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("approval with failed payout must still return 200, got %d", rr.Code)
	}
	var payload approvalResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.PayoutProcessed {
		t.Fatalf("expected payoutProcessed=false")
	}
	if payload.PayoutError == "" {
		t.Fatalf("expected payoutError detail")
	}
	if payload.Status != string(domain.RequestStatusReadyForProduction) {
		t.Fatalf("approval status must be reported, got %q", payload.Status)
	}
}

func TestCustomizationHandlersPatchActions(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		verify func(t *testing.T, service *stubCustomizationService)
	}{
		{
			name: "assign",
			body: `{"action":"assign","designer_id":"designer-2"}`,
		},
		{
			name: "uploadFinal",
			body: `{"action":"uploadFinal","final_file_ref":"final.svg","preview_file_ref":"preview.png"}`,
		},
		{
			name: "reject",
			body: `{"action":"reject","reason":"wrong font"}`,
		},
		{
			name: "cancel",
			body: `{"action":"cancel","reason":"no longer needed"}`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			service := &stubCustomizationService{
				assignFn: func(ctx context.Context, cmd services.AssignDesignerCommand) (domain.CustomizationRequest, error) {
					if cmd.DesignerID != "designer-2" {
						t.Fatalf("unexpected designer id %q", cmd.DesignerID)
					}
					return sampleRequest(), nil
				},
				submitFn: func(ctx context.Context, cmd services.SubmitFinalDesignCommand) (domain.CustomizationRequest, error) {
					if cmd.FinalFileRef != "final.svg" || cmd.PreviewFileRef != "preview.png" {
						t.Fatalf("unexpected refs: %+v", cmd)
					}
					return sampleRequest(), nil
				},
				rejectFn: func(ctx context.Context, cmd services.RejectDesignCommand) (domain.CustomizationRequest, error) {
					if cmd.Reason != "wrong font" {
						t.Fatalf("unexpected reason %q", cmd.Reason)
					}
					return sampleRequest(), nil
				},
				cancelFn: func(ctx context.Context, cmd services.CancelCustomizationCommand) (domain.CustomizationRequest, error) {
					if cmd.Reason != "no longer needed" {
						t.Fatalf("unexpected reason %q", cmd.Reason)
					}
					return sampleRequest(), nil
				},
			}
			router := newCustomizationRouter(service)

			req := authed(httptest.NewRequest(http.MethodPatch, "/customizations/creq_01TEST", strings.NewReader(tc.body)), "customer-1", auth.RoleCustomer)
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestCustomizationHandlersPatchUnknownAction(t *testing.T) {
	router := newCustomizationRouter(&stubCustomizationService{})

	req := authed(httptest.NewRequest(http.MethodPatch, "/customizations/creq_01TEST", strings.NewReader(`{"action":"ship"}`)), "customer-1", auth.RoleCustomer)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestCustomizationHandlersErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad", services.ErrCustomizationInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("%w: nope", services.ErrCustomizationUnauthorized), http.StatusForbidden},
		{fmt.Errorf("%w: gone", services.ErrCustomizationNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: raced", services.ErrCustomizationConflict), http.StatusConflict},
		{fmt.Errorf("%w: stuck", services.ErrCustomizationInvalidState), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		service := &stubCustomizationService{
			getFn: func(ctx context.Context, actor services.Actor, requestID string) (domain.CustomizationRequest, error) {
				return domain.CustomizationRequest{}, tc.err
			},
		}
		router := newCustomizationRouter(service)

		req := authed(httptest.NewRequest(http.MethodGet, "/customizations/creq_01TEST", nil), "customer-1", auth.RoleCustomer)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != tc.want {
			t.Fatalf("error %v: expected status %d, got %d", tc.err, tc.want, rr.Code)
		}
	}
}

func TestCustomizationHandlersListForwardsFilters(t *testing.T) {
	var captured services.ListCustomizationsQuery
	service := &stubCustomizationService{
		listFn: func(ctx context.Context, query services.ListCustomizationsQuery) (domain.CursorPage[domain.CustomizationRequest], error) {
			captured = query
			return domain.CursorPage[domain.CustomizationRequest]{Items: []domain.CustomizationRequest{sampleRequest()}, NextPageToken: "tok-next"}, nil
		},
	}
	router := newCustomizationRouter(service)

	token, err := pagination.EncodeToken(pagination.Cursor{StartAfter: []any{"2026-03-02T09:00:00Z", "creq_01TEST"}})
	if err != nil {
		t.Fatalf("encode token: %v", err)
	}

	target := "/customizations/?status=assigned,in_progress&pageSize=5&pageToken=" + token + "&orderBy=updatedAt:asc"
	req := authed(httptest.NewRequest(http.MethodGet, target, nil), "designer-1", auth.RoleDesigner)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(captured.Status) != 2 {
		t.Fatalf("expected 2 status filters, got %d", len(captured.Status))
	}
	if captured.Pagination.PageSize != 5 || captured.Pagination.PageToken != token {
		t.Fatalf("unexpected pagination: %+v", captured.Pagination)
	}
	if captured.Sort != domain.SortAsc {
		t.Fatalf("expected ascending sort, got %q", captured.Sort)
	}
}

func TestCustomizationHandlersListAppliesPaginationDefaults(t *testing.T) {
	var captured services.ListCustomizationsQuery
	service := &stubCustomizationService{
		listFn: func(ctx context.Context, query services.ListCustomizationsQuery) (domain.CursorPage[domain.CustomizationRequest], error) {
			captured = query
			return domain.CursorPage[domain.CustomizationRequest]{}, nil
		},
	}
	router := newCustomizationRouter(service)

	req := authed(httptest.NewRequest(http.MethodGet, "/customizations/", nil), "customer-1", auth.RoleCustomer)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Pagination.PageSize != defaultCustomizationPageSize {
		t.Fatalf("expected default page size %d, got %d", defaultCustomizationPageSize, captured.Pagination.PageSize)
	}
	if captured.Sort != domain.SortDesc {
		t.Fatalf("expected descending sort by default, got %q", captured.Sort)
	}

	rr = httptest.NewRecorder()
	req = authed(httptest.NewRequest(http.MethodGet, "/customizations/?pageSize=500", nil), "customer-1", auth.RoleCustomer)
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Pagination.PageSize != maxCustomizationPageSize {
		t.Fatalf("expected page size capped at %d, got %d", maxCustomizationPageSize, captured.Pagination.PageSize)
	}
}

func TestCustomizationHandlersListRejectsInvalidPagination(t *testing.T) {
	router := newCustomizationRouter(&stubCustomizationService{})

	cases := []struct {
		name  string
		query string
	}{
		{"unknown order direction", "?orderBy=updatedAt:sideways"},
		{"order field not allowed", "?orderBy=designFee"},
		{"zero page size", "?pageSize=0"},
		{"non numeric page size", "?pageSize=many"},
		{"malformed page token", "?pageToken=%21%21not-base64"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := authed(httptest.NewRequest(http.MethodGet, "/customizations/"+tc.query, nil), "customer-1", auth.RoleCustomer)
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestCustomizationHandlersListRejectsUnknownStatus(t *testing.T) {
	router := newCustomizationRouter(&stubCustomizationService{})

	req := authed(httptest.NewRequest(http.MethodGet, "/customizations/?status=shipped", nil), "customer-1", auth.RoleCustomer)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestCustomizationHandlersListMessagesForwardsPagination(t *testing.T) {
	var captured services.Pagination
	service := &stubCustomizationService{
		listMsgsFn: func(ctx context.Context, actor services.Actor, requestID string, pager services.Pagination) (domain.CursorPage[domain.RequestMessage], error) {
			captured = pager
			return domain.CursorPage[domain.RequestMessage]{}, nil
		},
	}
	router := newCustomizationRouter(service)

	req := authed(httptest.NewRequest(http.MethodGet, "/customizations/creq_01TEST/messages?pageSize=7", nil), "customer-1", auth.RoleCustomer)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.PageSize != 7 {
		t.Fatalf("expected page size 7, got %d", captured.PageSize)
	}

	// Messages are served in thread order, so orderBy is not accepted.
	req = authed(httptest.NewRequest(http.MethodGet, "/customizations/creq_01TEST/messages?orderBy=createdAt", nil), "customer-1", auth.RoleCustomer)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestCustomizationHandlersPostMessage(t *testing.T) {
	service := &stubCustomizationService{
		postMsgFn: func(ctx context.Context, cmd services.PostMessageCommand) (domain.RequestMessage, error) {
			return domain.RequestMessage{
				ID:        "msg_1",
				RequestID: cmd.RequestID,
				SenderID:  cmd.Actor.ID,
				Body:      cmd.Body,
				CreatedAt: time.Now(),
			}, nil
		},
	}
	router := newCustomizationRouter(service)

	req := authed(httptest.NewRequest(http.MethodPost, "/customizations/creq_01TEST/messages", strings.NewReader(`{"body":"looks great"}`)), "customer-1", auth.RoleCustomer)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
}
