package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/craftlane/api/internal/domain"
	"github.com/craftlane/api/internal/services"
)

type stubWebhookService struct {
	handleFn func(context.Context, []byte) (services.CallbackOutcome, error)
}

func (s *stubWebhookService) HandleCallback(ctx context.Context, payload []byte) (services.CallbackOutcome, error) {
	if s.handleFn != nil {
		return s.handleFn(ctx, payload)
	}
	return services.CallbackOutcome{}, errors.New("not implemented")
}

type stubVerifier struct {
	err error
}

func (v *stubVerifier) VerifyCallback(header http.Header, body []byte) error {
	return v.err
}

func newWebhookRouter(verifier CallbackVerifier, service services.DisbursementWebhookService) chi.Router {
	handler := NewWebhookHandlers(verifier, service)
	router := chi.NewRouter()
	router.Route("/webhooks", handler.Routes)
	return router
}

func TestWebhookHandlersAcknowledgesCallback(t *testing.T) {
	service := &stubWebhookService{
		handleFn: func(ctx context.Context, payload []byte) (services.CallbackOutcome, error) {
			return services.CallbackOutcome{Handled: true, Applied: true, RequestID: "creq_01", Role: domain.PayoutRoleDesigner}, nil
		},
	}
	router := newWebhookRouter(&stubVerifier{}, service)

	body := `{"id":"disb-1","externalId":"designer-payout-creq_01-1772447400000","status":"SUCCEEDED","amount":9000}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/disbursement", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"applied":true`) {
		t.Fatalf("expected applied ack, got %s", rr.Body.String())
	}
}

func TestWebhookHandlersRejectsBadSignature(t *testing.T) {
	called := false
	service := &stubWebhookService{
		handleFn: func(ctx context.Context, payload []byte) (services.CallbackOutcome, error) {
			called = true
			return services.CallbackOutcome{}, nil
		},
	}
	router := newWebhookRouter(&stubVerifier{err: errors.New("bad signature")}, service)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/disbursement", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	if called {
		t.Fatalf("unverified callback must not reach the service")
	}
}

func TestWebhookHandlersErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: %q", services.ErrWebhookUnknownReference, "oops"), http.StatusBadRequest},
		{fmt.Errorf("%w: empty body", services.ErrWebhookInvalidPayload), http.StatusBadRequest},
		{fmt.Errorf("%w: missing", services.ErrWebhookRequestNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: different id", services.ErrWebhookConflict), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		service := &stubWebhookService{
			handleFn: func(ctx context.Context, payload []byte) (services.CallbackOutcome, error) {
				return services.CallbackOutcome{}, tc.err
			},
		}
		router := newWebhookRouter(&stubVerifier{}, service)

		req := httptest.NewRequest(http.MethodPost, "/webhooks/disbursement", strings.NewReader(`{"id":"x"}`))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != tc.want {
			t.Fatalf("error %v: expected status %d, got %d", tc.err, tc.want, rr.Code)
		}
	}
}

type stubEscrowService struct {
	designerFn func(context.Context, string) (services.PayoutResult, error)
	shopFn     func(context.Context, string) (services.PayoutResult, error)
}

func (s *stubEscrowService) ReleaseDesignerPayout(ctx context.Context, requestID string) (services.PayoutResult, error) {
	if s.designerFn != nil {
		return s.designerFn(ctx, requestID)
	}
	return services.PayoutResult{}, errors.New("not implemented")
}

func (s *stubEscrowService) ReleaseShopPayout(ctx context.Context, requestID string) (services.PayoutResult, error) {
	if s.shopFn != nil {
		return s.shopFn(ctx, requestID)
	}
	return services.PayoutResult{}, errors.New("not implemented")
}

func TestInternalHandlersReleaseShopPayout(t *testing.T) {
	service := &stubEscrowService{
		shopFn: func(ctx context.Context, requestID string) (services.PayoutResult, error) {
			if requestID != "creq_01" {
				t.Fatalf("unexpected request id %q", requestID)
			}
			return services.PayoutResult{Reference: "shop-payout-creq_01-1772447400000", DisbursementID: "tr_9", Amount: 23000, Currency: "USD"}, nil
		},
	}
	handler := NewInternalHandlers(service)
	router := chi.NewRouter()
	router.Route("/internal", handler.Routes)

	req := httptest.NewRequest(http.MethodPost, "/internal/customizations/creq_01/release-shop-payout", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "shop-payout-creq_01-1772447400000") {
		t.Fatalf("expected payout reference in response, got %s", rr.Body.String())
	}
}

func TestInternalHandlersReleaseShopPayoutErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: missing", services.ErrEscrowNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: not ready", services.ErrEscrowInvalidState), http.StatusConflict},
		{fmt.Errorf("%w: stripe down", services.ErrEscrowUpstream), http.StatusBadGateway},
	}

	for _, tc := range cases {
		handler := NewInternalHandlers(&stubEscrowService{
			shopFn: func(ctx context.Context, requestID string) (services.PayoutResult, error) {
				return services.PayoutResult{}, tc.err
			},
		})
		router := chi.NewRouter()
		router.Route("/internal", handler.Routes)

		req := httptest.NewRequest(http.MethodPost, "/internal/customizations/creq_01/release-shop-payout", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != tc.want {
			t.Fatalf("error %v: expected status %d, got %d", tc.err, tc.want, rr.Code)
		}
	}
}
