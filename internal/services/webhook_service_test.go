package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/craftlane/api/internal/domain"
)

type stubEventPublisher struct {
	events []CustomizationEvent
	err    error
}

func (p *stubEventPublisher) PublishCustomizationEvent(ctx context.Context, event CustomizationEvent) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *stubEventPublisher) byType(eventType string) []CustomizationEvent {
	var matched []CustomizationEvent
	for _, event := range p.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func newTestWebhookService(t *testing.T, repo *stubCustomizationRepo, events *stubEventPublisher, now time.Time) DisbursementWebhookService {
	t.Helper()
	svc, err := NewDisbursementWebhookService(DisbursementWebhookServiceDeps{
		Customizations: repo,
		Events:         events,
		Clock:          func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new webhook service: %v", err)
	}
	return svc
}

func TestHandleCallbackAppliesSuccessfulDisbursement(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	repo := newStubCustomizationRepo(payableRequest())
	events := &stubEventPublisher{}
	svc := newTestWebhookService(t, repo, events, now)

	payload := []byte(`{"event":"disbursement.updated","data":{"id":"disb-1","externalId":"designer-payout-creq_01-1772447400000","status":"SUCCEEDED","amount":9000}}`)
	outcome, err := svc.HandleCallback(ctx, payload)
	if err != nil {
		t.Fatalf("handle callback: %v", err)
	}

	if !outcome.Handled || !outcome.Applied {
		t.Fatalf("expected handled and applied outcome, got %+v", outcome)
	}
	if outcome.RequestID != "creq_01" || outcome.Role != domain.PayoutRoleDesigner {
		t.Fatalf("unexpected reconciliation target: %+v", outcome)
	}

	stored := repo.requests["creq_01"]
	if stored.Payment.DesignerPayoutID == nil || *stored.Payment.DesignerPayoutID != "disb-1" {
		t.Fatalf("expected designer payout id recorded")
	}
	if stored.Payment.DesignerPaidAt == nil || !stored.Payment.DesignerPaidAt.Equal(now) {
		t.Fatalf("expected designer paid timestamp %v, got %v", now, stored.Payment.DesignerPaidAt)
	}
	if stored.Status != domain.RequestStatusReadyForProduction {
		t.Fatalf("webhook must never change the request status, got %s", stored.Status)
	}
	if len(events.byType(EventPayoutCompleted)) != 1 {
		t.Fatalf("expected one payout completed event, got %d", len(events.byType(EventPayoutCompleted)))
	}
}

func TestHandleCallbackIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newStubCustomizationRepo(payableRequest())
	events := &stubEventPublisher{}
	svc := newTestWebhookService(t, repo, events, time.Now())

	payload := []byte(`{"id":"disb-1","externalId":"designer-payout-creq_01-1772447400000","status":"completed","amount":9000}`)
	if _, err := svc.HandleCallback(ctx, payload); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	outcome, err := svc.HandleCallback(ctx, payload)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	if !outcome.Handled {
		t.Fatalf("expected redelivery to be acknowledged")
	}
	if outcome.Applied {
		t.Fatalf("redelivery must not apply again")
	}
	if len(events.byType(EventPayoutCompleted)) != 1 {
		t.Fatalf("expected a single payout completed event, got %d", len(events.byType(EventPayoutCompleted)))
	}
}

func TestHandleCallbackBatchPayload(t *testing.T) {
	ctx := context.Background()
	repo := newStubCustomizationRepo(payableRequest())
	events := &stubEventPublisher{}
	svc := newTestWebhookService(t, repo, events, time.Now())

	payload := []byte(`[
		{"disbursementId":"disb-1","external_id":"designer-payout-creq_01-1772447400000","state":"PAID","amount":"9000"},
		{"disbursementId":"disb-2","external_id":"shop-payout-creq_01-1772450000000","state":"SETTLED","amount":23000}
	]`)
	outcome, err := svc.HandleCallback(ctx, payload)
	if err != nil {
		t.Fatalf("handle callback: %v", err)
	}
	if !outcome.Applied {
		t.Fatalf("expected batch to apply")
	}

	stored := repo.requests["creq_01"]
	if stored.Payment.DesignerPayoutID == nil || stored.Payment.ShopPayoutID == nil {
		t.Fatalf("expected both payout roles recorded")
	}
	if *stored.Payment.ShopPayoutID != "disb-2" {
		t.Fatalf("unexpected shop payout id %q", *stored.Payment.ShopPayoutID)
	}
}

func TestHandleCallbackFailureEmitsEventWithoutLedgerWrite(t *testing.T) {
	ctx := context.Background()
	repo := newStubCustomizationRepo(payableRequest())
	events := &stubEventPublisher{}
	svc := newTestWebhookService(t, repo, events, time.Now())

	payload := []byte(`{"id":"disb-9","externalId":"designer-payout-creq_01-1772447400000","status":"FAILED","failureCode":"INSUFFICIENT_BALANCE"}`)
	outcome, err := svc.HandleCallback(ctx, payload)
	if err != nil {
		t.Fatalf("handle callback: %v", err)
	}

	if !outcome.Handled || outcome.Applied {
		t.Fatalf("expected handled but unapplied outcome, got %+v", outcome)
	}
	if outcome.Reason != "INSUFFICIENT_BALANCE" {
		t.Fatalf("unexpected reason %q", outcome.Reason)
	}

	stored := repo.requests["creq_01"]
	if stored.Payment.DesignerPayoutID != nil || stored.Payment.DesignerPaidAt != nil {
		t.Fatalf("failure must not touch the payout ledger")
	}
	failed := events.byType(EventDisbursementFailed)
	if len(failed) != 1 {
		t.Fatalf("expected one disbursement failed event, got %d", len(failed))
	}
	if failed[0].Payload["failureCode"] != "INSUFFICIENT_BALANCE" {
		t.Fatalf("unexpected failure code in event payload: %v", failed[0].Payload["failureCode"])
	}
}

func TestHandleCallbackTestDelivery(t *testing.T) {
	ctx := context.Background()
	repo := newStubCustomizationRepo(payableRequest())
	events := &stubEventPublisher{}
	svc := newTestWebhookService(t, repo, events, time.Now())

	for _, externalID := range []string{
		"0af7651c-4f3b-4c11-9e2b-121a6bde0ad1",
		"test-payout",
		"placeholder",
	} {
		payload := []byte(`{"id":"disb-test","externalId":"` + externalID + `","status":"SUCCEEDED","amount":1}`)
		outcome, err := svc.HandleCallback(ctx, payload)
		if err != nil {
			t.Fatalf("handle callback %q: %v", externalID, err)
		}
		if !outcome.Test || !outcome.Handled {
			t.Fatalf("expected %q to be acknowledged as test delivery, got %+v", externalID, outcome)
		}
	}
	if len(events.events) != 0 {
		t.Fatalf("test deliveries must not publish events")
	}

	stored := repo.requests["creq_01"]
	if stored.Payment.DesignerPayoutID != nil {
		t.Fatalf("test deliveries must not touch the ledger")
	}
}

func TestHandleCallbackUnknownReference(t *testing.T) {
	ctx := context.Background()
	svc := newTestWebhookService(t, newStubCustomizationRepo(payableRequest()), &stubEventPublisher{}, time.Now())

	for _, externalID := range []string{
		"designer-payout-creq_01",
		"designer-refund-creq_01-1772447400000",
		"vendor-payout-creq_01-1772447400000",
		"designer-payout-creq_01-notmillis",
	} {
		payload := []byte(`{"id":"disb-1","externalId":"` + externalID + `","status":"SUCCEEDED"}`)
		_, err := svc.HandleCallback(ctx, payload)
		if !errors.Is(err, ErrWebhookUnknownReference) {
			t.Fatalf("expected ErrWebhookUnknownReference for %q, got %v", externalID, err)
		}
	}
}

func TestHandleCallbackMalformedPayload(t *testing.T) {
	ctx := context.Background()
	svc := newTestWebhookService(t, newStubCustomizationRepo(), &stubEventPublisher{}, time.Now())

	for _, payload := range []string{
		"",
		"not json",
		`{"event":"disbursement.updated","data":"nope"}`,
		`{"status":"SUCCEEDED"}`,
	} {
		_, err := svc.HandleCallback(ctx, []byte(payload))
		if !errors.Is(err, ErrWebhookInvalidPayload) {
			t.Fatalf("expected ErrWebhookInvalidPayload for %q, got %v", payload, err)
		}
	}
}

func TestHandleCallbackUnknownRequest(t *testing.T) {
	ctx := context.Background()
	svc := newTestWebhookService(t, newStubCustomizationRepo(), &stubEventPublisher{}, time.Now())

	payload := []byte(`{"id":"disb-1","externalId":"designer-payout-creq_gone-1772447400000","status":"SUCCEEDED"}`)
	_, err := svc.HandleCallback(ctx, payload)
	if !errors.Is(err, ErrWebhookRequestNotFound) {
		t.Fatalf("expected ErrWebhookRequestNotFound, got %v", err)
	}
}
