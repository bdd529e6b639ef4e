package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	domain "github.com/craftlane/api/internal/domain"
	"github.com/craftlane/api/internal/repositories"
)

type stubMessageRepo struct {
	messages  []domain.RequestMessage
	appendErr error
}

func (r *stubMessageRepo) Append(ctx context.Context, message domain.RequestMessage) error {
	if r.appendErr != nil {
		return r.appendErr
	}
	r.messages = append(r.messages, message)
	return nil
}

func (r *stubMessageRepo) FindByID(ctx context.Context, requestID string, messageID string) (domain.RequestMessage, error) {
	for _, message := range r.messages {
		if message.RequestID == requestID && message.ID == messageID {
			return message, nil
		}
	}
	return domain.RequestMessage{}, stubRepoError{notFound: true}
}

func (r *stubMessageRepo) ListByRequest(ctx context.Context, requestID string, pager domain.Pagination) (domain.CursorPage[domain.RequestMessage], error) {
	page := domain.CursorPage[domain.RequestMessage]{}
	for _, message := range r.messages {
		if message.RequestID == requestID {
			page.Items = append(page.Items, message)
		}
	}
	return page, nil
}

func (r *stubMessageRepo) LatestAttachment(ctx context.Context, requestID string) (domain.RequestMessage, error) {
	for i := len(r.messages) - 1; i >= 0; i-- {
		message := r.messages[i]
		if message.RequestID == requestID && message.AttachmentRef != nil {
			return message, nil
		}
	}
	return domain.RequestMessage{}, stubRepoError{notFound: true}
}

type stubCounterRepo struct {
	next int64
	err  error
}

func (r *stubCounterRepo) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if r.err != nil {
		return 0, r.err
	}
	r.next += step
	return r.next, nil
}

func (r *stubCounterRepo) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	return nil
}

type stubEscrow struct {
	calls  int
	lastID string
	result PayoutResult
	err    error
}

func (e *stubEscrow) ReleaseDesignerPayout(ctx context.Context, requestID string) (PayoutResult, error) {
	e.calls++
	e.lastID = requestID
	if e.err != nil {
		return PayoutResult{}, e.err
	}
	return e.result, nil
}

func (e *stubEscrow) ReleaseShopPayout(ctx context.Context, requestID string) (PayoutResult, error) {
	e.calls++
	e.lastID = requestID
	if e.err != nil {
		return PayoutResult{}, e.err
	}
	return e.result, nil
}

type stubArtifactStore struct {
	promoteErr        error
	signErr           error
	promotedRequestID string
}

func (s *stubArtifactStore) SignedURL(ctx context.Context, ref string) (string, error) {
	if s.signErr != nil {
		return "", s.signErr
	}
	return "https://cdn.craftlane.test/" + ref, nil
}

func (s *stubArtifactStore) PromoteToProduction(ctx context.Context, requestID, ref string) (string, error) {
	s.promotedRequestID = requestID
	if s.promoteErr != nil {
		return "", s.promoteErr
	}
	return "production/" + ref, nil
}

type serviceFixture struct {
	repo     *stubCustomizationRepo
	messages *stubMessageRepo
	counters *stubCounterRepo
	escrow   *stubEscrow
	events   *stubEventPublisher
	files    *stubArtifactStore
	now      time.Time
	svc      CustomizationService
}

func newServiceFixture(t *testing.T, requests ...domain.CustomizationRequest) *serviceFixture {
	t.Helper()
	fixture := &serviceFixture{
		repo:     newStubCustomizationRepo(requests...),
		messages: &stubMessageRepo{},
		counters: &stubCounterRepo{},
		escrow:   &stubEscrow{result: PayoutResult{Reference: "designer-payout-creq_01-1772447400000", DisbursementID: "tr_1", Amount: 9000, Currency: "USD"}},
		events:   &stubEventPublisher{},
		files:    &stubArtifactStore{},
		now:      time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC),
	}

	sequence := 0
	svc, err := NewCustomizationService(CustomizationServiceDeps{
		Customizations: fixture.repo,
		Messages:       fixture.messages,
		Counters:       fixture.counters,
		Escrow:         fixture.escrow,
		Files:          fixture.files,
		Events:         fixture.events,
		Clock:          func() time.Time { return fixture.now },
		IDGenerator: func() string {
			sequence++
			return fmt.Sprintf("01TEST%08d", sequence)
		},
	})
	if err != nil {
		t.Fatalf("new customization service: %v", err)
	}
	fixture.svc = svc
	return fixture
}

func customerActor() Actor { return Actor{ID: "customer-1", Roles: []string{RoleCustomer}} }
func designerActor() Actor { return Actor{ID: "designer-1", Roles: []string{RoleDesigner}} }

func awaitingRequest() domain.CustomizationRequest {
	request := payableRequest()
	request.Status = domain.RequestStatusAwaitingCustomerApproval
	final := "designs/creq_01/final.svg"
	preview := "designs/creq_01/preview.png"
	request.DesignerFinalFile = &final
	request.DesignerPreviewFile = &preview
	return request
}

func TestCreateRequestInitialisesAggregate(t *testing.T) {
	ctx := context.Background()
	fixture := newServiceFixture(t)

	request, err := fixture.svc.CreateRequest(ctx, CreateCustomizationCommand{
		Actor:     customerActor(),
		ProductID: "prod-1",
		DesignFee: 10000,
		Currency:  "usd",
		Brief:     "  Vintage <script>alert(1)</script> lettering  ",
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	if !strings.HasPrefix(request.ID, "creq_") {
		t.Fatalf("unexpected request id %q", request.ID)
	}
	if request.RequestNumber != "CL-2026-000001" {
		t.Fatalf("unexpected request number %q", request.RequestNumber)
	}
	if request.Status != domain.RequestStatusPendingDesignerReview {
		t.Fatalf("unexpected initial status %s", request.Status)
	}
	if request.Pricing.Currency != "USD" {
		t.Fatalf("expected normalised currency USD, got %q", request.Pricing.Currency)
	}
	if request.Payment == nil || request.Payment.PaymentStatus != domain.PaymentStatusPaid || request.Payment.PaidAmount != 10000 {
		t.Fatalf("expected captured payment details, got %+v", request.Payment)
	}
	if strings.Contains(request.Brief, "<script>") {
		t.Fatalf("brief was not sanitised: %q", request.Brief)
	}
	if len(fixture.events.byType(EventRequestCreated)) != 1 {
		t.Fatalf("expected request created event")
	}
}

func TestCreateRequestValidation(t *testing.T) {
	ctx := context.Background()
	fixture := newServiceFixture(t)

	cases := []CreateCustomizationCommand{
		{Actor: customerActor(), ProductID: "", DesignFee: 100, Currency: "USD"},
		{Actor: customerActor(), ProductID: "prod-1", DesignFee: 0, Currency: "USD"},
		{Actor: customerActor(), ProductID: "prod-1", DesignFee: 100, Currency: "florins"},
		{Actor: Actor{}, ProductID: "prod-1", DesignFee: 100, Currency: "USD"},
	}
	for i, cmd := range cases {
		if _, err := fixture.svc.CreateRequest(ctx, cmd); !errors.Is(err, ErrCustomizationInvalidInput) {
			t.Fatalf("case %d: expected ErrCustomizationInvalidInput, got %v", i, err)
		}
	}
}

func TestAssignDesignerSelfAssign(t *testing.T) {
	ctx := context.Background()
	request := payableRequest()
	request.Status = domain.RequestStatusPendingDesignerReview
	request.DesignerID = nil
	fixture := newServiceFixture(t, request)

	updated, err := fixture.svc.AssignDesigner(ctx, AssignDesignerCommand{Actor: designerActor(), RequestID: request.ID})
	if err != nil {
		t.Fatalf("assign designer: %v", err)
	}

	if updated.Status != domain.RequestStatusAssigned {
		t.Fatalf("expected assigned status, got %s", updated.Status)
	}
	if updated.DesignerID == nil || *updated.DesignerID != "designer-1" {
		t.Fatalf("expected self-assignment, got %v", updated.DesignerID)
	}
	if len(updated.StatusHistory) != 1 || updated.StatusHistory[0].To != domain.RequestStatusAssigned {
		t.Fatalf("expected one history entry to assigned, got %+v", updated.StatusHistory)
	}
	if len(fixture.events.byType(EventStatusChanged)) != 1 {
		t.Fatalf("expected status changed event")
	}
}

func TestAssignDesignerRejectsCustomer(t *testing.T) {
	ctx := context.Background()
	request := payableRequest()
	request.Status = domain.RequestStatusPendingDesignerReview
	fixture := newServiceFixture(t, request)

	_, err := fixture.svc.AssignDesigner(ctx, AssignDesignerCommand{Actor: customerActor(), RequestID: request.ID, DesignerID: "designer-1"})
	if !errors.Is(err, ErrCustomizationUnauthorized) {
		t.Fatalf("expected ErrCustomizationUnauthorized, got %v", err)
	}
}

func TestSubmitFinalDesignMovesToAwaitingApproval(t *testing.T) {
	ctx := context.Background()
	request := payableRequest()
	request.Status = domain.RequestStatusAssigned
	fixture := newServiceFixture(t, request)

	updated, err := fixture.svc.SubmitFinalDesign(ctx, SubmitFinalDesignCommand{
		Actor:          designerActor(),
		RequestID:      request.ID,
		FinalFileRef:   "designs/creq_01/final.svg",
		PreviewFileRef: "designs/creq_01/preview.png",
	})
	if err != nil {
		t.Fatalf("submit final design: %v", err)
	}

	if updated.Status != domain.RequestStatusAwaitingCustomerApproval {
		t.Fatalf("expected awaiting approval, got %s", updated.Status)
	}
	if len(updated.StatusHistory) != 2 {
		t.Fatalf("expected assigned->in_progress->awaiting history, got %+v", updated.StatusHistory)
	}
	if updated.DesignerFinalFile == nil || *updated.DesignerFinalFile != "designs/creq_01/final.svg" {
		t.Fatalf("final file not recorded: %v", updated.DesignerFinalFile)
	}
}

func TestSubmitFinalDesignRejectedRequestIsTerminal(t *testing.T) {
	ctx := context.Background()
	request := payableRequest()
	request.Status = domain.RequestStatusRejected
	fixture := newServiceFixture(t, request)

	_, err := fixture.svc.SubmitFinalDesign(ctx, SubmitFinalDesignCommand{
		Actor:          designerActor(),
		RequestID:      request.ID,
		FinalFileRef:   "designs/creq_01/final.svg",
		PreviewFileRef: "designs/creq_01/preview.png",
	})
	if !errors.Is(err, ErrCustomizationConflict) {
		t.Fatalf("expected ErrCustomizationConflict, got %v", err)
	}
}

func TestSubmitFinalDesignOnlyAssignedDesigner(t *testing.T) {
	ctx := context.Background()
	request := payableRequest()
	request.Status = domain.RequestStatusInProgress
	fixture := newServiceFixture(t, request)

	_, err := fixture.svc.SubmitFinalDesign(ctx, SubmitFinalDesignCommand{
		Actor:          Actor{ID: "designer-2", Roles: []string{RoleDesigner}},
		RequestID:      request.ID,
		FinalFileRef:   "a",
		PreviewFileRef: "b",
	})
	if !errors.Is(err, ErrCustomizationUnauthorized) {
		t.Fatalf("expected ErrCustomizationUnauthorized, got %v", err)
	}
}

func TestApproveDesignReleasesPayout(t *testing.T) {
	ctx := context.Background()
	fixture := newServiceFixture(t, awaitingRequest())

	result, err := fixture.svc.ApproveDesign(ctx, ApproveDesignCommand{Actor: customerActor(), RequestID: "creq_01"})
	if err != nil {
		t.Fatalf("approve design: %v", err)
	}

	if result.Request.Status != domain.RequestStatusReadyForProduction {
		t.Fatalf("expected ready_for_production, got %s", result.Request.Status)
	}
	if result.Request.ApprovedAt == nil || !result.Request.ApprovedAt.Equal(fixture.now) {
		t.Fatalf("expected approval timestamp, got %v", result.Request.ApprovedAt)
	}
	if !result.PayoutProcessed || result.PayoutError != "" {
		t.Fatalf("expected successful payout, got %+v", result)
	}
	if fixture.escrow.calls != 1 || fixture.escrow.lastID != "creq_01" {
		t.Fatalf("expected one escrow call for creq_01, got %d for %q", fixture.escrow.calls, fixture.escrow.lastID)
	}
	if !strings.HasPrefix(result.FinalDesignURL, "https://cdn.craftlane.test/production/") {
		t.Fatalf("expected promoted signed url, got %q", result.FinalDesignURL)
	}
	if fixture.files.promotedRequestID != "creq_01" {
		t.Fatalf("expected promotion scoped to creq_01, got %q", fixture.files.promotedRequestID)
	}
	if len(fixture.events.byType(EventDesignApproved)) != 1 {
		t.Fatalf("expected design approved event")
	}
	if len(fixture.events.byType(EventPayoutRequested)) != 1 {
		t.Fatalf("expected payout requested event")
	}
	if len(fixture.events.byType(EventReadyForProduction)) != 1 {
		t.Fatalf("expected ready for production event for shop-backed request")
	}
}

func TestApproveDesignSurvivesPayoutFailure(t *testing.T) {
	ctx := context.Background()
	fixture := newServiceFixture(t, awaitingRequest())
	fixture.escrow.err = fmt.Errorf("%w: stripe unavailable", ErrEscrowUpstream)

	result, err := fixture.svc.ApproveDesign(ctx, ApproveDesignCommand{Actor: customerActor(), RequestID: "creq_01"})
	if err != nil {
		t.Fatalf("approval must not fail on payout errors, got %v", err)
	}

	if result.Request.Status != domain.RequestStatusReadyForProduction {
		t.Fatalf("approval must stand despite payout failure, got %s", result.Request.Status)
	}
	if result.PayoutProcessed {
		t.Fatalf("expected payoutProcessed=false")
	}
	if result.PayoutError == "" {
		t.Fatalf("expected payout error detail")
	}
	if stored := fixture.repo.requests["creq_01"]; stored.Status != domain.RequestStatusReadyForProduction {
		t.Fatalf("stored status rolled back to %s", stored.Status)
	}
	if len(fixture.events.byType(EventPayoutFailed)) != 1 {
		t.Fatalf("expected payout failed event")
	}
	if len(fixture.events.byType(EventDesignApproved)) != 1 {
		t.Fatalf("approval event must still fire")
	}
}

func TestApproveDesignGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("wrong actor", func(t *testing.T) {
		fixture := newServiceFixture(t, awaitingRequest())
		_, err := fixture.svc.ApproveDesign(ctx, ApproveDesignCommand{Actor: designerActor(), RequestID: "creq_01"})
		if !errors.Is(err, ErrCustomizationUnauthorized) {
			t.Fatalf("expected ErrCustomizationUnauthorized, got %v", err)
		}
		if fixture.escrow.calls != 0 {
			t.Fatalf("escrow must not be called on authorization failure")
		}
	})

	t.Run("stale status", func(t *testing.T) {
		request := awaitingRequest()
		request.Status = domain.RequestStatusInProgress
		fixture := newServiceFixture(t, request)
		_, err := fixture.svc.ApproveDesign(ctx, ApproveDesignCommand{Actor: customerActor(), RequestID: "creq_01"})
		if !errors.Is(err, ErrCustomizationConflict) {
			t.Fatalf("expected ErrCustomizationConflict, got %v", err)
		}
	})

	t.Run("concurrent approval loses", func(t *testing.T) {
		fixture := newServiceFixture(t, awaitingRequest())
		fixture.repo.updateErr = stubRepoError{conflict: true}
		_, err := fixture.svc.ApproveDesign(ctx, ApproveDesignCommand{Actor: customerActor(), RequestID: "creq_01"})
		if !errors.Is(err, ErrCustomizationConflict) {
			t.Fatalf("expected ErrCustomizationConflict, got %v", err)
		}
		if fixture.escrow.calls != 0 {
			t.Fatalf("losing approval must not trigger a payout")
		}
	})

	t.Run("no artifact on record", func(t *testing.T) {
		request := awaitingRequest()
		request.DesignerFinalFile = nil
		fixture := newServiceFixture(t, request)
		_, err := fixture.svc.ApproveDesign(ctx, ApproveDesignCommand{Actor: customerActor(), RequestID: "creq_01"})
		if !errors.Is(err, ErrCustomizationInvalidInput) {
			t.Fatalf("expected ErrCustomizationInvalidInput, got %v", err)
		}
	})
}

func TestApproveDesignUsesMessageAttachment(t *testing.T) {
	ctx := context.Background()
	fixture := newServiceFixture(t, awaitingRequest())
	attachment := "designs/creq_01/revision-3.svg"
	fixture.messages.messages = append(fixture.messages.messages, domain.RequestMessage{
		ID:            "msg_1",
		RequestID:     "creq_01",
		SenderID:      "designer-1",
		AttachmentRef: &attachment,
		CreatedAt:     fixture.now,
	})

	messageID := "msg_1"
	result, err := fixture.svc.ApproveDesign(ctx, ApproveDesignCommand{Actor: customerActor(), RequestID: "creq_01", MessageID: &messageID})
	if err != nil {
		t.Fatalf("approve design: %v", err)
	}
	if result.Request.DesignerFinalFile == nil || *result.Request.DesignerFinalFile != attachment {
		t.Fatalf("expected approved artifact %q, got %v", attachment, result.Request.DesignerFinalFile)
	}
}

func TestRejectDesignSendsBackForRevision(t *testing.T) {
	ctx := context.Background()
	fixture := newServiceFixture(t, awaitingRequest())

	updated, err := fixture.svc.RejectDesign(ctx, RejectDesignCommand{Actor: customerActor(), RequestID: "creq_01", Reason: "kerning is off"})
	if err != nil {
		t.Fatalf("reject design: %v", err)
	}

	if updated.Status != domain.RequestStatusInProgress {
		t.Fatalf("expected in_progress after customer rejection, got %s", updated.Status)
	}
	if updated.RejectionReason == nil || *updated.RejectionReason != "kerning is off" {
		t.Fatalf("expected rejection reason recorded, got %v", updated.RejectionReason)
	}
}

func TestRejectDesignDeclinesPendingRequest(t *testing.T) {
	ctx := context.Background()
	request := payableRequest()
	request.Status = domain.RequestStatusPendingDesignerReview
	fixture := newServiceFixture(t, request)

	updated, err := fixture.svc.RejectDesign(ctx, RejectDesignCommand{Actor: designerActor(), RequestID: request.ID, Reason: "outside my style"})
	if err != nil {
		t.Fatalf("decline request: %v", err)
	}
	if updated.Status != domain.RequestStatusRejected {
		t.Fatalf("expected rejected status, got %s", updated.Status)
	}
}

func TestRejectDesignGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("customer only while awaiting", func(t *testing.T) {
		fixture := newServiceFixture(t, awaitingRequest())
		_, err := fixture.svc.RejectDesign(ctx, RejectDesignCommand{Actor: designerActor(), RequestID: "creq_01", Reason: "x"})
		if !errors.Is(err, ErrCustomizationUnauthorized) {
			t.Fatalf("expected ErrCustomizationUnauthorized, got %v", err)
		}
	})

	t.Run("terminal status", func(t *testing.T) {
		fixture := newServiceFixture(t, payableRequest())
		_, err := fixture.svc.RejectDesign(ctx, RejectDesignCommand{Actor: customerActor(), RequestID: "creq_01", Reason: "x"})
		if !errors.Is(err, ErrCustomizationConflict) {
			t.Fatalf("expected ErrCustomizationConflict, got %v", err)
		}
	})

	t.Run("reason required", func(t *testing.T) {
		fixture := newServiceFixture(t, awaitingRequest())
		_, err := fixture.svc.RejectDesign(ctx, RejectDesignCommand{Actor: customerActor(), RequestID: "creq_01", Reason: "  "})
		if !errors.Is(err, ErrCustomizationInvalidInput) {
			t.Fatalf("expected ErrCustomizationInvalidInput, got %v", err)
		}
	})
}

func TestCancelRequestGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("cancel pending request", func(t *testing.T) {
		request := payableRequest()
		request.Status = domain.RequestStatusPendingDesignerReview
		fixture := newServiceFixture(t, request)

		updated, err := fixture.svc.CancelRequest(ctx, CancelCustomizationCommand{Actor: customerActor(), RequestID: request.ID, Reason: "changed my mind"})
		if err != nil {
			t.Fatalf("cancel request: %v", err)
		}
		if updated.Status != domain.RequestStatusCancelled {
			t.Fatalf("expected cancelled, got %s", updated.Status)
		}
		if updated.CancelledAt == nil {
			t.Fatalf("expected cancellation timestamp")
		}
		if updated.Metadata["cancelReason"] != "changed my mind" {
			t.Fatalf("expected cancel reason recorded, got %q", updated.Metadata["cancelReason"])
		}
	})

	t.Run("ready request cannot be cancelled", func(t *testing.T) {
		fixture := newServiceFixture(t, payableRequest())
		_, err := fixture.svc.CancelRequest(ctx, CancelCustomizationCommand{Actor: customerActor(), RequestID: "creq_01"})
		if !errors.Is(err, ErrCustomizationInvalidState) {
			t.Fatalf("expected ErrCustomizationInvalidState, got %v", err)
		}
	})

	t.Run("strangers cannot cancel", func(t *testing.T) {
		request := payableRequest()
		request.Status = domain.RequestStatusInProgress
		fixture := newServiceFixture(t, request)
		_, err := fixture.svc.CancelRequest(ctx, CancelCustomizationCommand{Actor: Actor{ID: "other", Roles: []string{RoleCustomer}}, RequestID: request.ID})
		if !errors.Is(err, ErrCustomizationUnauthorized) {
			t.Fatalf("expected ErrCustomizationUnauthorized, got %v", err)
		}
	})
}

func TestPostMessageSanitisesBody(t *testing.T) {
	ctx := context.Background()
	request := payableRequest()
	request.Status = domain.RequestStatusInProgress
	fixture := newServiceFixture(t, request)

	message, err := fixture.svc.PostMessage(ctx, PostMessageCommand{
		Actor:     customerActor(),
		RequestID: request.ID,
		Body:      `see attached <img src=x onerror=alert(1)> draft`,
	})
	if err != nil {
		t.Fatalf("post message: %v", err)
	}

	if strings.Contains(message.Body, "onerror") {
		t.Fatalf("body was not sanitised: %q", message.Body)
	}
	if !strings.HasPrefix(message.ID, "msg_") {
		t.Fatalf("unexpected message id %q", message.ID)
	}
	if len(fixture.messages.messages) != 1 {
		t.Fatalf("expected message stored")
	}
}

func TestListRequestsScopesByRole(t *testing.T) {
	ctx := context.Background()
	fixture := newServiceFixture(t, payableRequest())

	if _, err := fixture.svc.ListRequests(ctx, ListCustomizationsQuery{Actor: customerActor()}); err != nil {
		t.Fatalf("list requests: %v", err)
	}
	if _, err := fixture.svc.ListRequests(ctx, ListCustomizationsQuery{Actor: Actor{}}); !errors.Is(err, ErrCustomizationInvalidInput) {
		t.Fatalf("expected ErrCustomizationInvalidInput for anonymous actor, got %v", err)
	}
}

func TestGetRequestAuthorisesReader(t *testing.T) {
	ctx := context.Background()
	fixture := newServiceFixture(t, payableRequest())

	if _, err := fixture.svc.GetRequest(ctx, customerActor(), "creq_01"); err != nil {
		t.Fatalf("customer read: %v", err)
	}
	if _, err := fixture.svc.GetRequest(ctx, designerActor(), "creq_01"); err != nil {
		t.Fatalf("assigned designer read: %v", err)
	}
	if _, err := fixture.svc.GetRequest(ctx, Actor{ID: "stranger", Roles: []string{RoleCustomer}}, "creq_01"); !errors.Is(err, ErrCustomizationUnauthorized) {
		t.Fatalf("expected ErrCustomizationUnauthorized for stranger, got %v", err)
	}
	if _, err := fixture.svc.GetRequest(ctx, customerActor(), "creq_missing"); !errors.Is(err, ErrCustomizationNotFound) {
		t.Fatalf("expected ErrCustomizationNotFound, got %v", err)
	}
}
