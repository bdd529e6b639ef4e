package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"golang.org/x/text/currency"

	domain "github.com/craftlane/api/internal/domain"
	"github.com/craftlane/api/internal/platform/textutil"
	"github.com/craftlane/api/internal/repositories"
)

const (
	requestIDPrefix = "creq_"
	messageIDPrefix = "msg_"
	eventIDPrefix   = "evt_"
)

var (
	// ErrCustomizationInvalidInput signals the caller provided invalid data.
	ErrCustomizationInvalidInput = errors.New("customization: invalid input")
	// ErrCustomizationNotFound indicates the request could not be located.
	ErrCustomizationNotFound = errors.New("customization: not found")
	// ErrCustomizationInvalidState indicates an invalid status transition was attempted.
	ErrCustomizationInvalidState = errors.New("customization: invalid status transition")
	// ErrCustomizationConflict indicates the status moved underneath the caller.
	ErrCustomizationConflict = errors.New("customization: conflict")
	// ErrCustomizationUnauthorized indicates the actor is not entitled to the action.
	ErrCustomizationUnauthorized = errors.New("customization: actor not authorized")
)

var requestStateTransitions = map[domain.RequestStatus][]domain.RequestStatus{
	domain.RequestStatusPendingDesignerReview: {
		domain.RequestStatusAssigned,
		domain.RequestStatusRejected,
		domain.RequestStatusCancelled,
	},
	domain.RequestStatusAssigned: {
		domain.RequestStatusInProgress,
		domain.RequestStatusCancelled,
	},
	domain.RequestStatusInProgress: {
		domain.RequestStatusAwaitingCustomerApproval,
		domain.RequestStatusCancelled,
	},
	domain.RequestStatusAwaitingCustomerApproval: {
		domain.RequestStatusReadyForProduction,
		domain.RequestStatusInProgress,
		domain.RequestStatusCancelled,
	},
}

var cancellableStatuses = []domain.RequestStatus{
	domain.RequestStatusPendingDesignerReview,
	domain.RequestStatusAssigned,
	domain.RequestStatusInProgress,
	domain.RequestStatusAwaitingCustomerApproval,
}

// CustomizationServiceDeps bundles collaborators required to construct the service.
type CustomizationServiceDeps struct {
	Customizations repositories.CustomizationRepository
	Messages       repositories.MessageRepository
	Counters       repositories.CounterRepository
	Escrow         EscrowService
	Files          DesignArtifactStore
	Events         CustomizationEventPublisher
	Sanitize       func(string) string
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type customizationService struct {
	customizations repositories.CustomizationRepository
	messages       repositories.MessageRepository
	counters       repositories.CounterRepository
	escrow         EscrowService
	files          DesignArtifactStore
	events         CustomizationEventPublisher
	sanitize       func(string) string
	clock          func() time.Time
	newID          func() string
	logger         func(context.Context, string, map[string]any)
}

// NewCustomizationService wires dependencies into a concrete CustomizationService implementation.
func NewCustomizationService(deps CustomizationServiceDeps) (CustomizationService, error) {
	if deps.Customizations == nil {
		return nil, errors.New("customization service: customization repository is required")
	}
	if deps.Messages == nil {
		return nil, errors.New("customization service: message repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("customization service: counter repository is required")
	}
	if deps.Escrow == nil {
		return nil, errors.New("customization service: escrow service is required")
	}

	sanitize := deps.Sanitize
	if sanitize == nil {
		policy := bluemonday.StrictPolicy()
		sanitize = func(input string) string {
			return strings.TrimSpace(policy.Sanitize(input))
		}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &customizationService{
		customizations: deps.Customizations,
		messages:       deps.Messages,
		counters:       deps.Counters,
		escrow:         deps.Escrow,
		files:          deps.Files,
		events:         deps.Events,
		sanitize:       sanitize,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *customizationService) CreateRequest(ctx context.Context, cmd CreateCustomizationCommand) (CustomizationRequest, error) {
	customerID := strings.TrimSpace(cmd.Actor.ID)
	if customerID == "" {
		return CustomizationRequest{}, fmt.Errorf("%w: actor id is required", ErrCustomizationInvalidInput)
	}
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return CustomizationRequest{}, fmt.Errorf("%w: product id is required", ErrCustomizationInvalidInput)
	}
	if cmd.DesignFee <= 0 {
		return CustomizationRequest{}, fmt.Errorf("%w: design fee must be positive", ErrCustomizationInvalidInput)
	}
	unit, err := currency.ParseISO(strings.TrimSpace(cmd.Currency))
	if err != nil {
		return CustomizationRequest{}, fmt.Errorf("%w: unsupported currency %q", ErrCustomizationInvalidInput, cmd.Currency)
	}

	now := s.now()
	request := CustomizationRequest{
		ID:         s.nextRequestID(),
		CustomerID: customerID,
		ProductID:  productID,
		Status:     domain.RequestStatusPendingDesignerReview,
		Pricing: domain.PricingAgreement{
			DesignFee: cmd.DesignFee,
			Currency:  unit.String(),
		},
		Payment: &domain.PaymentDetails{
			PaymentStatus: domain.PaymentStatusPaid,
			PaidAmount:    cmd.DesignFee,
		},
		Brief:     s.sanitize(cmd.Brief),
		Metadata:  textutil.NormalizeStringMap(cmd.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if cmd.PrintingShopID != nil {
		if shop := strings.TrimSpace(*cmd.PrintingShopID); shop != "" {
			request.PrintingShopID = &shop
		}
	}

	number, err := s.generateRequestNumber(ctx, now)
	if err != nil {
		return CustomizationRequest{}, err
	}
	request.RequestNumber = number

	if err := s.customizations.Insert(ctx, request); err != nil {
		return CustomizationRequest{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, CustomizationEvent{
		Type:       EventRequestCreated,
		RequestID:  request.ID,
		ActorID:    customerID,
		OccurredAt: now,
		Payload: map[string]any{
			"requestNumber": request.RequestNumber,
			"productId":     request.ProductID,
			"designFee":     request.Pricing.DesignFee,
			"currency":      request.Pricing.Currency,
		},
	})

	return request, nil
}

func (s *customizationService) GetRequest(ctx context.Context, actor Actor, requestID string) (CustomizationRequest, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return CustomizationRequest{}, fmt.Errorf("%w: request id is required", ErrCustomizationInvalidInput)
	}
	request, err := s.customizations.FindByID(ctx, requestID)
	if err != nil {
		return CustomizationRequest{}, s.mapRepositoryError(err)
	}
	if err := authorizeRead(actor, request); err != nil {
		return CustomizationRequest{}, err
	}
	return request, nil
}

func (s *customizationService) ListRequests(ctx context.Context, query ListCustomizationsQuery) (domain.CursorPage[CustomizationRequest], error) {
	actorID := strings.TrimSpace(query.Actor.ID)
	if actorID == "" {
		return domain.CursorPage[CustomizationRequest]{}, fmt.Errorf("%w: actor id is required", ErrCustomizationInvalidInput)
	}

	filter := repositories.CustomizationListFilter{
		Status:     query.Status,
		DateRange:  query.DateRange,
		Sort:       query.Sort,
		Pagination: query.Pagination,
	}
	switch {
	case query.Actor.HasRole(RoleAdmin) || query.Actor.HasRole(RoleBusiness):
		// unrestricted listing
	case query.Actor.HasRole(RoleDesigner):
		filter.DesignerID = actorID
	default:
		filter.CustomerID = actorID
	}

	page, err := s.customizations.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[CustomizationRequest]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *customizationService) AssignDesigner(ctx context.Context, cmd AssignDesignerCommand) (CustomizationRequest, error) {
	requestID := strings.TrimSpace(cmd.RequestID)
	if requestID == "" {
		return CustomizationRequest{}, fmt.Errorf("%w: request id is required", ErrCustomizationInvalidInput)
	}
	actorID := strings.TrimSpace(cmd.Actor.ID)
	if actorID == "" {
		return CustomizationRequest{}, fmt.Errorf("%w: actor id is required", ErrCustomizationInvalidInput)
	}
	if !cmd.Actor.HasRole(RoleDesigner) && !cmd.Actor.HasRole(RoleBusiness) && !cmd.Actor.HasRole(RoleAdmin) {
		return CustomizationRequest{}, fmt.Errorf("%w: assignment requires a designer or business role", ErrCustomizationUnauthorized)
	}

	designerID := strings.TrimSpace(cmd.DesignerID)
	if designerID == "" {
		if !cmd.Actor.HasRole(RoleDesigner) {
			return CustomizationRequest{}, fmt.Errorf("%w: designer id is required", ErrCustomizationInvalidInput)
		}
		designerID = actorID
	}

	now := s.now()
	var prev domain.RequestStatus
	updated, err := s.customizations.UpdateGuarded(ctx, requestID, domain.RequestStatusPendingDesignerReview, func(request CustomizationRequest) (CustomizationRequest, error) {
		prev = request.Status
		request.DesignerID = &designerID
		if err := applyStatusTransition(&request, domain.RequestStatusAssigned, actorID, now); err != nil {
			return CustomizationRequest{}, err
		}
		return request, nil
	})
	if err != nil {
		return CustomizationRequest{}, s.mapRepositoryError(err)
	}

	s.publishStatusChanged(ctx, updated, prev, actorID, now, map[string]any{"designerId": designerID})
	return updated, nil
}

func (s *customizationService) SubmitFinalDesign(ctx context.Context, cmd SubmitFinalDesignCommand) (CustomizationRequest, error) {
	requestID := strings.TrimSpace(cmd.RequestID)
	if requestID == "" {
		return CustomizationRequest{}, fmt.Errorf("%w: request id is required", ErrCustomizationInvalidInput)
	}
	finalRef := strings.TrimSpace(cmd.FinalFileRef)
	previewRef := strings.TrimSpace(cmd.PreviewFileRef)
	if finalRef == "" {
		return CustomizationRequest{}, fmt.Errorf("%w: final file reference is required", ErrCustomizationInvalidInput)
	}
	if previewRef == "" {
		return CustomizationRequest{}, fmt.Errorf("%w: preview image reference is required", ErrCustomizationInvalidInput)
	}

	request, err := s.customizations.FindByID(ctx, requestID)
	if err != nil {
		return CustomizationRequest{}, s.mapRepositoryError(err)
	}
	actorID := strings.TrimSpace(cmd.Actor.ID)
	if request.DesignerID == nil || *request.DesignerID != actorID {
		return CustomizationRequest{}, fmt.Errorf("%w: only the assigned designer may submit the final design", ErrCustomizationUnauthorized)
	}
	observed := request.Status
	if observed != domain.RequestStatusAssigned && observed != domain.RequestStatusInProgress {
		return CustomizationRequest{}, fmt.Errorf("%w: cannot submit final design while %s", ErrCustomizationConflict, observed)
	}

	now := s.now()
	updated, err := s.customizations.UpdateGuarded(ctx, requestID, observed, func(request CustomizationRequest) (CustomizationRequest, error) {
		// First upload moves an assigned request through in_progress implicitly.
		if request.Status == domain.RequestStatusAssigned {
			if err := applyStatusTransition(&request, domain.RequestStatusInProgress, actorID, now); err != nil {
				return CustomizationRequest{}, err
			}
		}
		request.DesignerFinalFile = &finalRef
		request.DesignerPreviewFile = &previewRef
		if err := applyStatusTransition(&request, domain.RequestStatusAwaitingCustomerApproval, actorID, now); err != nil {
			return CustomizationRequest{}, err
		}
		return request, nil
	})
	if err != nil {
		return CustomizationRequest{}, s.mapRepositoryError(err)
	}

	s.publishStatusChanged(ctx, updated, observed, actorID, now, map[string]any{
		"finalFile":    finalRef,
		"previewImage": previewRef,
	})
	return updated, nil
}

func (s *customizationService) ApproveDesign(ctx context.Context, cmd ApproveDesignCommand) (ApprovalResult, error) {
	requestID := strings.TrimSpace(cmd.RequestID)
	if requestID == "" {
		return ApprovalResult{}, fmt.Errorf("%w: request id is required", ErrCustomizationInvalidInput)
	}

	request, err := s.customizations.FindByID(ctx, requestID)
	if err != nil {
		return ApprovalResult{}, s.mapRepositoryError(err)
	}
	actorID := strings.TrimSpace(cmd.Actor.ID)
	if request.CustomerID != actorID {
		return ApprovalResult{}, fmt.Errorf("%w: only the customer may approve the design", ErrCustomizationUnauthorized)
	}
	if request.Status != domain.RequestStatusAwaitingCustomerApproval {
		return ApprovalResult{}, fmt.Errorf("%w: cannot approve while %s", ErrCustomizationConflict, request.Status)
	}

	artifactRef, err := s.resolveApprovedArtifact(ctx, request, cmd.MessageID)
	if err != nil {
		return ApprovalResult{}, err
	}

	now := s.now()
	updated, err := s.customizations.UpdateGuarded(ctx, requestID, domain.RequestStatusAwaitingCustomerApproval, func(request CustomizationRequest) (CustomizationRequest, error) {
		approvedRef := artifactRef
		request.DesignerFinalFile = &approvedRef
		if err := applyStatusTransition(&request, domain.RequestStatusReadyForProduction, actorID, now); err != nil {
			return CustomizationRequest{}, err
		}
		return request, nil
	})
	if err != nil {
		return ApprovalResult{}, s.mapRepositoryError(err)
	}

	result := ApprovalResult{Request: updated, PayoutProcessed: true}

	// The approval is a fact independent of the disbursement provider's
	// availability. Payout failure is captured, never rolled back.
	if payout, payoutErr := s.escrow.ReleaseDesignerPayout(ctx, requestID); payoutErr != nil {
		result.PayoutProcessed = false
		result.PayoutError = payoutErr.Error()
		s.logger(ctx, "customization.payout.failed", map[string]any{
			"request": requestID,
			"error":   payoutErr.Error(),
		})
		s.publishEvent(ctx, CustomizationEvent{
			Type:       EventPayoutFailed,
			RequestID:  requestID,
			ActorID:    actorID,
			OccurredAt: now,
			Payload: map[string]any{
				"role":  string(domain.PayoutRoleDesigner),
				"error": payoutErr.Error(),
			},
		})
	} else {
		s.publishEvent(ctx, CustomizationEvent{
			Type:       EventPayoutRequested,
			RequestID:  requestID,
			ActorID:    actorID,
			OccurredAt: now,
			Payload: map[string]any{
				"role":      string(domain.PayoutRoleDesigner),
				"reference": payout.Reference,
				"amount":    payout.Amount,
			},
		})
	}

	if s.files != nil {
		if promoted, promoteErr := s.files.PromoteToProduction(ctx, requestID, artifactRef); promoteErr != nil {
			s.logger(ctx, "customization.artifact.promote.failed", map[string]any{
				"request": requestID,
				"ref":     artifactRef,
				"error":   promoteErr.Error(),
			})
		} else if promoted != "" {
			artifactRef = promoted
		}
		if url, urlErr := s.files.SignedURL(ctx, artifactRef); urlErr != nil {
			s.logger(ctx, "customization.artifact.url.failed", map[string]any{
				"request": requestID,
				"ref":     artifactRef,
				"error":   urlErr.Error(),
			})
		} else {
			result.FinalDesignURL = url
		}
	}

	s.publishEvent(ctx, CustomizationEvent{
		Type:       EventDesignApproved,
		RequestID:  requestID,
		ActorID:    actorID,
		OccurredAt: now,
		Payload: map[string]any{
			"finalFile":       artifactRef,
			"payoutProcessed": result.PayoutProcessed,
		},
	})
	if updated.PrintingShopID != nil {
		s.publishEvent(ctx, CustomizationEvent{
			Type:       EventReadyForProduction,
			RequestID:  requestID,
			ActorID:    actorID,
			OccurredAt: now,
			Payload: map[string]any{
				"printingShopId": *updated.PrintingShopID,
				"finalFile":      artifactRef,
			},
		})
	}

	return result, nil
}

func (s *customizationService) RejectDesign(ctx context.Context, cmd RejectDesignCommand) (CustomizationRequest, error) {
	requestID := strings.TrimSpace(cmd.RequestID)
	if requestID == "" {
		return CustomizationRequest{}, fmt.Errorf("%w: request id is required", ErrCustomizationInvalidInput)
	}
	reason := s.sanitize(cmd.Reason)
	if reason == "" {
		return CustomizationRequest{}, fmt.Errorf("%w: rejection reason is required", ErrCustomizationInvalidInput)
	}

	request, err := s.customizations.FindByID(ctx, requestID)
	if err != nil {
		return CustomizationRequest{}, s.mapRepositoryError(err)
	}
	actorID := strings.TrimSpace(cmd.Actor.ID)

	observed := request.Status
	var target domain.RequestStatus
	switch observed {
	case domain.RequestStatusAwaitingCustomerApproval:
		// Customer sends the design back for revision.
		if request.CustomerID != actorID {
			return CustomizationRequest{}, fmt.Errorf("%w: only the customer may reject the design", ErrCustomizationUnauthorized)
		}
		target = domain.RequestStatusInProgress
	case domain.RequestStatusPendingDesignerReview:
		// A designer or the business declines the engagement outright.
		if !cmd.Actor.HasRole(RoleDesigner) && !cmd.Actor.HasRole(RoleBusiness) && !cmd.Actor.HasRole(RoleAdmin) {
			return CustomizationRequest{}, fmt.Errorf("%w: declining requires a designer or business role", ErrCustomizationUnauthorized)
		}
		target = domain.RequestStatusRejected
	default:
		return CustomizationRequest{}, fmt.Errorf("%w: cannot reject while %s", ErrCustomizationConflict, observed)
	}

	now := s.now()
	updated, err := s.customizations.UpdateGuarded(ctx, requestID, observed, func(request CustomizationRequest) (CustomizationRequest, error) {
		request.RejectionReason = &reason
		if err := applyStatusTransition(&request, target, actorID, now); err != nil {
			return CustomizationRequest{}, err
		}
		return request, nil
	})
	if err != nil {
		return CustomizationRequest{}, s.mapRepositoryError(err)
	}

	s.publishStatusChanged(ctx, updated, observed, actorID, now, map[string]any{"reason": reason})
	return updated, nil
}

func (s *customizationService) CancelRequest(ctx context.Context, cmd CancelCustomizationCommand) (CustomizationRequest, error) {
	requestID := strings.TrimSpace(cmd.RequestID)
	if requestID == "" {
		return CustomizationRequest{}, fmt.Errorf("%w: request id is required", ErrCustomizationInvalidInput)
	}

	request, err := s.customizations.FindByID(ctx, requestID)
	if err != nil {
		return CustomizationRequest{}, s.mapRepositoryError(err)
	}
	actorID := strings.TrimSpace(cmd.Actor.ID)
	if request.CustomerID != actorID && !cmd.Actor.HasRole(RoleAdmin) {
		return CustomizationRequest{}, fmt.Errorf("%w: only the customer or an admin may cancel", ErrCustomizationUnauthorized)
	}
	observed := request.Status
	if !slices.Contains(cancellableStatuses, observed) {
		return CustomizationRequest{}, fmt.Errorf("%w: request status %q cannot be cancelled", ErrCustomizationInvalidState, observed)
	}

	reason := s.sanitize(cmd.Reason)
	now := s.now()
	updated, err := s.customizations.UpdateGuarded(ctx, requestID, observed, func(request CustomizationRequest) (CustomizationRequest, error) {
		if reason != "" {
			request.Metadata = ensureStringMap(request.Metadata)
			request.Metadata["cancelReason"] = reason
		}
		if err := applyStatusTransition(&request, domain.RequestStatusCancelled, actorID, now); err != nil {
			return CustomizationRequest{}, err
		}
		return request, nil
	})
	if err != nil {
		return CustomizationRequest{}, s.mapRepositoryError(err)
	}

	payload := map[string]any{}
	if reason != "" {
		payload["reason"] = reason
	}
	s.publishStatusChanged(ctx, updated, observed, actorID, now, payload)
	return updated, nil
}

func (s *customizationService) PostMessage(ctx context.Context, cmd PostMessageCommand) (RequestMessage, error) {
	requestID := strings.TrimSpace(cmd.RequestID)
	if requestID == "" {
		return RequestMessage{}, fmt.Errorf("%w: request id is required", ErrCustomizationInvalidInput)
	}
	body := s.sanitize(cmd.Body)
	attachment := cloneOptionalString(cmd.AttachmentRef)
	if body == "" && attachment == nil {
		return RequestMessage{}, fmt.Errorf("%w: message body or attachment is required", ErrCustomizationInvalidInput)
	}

	request, err := s.customizations.FindByID(ctx, requestID)
	if err != nil {
		return RequestMessage{}, s.mapRepositoryError(err)
	}
	if err := authorizeRead(cmd.Actor, request); err != nil {
		return RequestMessage{}, err
	}

	message := RequestMessage{
		ID:            messageIDPrefix + s.newID(),
		RequestID:     requestID,
		SenderID:      strings.TrimSpace(cmd.Actor.ID),
		Body:          body,
		AttachmentRef: attachment,
		CreatedAt:     s.now(),
	}
	if err := s.messages.Append(ctx, message); err != nil {
		return RequestMessage{}, s.mapRepositoryError(err)
	}
	return message, nil
}

func (s *customizationService) ListMessages(ctx context.Context, actor Actor, requestID string, pager Pagination) (domain.CursorPage[RequestMessage], error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return domain.CursorPage[RequestMessage]{}, fmt.Errorf("%w: request id is required", ErrCustomizationInvalidInput)
	}
	request, err := s.customizations.FindByID(ctx, requestID)
	if err != nil {
		return domain.CursorPage[RequestMessage]{}, s.mapRepositoryError(err)
	}
	if err := authorizeRead(actor, request); err != nil {
		return domain.CursorPage[RequestMessage]{}, err
	}
	page, err := s.messages.ListByRequest(ctx, requestID, pager)
	if err != nil {
		return domain.CursorPage[RequestMessage]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// resolveApprovedArtifact picks the artifact the approval refers to: an
// explicit chat-message attachment when supplied, otherwise the designer's
// final upload, otherwise the newest attachment on the request thread.
func (s *customizationService) resolveApprovedArtifact(ctx context.Context, request CustomizationRequest, messageID *string) (string, error) {
	if messageID != nil && strings.TrimSpace(*messageID) != "" {
		message, err := s.messages.FindByID(ctx, request.ID, strings.TrimSpace(*messageID))
		if err != nil {
			return "", s.mapRepositoryError(err)
		}
		if message.AttachmentRef == nil || strings.TrimSpace(*message.AttachmentRef) == "" {
			return "", fmt.Errorf("%w: message %s carries no attachment", ErrCustomizationInvalidInput, message.ID)
		}
		return strings.TrimSpace(*message.AttachmentRef), nil
	}

	if request.DesignerFinalFile != nil && strings.TrimSpace(*request.DesignerFinalFile) != "" {
		return strings.TrimSpace(*request.DesignerFinalFile), nil
	}

	message, err := s.messages.LatestAttachment(ctx, request.ID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return "", fmt.Errorf("%w: no final design artifact on record", ErrCustomizationInvalidInput)
		}
		return "", s.mapRepositoryError(err)
	}
	return strings.TrimSpace(*message.AttachmentRef), nil
}

func authorizeRead(actor Actor, request CustomizationRequest) error {
	actorID := strings.TrimSpace(actor.ID)
	if actorID == "" {
		return fmt.Errorf("%w: actor id is required", ErrCustomizationInvalidInput)
	}
	if actor.HasRole(RoleAdmin) || actor.HasRole(RoleBusiness) {
		return nil
	}
	if request.CustomerID == actorID {
		return nil
	}
	if request.DesignerID != nil && *request.DesignerID == actorID {
		return nil
	}
	return fmt.Errorf("%w: request %s is not visible to this actor", ErrCustomizationUnauthorized, request.ID)
}

func applyStatusTransition(request *CustomizationRequest, target domain.RequestStatus, actorID string, now time.Time) error {
	current := request.Status
	if current == target {
		request.UpdatedAt = now
		return nil
	}
	if !canTransition(current, target) {
		return fmt.Errorf("%w: %s -> %s", ErrCustomizationInvalidState, current, target)
	}

	request.Status = target
	request.UpdatedAt = now
	request.StatusHistory = append(request.StatusHistory, domain.StatusChange{
		From:    current,
		To:      target,
		ActorID: actorID,
		At:      now,
	})

	switch target {
	case domain.RequestStatusReadyForProduction:
		request.ApprovedAt = &now
	case domain.RequestStatusCancelled:
		if request.CancelledAt == nil {
			request.CancelledAt = &now
		}
	case domain.RequestStatusInProgress:
		// A revision loop clears the previous submission's approval artifacts.
		request.ApprovedAt = nil
	}
	return nil
}

func canTransition(current, target domain.RequestStatus) bool {
	if current == target {
		return true
	}
	next, ok := requestStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

func (s *customizationService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCustomizationNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCustomizationConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("customization: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *customizationService) generateRequestNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, "customizations", 1)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("CL-%04d-%06d", now.Year(), seq), nil
}

func (s *customizationService) now() time.Time {
	return s.clock()
}

func (s *customizationService) nextRequestID() string {
	return requestIDPrefix + s.newID()
}

func (s *customizationService) publishStatusChanged(ctx context.Context, request CustomizationRequest, prev domain.RequestStatus, actorID string, now time.Time, payload map[string]any) {
	payload = ensureAnyMap(payload)
	payload["previousStatus"] = string(prev)
	payload["currentStatus"] = string(request.Status)
	payload["requestNumber"] = request.RequestNumber
	s.publishEvent(ctx, CustomizationEvent{
		Type:       EventStatusChanged,
		RequestID:  request.ID,
		ActorID:    actorID,
		OccurredAt: now,
		Payload:    payload,
	})
}

func (s *customizationService) publishEvent(ctx context.Context, event CustomizationEvent) {
	if s.events == nil {
		return
	}
	if event.ID == "" {
		event.ID = eventIDPrefix + s.newID()
	}
	if event.Payload != nil {
		event.Payload = maps.Clone(event.Payload)
	}
	if err := s.events.PublishCustomizationEvent(ctx, event); err != nil {
		s.logger(ctx, "customization.event.publish.failed", map[string]any{
			"type":    event.Type,
			"request": event.RequestID,
			"error":   err.Error(),
		})
	}
}

func ensureStringMap(src map[string]string) map[string]string {
	if src == nil {
		return map[string]string{}
	}
	return src
}

func ensureAnyMap(src map[string]any) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	return src
}

func cloneOptionalString(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
