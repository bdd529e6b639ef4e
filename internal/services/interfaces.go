package services

import (
	"context"
	"time"

	domain "github.com/craftlane/api/internal/domain"
	"github.com/craftlane/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination           = domain.Pagination
	CustomizationRequest = domain.CustomizationRequest
	RequestMessage       = domain.RequestMessage
	RequestStatus        = domain.RequestStatus
	PayoutRole           = domain.PayoutRole
)

// Registry re-exported for service constructors.
type Registry = repositories.Registry

// Actor is the authenticated principal performing a lifecycle operation. It
// is passed explicitly into every operation; services never read identity
// from ambient state.
type Actor struct {
	ID    string
	Roles []string
}

// HasRole reports whether the actor carries the given role claim.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Role names carried in auth claims.
const (
	RoleCustomer = "customer"
	RoleDesigner = "designer"
	RoleBusiness = "business"
	RoleAdmin    = "admin"
)

// CustomizationService owns the customization request state machine and its
// authorization guards.
type CustomizationService interface {
	CreateRequest(ctx context.Context, cmd CreateCustomizationCommand) (CustomizationRequest, error)
	GetRequest(ctx context.Context, actor Actor, requestID string) (CustomizationRequest, error)
	ListRequests(ctx context.Context, query ListCustomizationsQuery) (domain.CursorPage[CustomizationRequest], error)
	AssignDesigner(ctx context.Context, cmd AssignDesignerCommand) (CustomizationRequest, error)
	SubmitFinalDesign(ctx context.Context, cmd SubmitFinalDesignCommand) (CustomizationRequest, error)
	ApproveDesign(ctx context.Context, cmd ApproveDesignCommand) (ApprovalResult, error)
	RejectDesign(ctx context.Context, cmd RejectDesignCommand) (CustomizationRequest, error)
	CancelRequest(ctx context.Context, cmd CancelCustomizationCommand) (CustomizationRequest, error)
	PostMessage(ctx context.Context, cmd PostMessageCommand) (RequestMessage, error)
	ListMessages(ctx context.Context, actor Actor, requestID string, pager Pagination) (domain.CursorPage[RequestMessage], error)
}

// EscrowService computes commission and initiates fund release for a party.
// A successful return means the provider accepted the disbursement, not that
// funds moved; only webhook reconciliation marks a payout paid.
type EscrowService interface {
	ReleaseDesignerPayout(ctx context.Context, requestID string) (PayoutResult, error)
	ReleaseShopPayout(ctx context.Context, requestID string) (PayoutResult, error)
}

// DisbursementWebhookService reconciles asynchronous payout confirmations
// against customization requests, exactly once.
type DisbursementWebhookService interface {
	HandleCallback(ctx context.Context, payload []byte) (CallbackOutcome, error)
}

// CustomizationEvent fans out lifecycle and payout changes to out-of-process
// collaborators such as notifications and order creation.
type CustomizationEvent struct {
	ID         string
	Type       string
	RequestID  string
	ActorID    string
	OccurredAt time.Time
	Payload    map[string]any
}

// Event types published by the customization subsystem.
const (
	EventRequestCreated     = "customization.request.created"
	EventStatusChanged      = "customization.status.changed"
	EventDesignApproved     = "customization.design.approved"
	EventReadyForProduction = "customization.production.ready"
	EventPayoutRequested    = "customization.payout.requested"
	EventPayoutCompleted    = "customization.payout.completed"
	EventPayoutFailed       = "customization.payout.failed"
	EventDisbursementFailed = "customization.disbursement.failed"
)

// CustomizationEventPublisher delivers events to the bus. Failures must never
// surface into the lifecycle transaction.
type CustomizationEventPublisher interface {
	PublishCustomizationEvent(ctx context.Context, event CustomizationEvent) error
}

// DesignArtifactStore resolves stored design artifacts to customer-facing
// URLs and promotes approved artifacts to the production bucket.
type DesignArtifactStore interface {
	SignedURL(ctx context.Context, ref string) (string, error)
	PromoteToProduction(ctx context.Context, requestID, ref string) (string, error)
}

// CreateCustomizationCommand captures inputs when a customer opens a request.
type CreateCustomizationCommand struct {
	Actor          Actor
	ProductID      string
	PrintingShopID *string
	DesignFee      int64
	Currency       string
	Brief          string
	Metadata       map[string]string
}

// ListCustomizationsQuery narrows request listings to what the actor may see.
type ListCustomizationsQuery struct {
	Actor      Actor
	Status     []RequestStatus
	DateRange  domain.RangeQuery[time.Time]
	Sort       domain.SortOrder
	Pagination Pagination
}

// AssignDesignerCommand assigns a designer to a pending request.
type AssignDesignerCommand struct {
	Actor      Actor
	RequestID  string
	DesignerID string
}

// SubmitFinalDesignCommand records the designer's final artifact and preview.
type SubmitFinalDesignCommand struct {
	Actor          Actor
	RequestID      string
	FinalFileRef   string
	PreviewFileRef string
}

// ApproveDesignCommand approves the submitted design and triggers escrow
// release. MessageID optionally points at a chat message whose attachment is
// the approved artifact; absent that, the designer's last upload is used.
type ApproveDesignCommand struct {
	Actor     Actor
	RequestID string
	MessageID *string
}

// RejectDesignCommand sends the request back to the designer for revision.
type RejectDesignCommand struct {
	Actor     Actor
	RequestID string
	Reason    string
}

// CancelCustomizationCommand cancels a non-terminal request.
type CancelCustomizationCommand struct {
	Actor     Actor
	RequestID string
	Reason    string
}

// PostMessageCommand appends a chat message to a request.
type PostMessageCommand struct {
	Actor         Actor
	RequestID     string
	Body          string
	AttachmentRef *string
}

// ApprovalResult reports the outcome of an approval, including the decoupled
// payout attempt.
type ApprovalResult struct {
	Request         CustomizationRequest
	FinalDesignURL  string
	PayoutProcessed bool
	PayoutError     string
}

// PayoutResult reports a disbursement accepted by the provider.
type PayoutResult struct {
	Reference       string
	DisbursementID  string
	Amount          int64
	Currency        string
	AlreadyReleased bool
}

// CallbackOutcome summarises webhook reconciliation for logging and response.
type CallbackOutcome struct {
	Handled   bool
	Applied   bool
	Test      bool
	RequestID string
	Role      PayoutRole
	Reason    string
}
