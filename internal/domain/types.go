package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// RequestStatus enumerates valid lifecycle states for customization requests.
type RequestStatus string

const (
	// RequestStatusPendingDesignerReview indicates the request awaits a designer taking it on.
	RequestStatusPendingDesignerReview RequestStatus = "pending_designer_review"
	// RequestStatusAssigned indicates a designer has accepted the request.
	RequestStatusAssigned RequestStatus = "assigned"
	// RequestStatusInProgress indicates the designer is actively working on the design.
	RequestStatusInProgress RequestStatus = "in_progress"
	// RequestStatusAwaitingCustomerApproval indicates a final design was submitted and awaits the customer.
	RequestStatusAwaitingCustomerApproval RequestStatus = "awaiting_customer_approval"
	// RequestStatusReadyForProduction indicates the customer approved and the artifact is production ready.
	RequestStatusReadyForProduction RequestStatus = "ready_for_production"
	// RequestStatusRejected indicates the customer rejected the submitted design.
	RequestStatusRejected RequestStatus = "rejected"
	// RequestStatusCancelled indicates the request was cancelled before completion.
	RequestStatusCancelled RequestStatus = "cancelled"
)

// PaymentStatus describes the escrow payment state for a customization request.
type PaymentStatus string

const (
	// PaymentStatusPending indicates payment capture has not completed.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusPaid indicates funds are captured and held in escrow.
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusRefunded indicates escrowed funds were returned to the customer.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// PricingAgreement fixes the design fee agreed between customer and designer.
// Immutable once payment has been captured.
type PricingAgreement struct {
	DesignFee int64
	Currency  string
}

// PaymentDetails is the escrow ledger embedded in a customization request.
// Payout id and paid-at pairs are written only by webhook reconciliation.
type PaymentDetails struct {
	PaymentStatus    PaymentStatus
	PaidAmount       int64
	DesignerPayoutID *string
	DesignerPaidAt   *time.Time
	ShopPayoutID     *string
	ShopPaidAt       *time.Time
}

// StatusChange records one hop in a request's append-only status history.
type StatusChange struct {
	From    RequestStatus
	To      RequestStatus
	ActorID string
	At      time.Time
}

// CustomizationRequest is the aggregate root for one custom-design
// engagement between a customer, a designer, and optionally a printing shop.
type CustomizationRequest struct {
	ID                  string
	RequestNumber       string
	CustomerID          string
	DesignerID          *string
	PrintingShopID      *string
	ProductID           string
	Status              RequestStatus
	Pricing             PricingAgreement
	Payment             *PaymentDetails
	DesignerFinalFile   *string
	DesignerPreviewFile *string
	RejectionReason     *string
	Brief               string
	StatusHistory       []StatusChange
	Metadata            map[string]string
	ApprovedAt          *time.Time
	CancelledAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Terminal reports whether the status permits no further transitions.
// Rejected is not terminal because the designer may revise and resubmit.
func (s RequestStatus) Terminal() bool {
	return s == RequestStatusReadyForProduction || s == RequestStatusCancelled
}

// RequestMessage is one chat message on a customization request,
// optionally carrying an uploaded file attachment.
type RequestMessage struct {
	ID            string
	RequestID     string
	SenderID      string
	Body          string
	AttachmentRef *string
	CreatedAt     time.Time
}

// PayoutRole identifies which party a disbursement pays.
type PayoutRole string

const (
	// PayoutRoleDesigner pays the assigned designer.
	PayoutRoleDesigner PayoutRole = "designer"
	// PayoutRoleShop pays the attached printing shop.
	PayoutRoleShop PayoutRole = "shop"
)

// PayoutRecord captures a confirmed disbursement applied to the escrow ledger.
type PayoutRecord struct {
	DisbursementID string
	Amount         int64
	PaidAt         time.Time
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
