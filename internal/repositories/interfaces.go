package repositories

import (
	"context"
	"time"

	domain "github.com/craftlane/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Customizations() CustomizationRepository
	Messages() MessageRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// CustomizationRepository persists customization request aggregates.
//
// Status transitions and payout-ledger patches are separate entry points so
// that lifecycle writers and webhook reconciliation never clobber each other:
// UpdateGuarded compare-and-swaps on the status read inside the transaction,
// while ApplyPayout touches only the payout sub-fields and never the status.
type CustomizationRepository interface {
	Insert(ctx context.Context, request domain.CustomizationRequest) error
	FindByID(ctx context.Context, requestID string) (domain.CustomizationRequest, error)
	List(ctx context.Context, filter CustomizationListFilter) (domain.CursorPage[domain.CustomizationRequest], error)

	// UpdateGuarded loads the request in a transaction, verifies its status
	// still equals expected, applies mutate to the loaded copy, and writes the
	// result. Returns a conflict RepositoryError when the status moved.
	UpdateGuarded(ctx context.Context, requestID string, expected domain.RequestStatus, mutate func(domain.CustomizationRequest) (domain.CustomizationRequest, error)) (domain.CustomizationRequest, error)

	// ApplyPayout records a confirmed disbursement for the given role inside a
	// transaction. The write is guarded by "payout id unset or identical":
	// when the same disbursement id is already recorded the call reports
	// applied=false with no write, keeping webhook redelivery idempotent. A
	// different disbursement id on an already-paid role is a conflict.
	ApplyPayout(ctx context.Context, requestID string, role domain.PayoutRole, payout domain.PayoutRecord) (request domain.CustomizationRequest, applied bool, err error)
}

// MessageRepository stores the chat messages attached to a customization request.
type MessageRepository interface {
	Append(ctx context.Context, message domain.RequestMessage) error
	FindByID(ctx context.Context, requestID string, messageID string) (domain.RequestMessage, error)
	ListByRequest(ctx context.Context, requestID string, pager domain.Pagination) (domain.CursorPage[domain.RequestMessage], error)
	// LatestAttachment returns the newest message carrying an attachment,
	// used as the approval fallback when no explicit message id is supplied.
	LatestAttachment(ctx context.Context, requestID string) (domain.RequestMessage, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// CustomizationListFilter narrows customization request listings.
type CustomizationListFilter struct {
	CustomerID string
	DesignerID string
	Status     []domain.RequestStatus
	DateRange  domain.RangeQuery[time.Time]
	Sort       domain.SortOrder
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
