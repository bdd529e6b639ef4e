package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/craftlane/api/internal/domain"
	pfirestore "github.com/craftlane/api/internal/platform/firestore"
	"github.com/craftlane/api/internal/platform/pagination"
	"github.com/craftlane/api/internal/repositories"
)

const customizationsCollection = "customizationRequests"

// CustomizationRepository persists customization request aggregates.
type CustomizationRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[customizationDocument]
}

// NewCustomizationRepository constructs a Firestore-backed customization repository.
func NewCustomizationRepository(provider *pfirestore.Provider) (*CustomizationRepository, error) {
	if provider == nil {
		return nil, errors.New("customization repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[customizationDocument](provider, customizationsCollection, nil, nil)
	return &CustomizationRepository{provider: provider, base: base}, nil
}

// Insert stores a new customization request. The ID must be unique.
func (r *CustomizationRepository) Insert(ctx context.Context, request domain.CustomizationRequest) error {
	if r == nil || r.base == nil {
		return errors.New("customization repository not initialised")
	}
	requestID := strings.TrimSpace(request.ID)
	if requestID == "" {
		return errors.New("customization repository: request id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, requestID)
	if err != nil {
		return err
	}
	if _, err := docRef.Create(ctx, encodeCustomizationDocument(request)); err != nil {
		return pfirestore.WrapError("customizations.insert", err)
	}
	return nil
}

// FindByID fetches a single customization request.
func (r *CustomizationRepository) FindByID(ctx context.Context, requestID string) (domain.CustomizationRequest, error) {
	if r == nil || r.base == nil {
		return domain.CustomizationRequest{}, errors.New("customization repository not initialised")
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return domain.CustomizationRequest{}, errors.New("customization repository: request id is required")
	}
	doc, err := r.base.Get(ctx, requestID)
	if err != nil {
		return domain.CustomizationRequest{}, err
	}
	return decodeCustomizationDocument(requestID, doc.Data, doc.CreateTime, doc.UpdateTime), nil
}

// List returns customization requests matching the filter ordered by most recent update.
func (r *CustomizationRepository) List(ctx context.Context, filter repositories.CustomizationListFilter) (domain.CursorPage[domain.CustomizationRequest], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.CustomizationRequest]{}, errors.New("customization repository not initialised")
	}

	limit := filter.Pagination.PageSize
	if limit < 0 {
		limit = 0
	}
	fetchLimit := limit
	if limit > 0 {
		fetchLimit = limit + 1
	}

	var startAfter []any
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		tokenTime, tokenID, err := decodeCustomizationListToken(token)
		if err != nil {
			return domain.CursorPage[domain.CustomizationRequest]{}, fmt.Errorf("customization repository: invalid page token: %w", err)
		}
		startAfter = []any{tokenTime, tokenID}
	}

	statusFilters := make([]string, 0, len(filter.Status))
	for _, s := range filter.Status {
		if trimmed := strings.TrimSpace(string(s)); trimmed != "" {
			statusFilters = append(statusFilters, trimmed)
		}
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if customerID := strings.TrimSpace(filter.CustomerID); customerID != "" {
			q = q.Where("customerId", "==", customerID)
		}
		if designerID := strings.TrimSpace(filter.DesignerID); designerID != "" {
			q = q.Where("designerId", "==", designerID)
		}
		if len(statusFilters) == 1 {
			q = q.Where("status", "==", statusFilters[0])
		} else if len(statusFilters) > 1 {
			// Firestore in clause supports up to 10 values.
			if len(statusFilters) > 10 {
				statusFilters = statusFilters[:10]
			}
			q = q.Where("status", "in", statusFilters)
		}
		if filter.DateRange.From != nil {
			q = q.Where("createdAt", ">=", filter.DateRange.From.UTC())
		}
		if filter.DateRange.To != nil {
			q = q.Where("createdAt", "<=", filter.DateRange.To.UTC())
		}

		direction := firestore.Desc
		if filter.Sort == domain.SortAsc {
			direction = firestore.Asc
		}
		q = q.OrderBy("updatedAt", direction).OrderBy(firestore.DocumentID, direction)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.CustomizationRequest]{}, err
	}

	valueDocs := docs
	nextToken := ""
	if limit > 0 && len(valueDocs) == fetchLimit {
		last := valueDocs[len(valueDocs)-1]
		tokenTime := last.Data.UpdatedAt
		if tokenTime.IsZero() {
			tokenTime = last.UpdateTime
		}
		nextToken = encodeCustomizationListToken(tokenTime, last.ID)
		valueDocs = valueDocs[:len(valueDocs)-1]
	}

	items := make([]domain.CustomizationRequest, 0, len(valueDocs))
	for _, doc := range valueDocs {
		items = append(items, decodeCustomizationDocument(doc.ID, doc.Data, doc.CreateTime, doc.UpdateTime))
	}

	return domain.CursorPage[domain.CustomizationRequest]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

// UpdateGuarded compare-and-swaps on the status read inside a transaction.
// A request whose status moved since the caller's read yields a conflict.
func (r *CustomizationRepository) UpdateGuarded(ctx context.Context, requestID string, expected domain.RequestStatus, mutate func(domain.CustomizationRequest) (domain.CustomizationRequest, error)) (domain.CustomizationRequest, error) {
	if r == nil || r.provider == nil {
		return domain.CustomizationRequest{}, errors.New("customization repository not initialised")
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return domain.CustomizationRequest{}, errors.New("customization repository: request id is required")
	}
	if mutate == nil {
		return domain.CustomizationRequest{}, errors.New("customization repository: mutate function is required")
	}

	var updated domain.CustomizationRequest
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, requestID)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc customizationDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore customizations decode %s: %w", requestID, err)
		}
		current := decodeCustomizationDocument(requestID, doc, snapshot.CreateTime, snapshot.UpdateTime)
		if current.Status != expected {
			return status.Errorf(codes.FailedPrecondition, "customization %s status is %s, expected %s", requestID, current.Status, expected)
		}
		next, err := mutate(current)
		if err != nil {
			return err
		}
		if err := tx.Set(ref, encodeCustomizationDocument(next)); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return domain.CustomizationRequest{}, pfirestore.WrapError("customizations.update_guarded", err)
	}
	return updated, nil
}

// ApplyPayout records a confirmed disbursement for one role. The write is
// skipped when the same disbursement id is already present so webhook
// redelivery stays idempotent; a different id on a paid role is a conflict.
func (r *CustomizationRepository) ApplyPayout(ctx context.Context, requestID string, role domain.PayoutRole, payout domain.PayoutRecord) (domain.CustomizationRequest, bool, error) {
	if r == nil || r.provider == nil {
		return domain.CustomizationRequest{}, false, errors.New("customization repository not initialised")
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return domain.CustomizationRequest{}, false, errors.New("customization repository: request id is required")
	}
	disbursementID := strings.TrimSpace(payout.DisbursementID)
	if disbursementID == "" {
		return domain.CustomizationRequest{}, false, errors.New("customization repository: disbursement id is required")
	}
	if role != domain.PayoutRoleDesigner && role != domain.PayoutRoleShop {
		return domain.CustomizationRequest{}, false, fmt.Errorf("customization repository: unsupported payout role %q", role)
	}

	applied := false
	var result domain.CustomizationRequest
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		applied = false
		ref, err := r.base.DocumentRef(ctx, requestID)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc customizationDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore customizations decode %s: %w", requestID, err)
		}
		if doc.Payment == nil {
			return status.Errorf(codes.FailedPrecondition, "customization %s carries no payment details", requestID)
		}

		var (
			existingID *string
			idPath     string
			paidAtPath string
		)
		switch role {
		case domain.PayoutRoleDesigner:
			existingID = doc.Payment.DesignerPayoutID
			idPath = "paymentDetails.designerPayoutId"
			paidAtPath = "paymentDetails.designerPaidAt"
		case domain.PayoutRoleShop:
			existingID = doc.Payment.ShopPayoutID
			idPath = "paymentDetails.shopPayoutId"
			paidAtPath = "paymentDetails.shopPaidAt"
		}

		if existingID != nil && strings.TrimSpace(*existingID) != "" {
			if strings.TrimSpace(*existingID) == disbursementID {
				result = decodeCustomizationDocument(requestID, doc, snapshot.CreateTime, snapshot.UpdateTime)
				return nil
			}
			return status.Errorf(codes.AlreadyExists, "customization %s already paid %s via %s", requestID, role, *existingID)
		}

		paidAt := payout.PaidAt.UTC()
		updates := []firestore.Update{
			{Path: idPath, Value: disbursementID},
			{Path: paidAtPath, Value: paidAt},
			{Path: "updatedAt", Value: paidAt},
		}
		if err := tx.Update(ref, updates); err != nil {
			return err
		}

		result = decodeCustomizationDocument(requestID, doc, snapshot.CreateTime, snapshot.UpdateTime)
		switch role {
		case domain.PayoutRoleDesigner:
			result.Payment.DesignerPayoutID = &disbursementID
			result.Payment.DesignerPaidAt = &paidAt
		case domain.PayoutRoleShop:
			result.Payment.ShopPayoutID = &disbursementID
			result.Payment.ShopPaidAt = &paidAt
		}
		result.UpdatedAt = paidAt
		applied = true
		return nil
	})
	if err != nil {
		return domain.CustomizationRequest{}, false, pfirestore.WrapError("customizations.apply_payout", err)
	}
	return result, applied, nil
}

type customizationDocument struct {
	RequestNumber   string                    `firestore:"requestNumber"`
	CustomerID      string                    `firestore:"customerId"`
	DesignerID      *string                   `firestore:"designerId,omitempty"`
	PrintingShopID  *string                   `firestore:"printingShopId,omitempty"`
	ProductID       string                    `firestore:"productId"`
	Status          string                    `firestore:"status"`
	Pricing         pricingDocument           `firestore:"pricingAgreement"`
	Payment         *paymentDetailsDocument   `firestore:"paymentDetails,omitempty"`
	FinalFile       *string                   `firestore:"designerFinalFile,omitempty"`
	PreviewFile     *string                   `firestore:"designerPreviewImage,omitempty"`
	RejectionReason *string                   `firestore:"rejectionReason,omitempty"`
	Brief           string                    `firestore:"brief,omitempty"`
	StatusHistory   []statusChangeDocument    `firestore:"statusHistory,omitempty"`
	Metadata        map[string]string         `firestore:"metadata,omitempty"`
	ApprovedAt      *time.Time                `firestore:"approvedAt,omitempty"`
	CancelledAt     *time.Time                `firestore:"cancelledAt,omitempty"`
	CreatedAt       time.Time                 `firestore:"createdAt"`
	UpdatedAt       time.Time                 `firestore:"updatedAt"`
}

type pricingDocument struct {
	DesignFee int64  `firestore:"designFee"`
	Currency  string `firestore:"currency"`
}

type paymentDetailsDocument struct {
	PaymentStatus    string     `firestore:"paymentStatus"`
	PaidAmount       int64      `firestore:"paidAmount"`
	DesignerPayoutID *string    `firestore:"designerPayoutId,omitempty"`
	DesignerPaidAt   *time.Time `firestore:"designerPaidAt,omitempty"`
	ShopPayoutID     *string    `firestore:"shopPayoutId,omitempty"`
	ShopPaidAt       *time.Time `firestore:"shopPaidAt,omitempty"`
}

type statusChangeDocument struct {
	From    string    `firestore:"from"`
	To      string    `firestore:"to"`
	ActorID string    `firestore:"actorId"`
	At      time.Time `firestore:"at"`
}

func encodeCustomizationDocument(request domain.CustomizationRequest) customizationDocument {
	doc := customizationDocument{
		RequestNumber:   strings.TrimSpace(request.RequestNumber),
		CustomerID:      strings.TrimSpace(request.CustomerID),
		DesignerID:      cloneStringPtr(request.DesignerID),
		PrintingShopID:  cloneStringPtr(request.PrintingShopID),
		ProductID:       strings.TrimSpace(request.ProductID),
		Status:          string(request.Status),
		Pricing:         pricingDocument{DesignFee: request.Pricing.DesignFee, Currency: strings.TrimSpace(request.Pricing.Currency)},
		FinalFile:       cloneStringPtr(request.DesignerFinalFile),
		PreviewFile:     cloneStringPtr(request.DesignerPreviewFile),
		RejectionReason: cloneStringPtr(request.RejectionReason),
		Brief:           strings.TrimSpace(request.Brief),
		Metadata:        cloneStringMap(request.Metadata),
		ApprovedAt:      normalizeTimePointer(request.ApprovedAt),
		CancelledAt:     normalizeTimePointer(request.CancelledAt),
		CreatedAt:       request.CreatedAt.UTC(),
		UpdatedAt:       request.UpdatedAt.UTC(),
	}
	if request.Payment != nil {
		doc.Payment = &paymentDetailsDocument{
			PaymentStatus:    string(request.Payment.PaymentStatus),
			PaidAmount:       request.Payment.PaidAmount,
			DesignerPayoutID: cloneStringPtr(request.Payment.DesignerPayoutID),
			DesignerPaidAt:   normalizeTimePointer(request.Payment.DesignerPaidAt),
			ShopPayoutID:     cloneStringPtr(request.Payment.ShopPayoutID),
			ShopPaidAt:       normalizeTimePointer(request.Payment.ShopPaidAt),
		}
	}
	if len(request.StatusHistory) > 0 {
		doc.StatusHistory = make([]statusChangeDocument, 0, len(request.StatusHistory))
		for _, change := range request.StatusHistory {
			doc.StatusHistory = append(doc.StatusHistory, statusChangeDocument{
				From:    string(change.From),
				To:      string(change.To),
				ActorID: strings.TrimSpace(change.ActorID),
				At:      change.At.UTC(),
			})
		}
	}
	return doc
}

func decodeCustomizationDocument(id string, doc customizationDocument, createdAt, updatedAt time.Time) domain.CustomizationRequest {
	request := domain.CustomizationRequest{
		ID:                  strings.TrimSpace(id),
		RequestNumber:       strings.TrimSpace(doc.RequestNumber),
		CustomerID:          strings.TrimSpace(doc.CustomerID),
		DesignerID:          cloneStringPtr(doc.DesignerID),
		PrintingShopID:      cloneStringPtr(doc.PrintingShopID),
		ProductID:           strings.TrimSpace(doc.ProductID),
		Status:              domain.RequestStatus(strings.TrimSpace(doc.Status)),
		Pricing:             domain.PricingAgreement{DesignFee: doc.Pricing.DesignFee, Currency: strings.TrimSpace(doc.Pricing.Currency)},
		DesignerFinalFile:   cloneStringPtr(doc.FinalFile),
		DesignerPreviewFile: cloneStringPtr(doc.PreviewFile),
		RejectionReason:     cloneStringPtr(doc.RejectionReason),
		Brief:               strings.TrimSpace(doc.Brief),
		Metadata:            cloneStringMap(doc.Metadata),
		ApprovedAt:          normalizeTimePointer(doc.ApprovedAt),
		CancelledAt:         normalizeTimePointer(doc.CancelledAt),
		CreatedAt:           chooseTime(doc.CreatedAt, createdAt),
		UpdatedAt:           chooseTime(doc.UpdatedAt, updatedAt),
	}
	if doc.Payment != nil {
		request.Payment = &domain.PaymentDetails{
			PaymentStatus:    domain.PaymentStatus(strings.TrimSpace(doc.Payment.PaymentStatus)),
			PaidAmount:       doc.Payment.PaidAmount,
			DesignerPayoutID: cloneStringPtr(doc.Payment.DesignerPayoutID),
			DesignerPaidAt:   normalizeTimePointer(doc.Payment.DesignerPaidAt),
			ShopPayoutID:     cloneStringPtr(doc.Payment.ShopPayoutID),
			ShopPaidAt:       normalizeTimePointer(doc.Payment.ShopPaidAt),
		}
	}
	if len(doc.StatusHistory) > 0 {
		request.StatusHistory = make([]domain.StatusChange, 0, len(doc.StatusHistory))
		for _, change := range doc.StatusHistory {
			request.StatusHistory = append(request.StatusHistory, domain.StatusChange{
				From:    domain.RequestStatus(strings.TrimSpace(change.From)),
				To:      domain.RequestStatus(strings.TrimSpace(change.To)),
				ActorID: strings.TrimSpace(change.ActorID),
				At:      change.At.UTC(),
			})
		}
	}
	return request
}

func cloneStringPtr(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func cloneStringMap(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func chooseTime(primary time.Time, fallback time.Time) time.Time {
	if !primary.IsZero() {
		return primary.UTC()
	}
	if !fallback.IsZero() {
		return fallback.UTC()
	}
	return time.Time{}
}

func normalizeTimePointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	if value.IsZero() {
		return nil
	}
	ts := value.UTC()
	return &ts
}

func encodeCustomizationListToken(updatedAt time.Time, docID string) string {
	token, err := pagination.EncodeToken(pagination.Cursor{
		StartAfter: []any{updatedAt.UTC().Format(time.RFC3339Nano), docID},
	})
	if err != nil {
		return ""
	}
	return token
}

func decodeCustomizationListToken(token string) (time.Time, string, error) {
	cursor, err := pagination.DecodeToken(token)
	if err != nil {
		return time.Time{}, "", err
	}
	if len(cursor.StartAfter) != 2 {
		return time.Time{}, "", errors.New("invalid token structure")
	}
	raw, ok := cursor.StartAfter[0].(string)
	docID, okID := cursor.StartAfter[1].(string)
	if !ok || !okID || docID == "" {
		return time.Time{}, "", errors.New("invalid token structure")
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, "", err
	}
	return ts, docID, nil
}
