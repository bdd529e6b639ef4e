package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/craftlane/api/internal/domain"
	"github.com/craftlane/api/internal/disbursements"
	"github.com/craftlane/api/internal/repositories"
)

var (
	// ErrEscrowInvalidInput signals the caller provided invalid data.
	ErrEscrowInvalidInput = errors.New("escrow: invalid input")
	// ErrEscrowNotFound indicates the customization request could not be located.
	ErrEscrowNotFound = errors.New("escrow: request not found")
	// ErrEscrowInvalidState indicates the request is not in a payable state.
	ErrEscrowInvalidState = errors.New("escrow: invalid state")
	// ErrEscrowConflict indicates a concurrent release won the race.
	ErrEscrowConflict = errors.New("escrow: conflict")
	// ErrEscrowUpstream indicates the disbursement provider rejected or failed the call.
	ErrEscrowUpstream = errors.New("escrow: disbursement provider failure")
)

const (
	metadataDesignerPayoutRef = "designerPayoutRef"
	metadataShopPayoutRef     = "shopPayoutRef"
)

// errPayoutRefClaimed signals a concurrent release already stamped the role's
// reference between the caller's read and the claim transaction.
var errPayoutRefClaimed = errors.New("escrow: payout reference already claimed")

// PayoutAccountResolver maps a platform party to its provider payout account.
type PayoutAccountResolver interface {
	PayoutAccount(ctx context.Context, role domain.PayoutRole, partyID string) (string, error)
}

// DisbursementGateway is the slice of the disbursement manager the escrow
// service needs. Satisfied by *disbursements.Manager.
type DisbursementGateway interface {
	CreateDisbursement(ctx context.Context, payoutCtx disbursements.PayoutContext, req disbursements.DisbursementRequest) (disbursements.Disbursement, error)
}

// EscrowServiceDeps bundles collaborators required to construct the service.
type EscrowServiceDeps struct {
	Customizations repositories.CustomizationRepository
	Gateway        DisbursementGateway
	Accounts       PayoutAccountResolver
	Clock          func() time.Time
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type escrowService struct {
	customizations repositories.CustomizationRepository
	gateway        DisbursementGateway
	accounts       PayoutAccountResolver
	clock          func() time.Time
	logger         func(context.Context, string, map[string]any)
}

// NewEscrowService wires dependencies into a concrete EscrowService implementation.
func NewEscrowService(deps EscrowServiceDeps) (EscrowService, error) {
	if deps.Customizations == nil {
		return nil, errors.New("escrow service: customization repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("escrow service: disbursement gateway is required")
	}
	if deps.Accounts == nil {
		return nil, errors.New("escrow service: payout account resolver is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &escrowService{
		customizations: deps.Customizations,
		gateway:        deps.Gateway,
		accounts:       deps.Accounts,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// ReleaseDesignerPayout disburses the design fee minus commission to the
// assigned designer. The transfer settles asynchronously, so paid timestamps
// are written only when the provider callback confirms the disbursement.
func (s *escrowService) ReleaseDesignerPayout(ctx context.Context, requestID string) (PayoutResult, error) {
	request, err := s.loadRequest(ctx, requestID)
	if err != nil {
		return PayoutResult{}, err
	}

	if request.DesignerID == nil || strings.TrimSpace(*request.DesignerID) == "" {
		return PayoutResult{}, fmt.Errorf("%w: request %s has no assigned designer", ErrEscrowInvalidState, request.ID)
	}
	if request.Payment == nil {
		return PayoutResult{}, fmt.Errorf("%w: request %s carries no payment details", ErrEscrowInvalidState, request.ID)
	}
	if request.Status != domain.RequestStatusReadyForProduction {
		return PayoutResult{}, fmt.Errorf("%w: request %s is %s, designer payout requires %s", ErrEscrowInvalidState, request.ID, request.Status, domain.RequestStatusReadyForProduction)
	}

	if released, reference := designerAlreadyReleased(request); released {
		return PayoutResult{Reference: reference, AlreadyReleased: true}, nil
	}

	fee := request.Pricing.DesignFee
	if fee <= 0 {
		return PayoutResult{}, fmt.Errorf("%w: request %s has no design fee to release", ErrEscrowInvalidState, request.ID)
	}
	commission := domain.CalculateCommission(domain.CommissionParams{CustomizationDesignFee: fee})
	net := fee - commission.Amount
	if net <= 0 {
		return PayoutResult{}, fmt.Errorf("%w: request %s nets nothing after commission", ErrEscrowInvalidState, request.ID)
	}

	return s.release(ctx, request, domain.PayoutRoleDesigner, *request.DesignerID, net, commission)
}

// ReleaseShopPayout disburses the production share to the printing shop once
// the request is ready for production. Triggered by an operator, not by the
// customer approval flow.
func (s *escrowService) ReleaseShopPayout(ctx context.Context, requestID string) (PayoutResult, error) {
	request, err := s.loadRequest(ctx, requestID)
	if err != nil {
		return PayoutResult{}, err
	}

	if request.PrintingShopID == nil || strings.TrimSpace(*request.PrintingShopID) == "" {
		return PayoutResult{}, fmt.Errorf("%w: request %s has no printing shop", ErrEscrowInvalidState, request.ID)
	}
	if request.Payment == nil {
		return PayoutResult{}, fmt.Errorf("%w: request %s carries no payment details", ErrEscrowInvalidState, request.ID)
	}
	if request.Status != domain.RequestStatusReadyForProduction {
		return PayoutResult{}, fmt.Errorf("%w: request %s is %s, shop payout requires %s", ErrEscrowInvalidState, request.ID, request.Status, domain.RequestStatusReadyForProduction)
	}

	if released, reference := shopAlreadyReleased(request); released {
		return PayoutResult{Reference: reference, AlreadyReleased: true}, nil
	}

	share := request.Payment.PaidAmount - request.Pricing.DesignFee
	if share <= 0 {
		return PayoutResult{}, fmt.Errorf("%w: request %s has no production share to release", ErrEscrowInvalidState, request.ID)
	}
	commission := domain.CalculateCommission(domain.CommissionParams{ProductSubtotal: share})
	net := share - commission.Amount
	if net <= 0 {
		return PayoutResult{}, fmt.Errorf("%w: request %s nets nothing after commission", ErrEscrowInvalidState, request.ID)
	}

	return s.release(ctx, request, domain.PayoutRoleShop, *request.PrintingShopID, net, commission)
}

func (s *escrowService) release(ctx context.Context, request domain.CustomizationRequest, role domain.PayoutRole, partyID string, net int64, commission domain.Commission) (PayoutResult, error) {
	account, err := s.accounts.PayoutAccount(ctx, role, partyID)
	if err != nil {
		return PayoutResult{}, fmt.Errorf("%w: resolving %s payout account: %v", ErrEscrowUpstream, role, err)
	}
	if strings.TrimSpace(account) == "" {
		return PayoutResult{}, fmt.Errorf("%w: %s %s has no payout account", ErrEscrowInvalidState, role, partyID)
	}

	reference := fmt.Sprintf("%s-payout-%s-%d", role, request.ID, s.clock().UnixMilli())
	currency := request.Pricing.Currency
	key := metadataDesignerPayoutRef
	if role == domain.PayoutRoleShop {
		key = metadataShopPayoutRef
	}

	existing, err := s.claimReference(ctx, request.ID, key, reference)
	if err != nil {
		if errors.Is(err, errPayoutRefClaimed) {
			return PayoutResult{Reference: existing, AlreadyReleased: true}, nil
		}
		return PayoutResult{}, s.mapRepositoryError(err)
	}

	disbursement, err := s.gateway.CreateDisbursement(ctx, disbursements.PayoutContext{Currency: currency}, disbursements.DisbursementRequest{
		ExternalID:    reference,
		Amount:        net,
		Currency:      currency,
		BeneficiaryID: account,
		Description:   fmt.Sprintf("%s payout for %s", role, request.RequestNumber),
		Metadata: map[string]string{
			"requestId":      request.ID,
			"role":           string(role),
			"commissionType": string(commission.Type),
		},
	})
	if err != nil {
		s.releaseReference(ctx, request.ID, role, key, reference)
		return PayoutResult{}, fmt.Errorf("%w: %v", ErrEscrowUpstream, err)
	}

	s.logger(ctx, "escrow.payout.initiated", map[string]any{
		"requestId":      request.ID,
		"role":           string(role),
		"reference":      reference,
		"disbursementId": disbursement.ID,
		"amount":         net,
		"currency":       currency,
	})

	return PayoutResult{
		Reference:      reference,
		DisbursementID: disbursement.ID,
		Amount:         net,
		Currency:       currency,
	}, nil
}

// claimReference stamps the outgoing reference on the request before the
// provider is called, so of two concurrent releases only one reaches the
// gateway. A request whose reference slot is already occupied yields
// errPayoutRefClaimed with the occupying reference.
func (s *escrowService) claimReference(ctx context.Context, requestID, key, reference string) (string, error) {
	var existing string
	_, err := s.customizations.UpdateGuarded(ctx, requestID, domain.RequestStatusReadyForProduction, func(current domain.CustomizationRequest) (domain.CustomizationRequest, error) {
		if ref := strings.TrimSpace(current.Metadata[key]); ref != "" {
			existing = ref
			return domain.CustomizationRequest{}, errPayoutRefClaimed
		}
		if current.Metadata == nil {
			current.Metadata = map[string]string{}
		}
		current.Metadata[key] = reference
		current.UpdatedAt = s.clock()
		return current, nil
	})
	return existing, err
}

// releaseReference clears a claimed stamp whose gateway call failed so a
// retry can attempt the payout again. Best effort: the callback remains the
// hard idempotency barrier, and a stale stamp only blocks retries until an
// operator clears it.
func (s *escrowService) releaseReference(ctx context.Context, requestID string, role domain.PayoutRole, key, reference string) {
	_, err := s.customizations.UpdateGuarded(ctx, requestID, domain.RequestStatusReadyForProduction, func(current domain.CustomizationRequest) (domain.CustomizationRequest, error) {
		if current.Metadata[key] != reference {
			return current, nil
		}
		delete(current.Metadata, key)
		current.UpdatedAt = s.clock()
		return current, nil
	})
	if err != nil {
		s.logger(ctx, "escrow.payout.reference.clear_failed", map[string]any{
			"requestId": requestID,
			"role":      string(role),
			"reference": reference,
			"error":     err.Error(),
		})
	}
}

func (s *escrowService) loadRequest(ctx context.Context, requestID string) (domain.CustomizationRequest, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return domain.CustomizationRequest{}, fmt.Errorf("%w: request id is required", ErrEscrowInvalidInput)
	}
	request, err := s.customizations.FindByID(ctx, requestID)
	if err != nil {
		return domain.CustomizationRequest{}, s.mapRepositoryError(err)
	}
	return request, nil
}

func (s *escrowService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrEscrowNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrEscrowConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrEscrowUpstream, err)
		}
	}
	return err
}

func designerAlreadyReleased(request domain.CustomizationRequest) (bool, string) {
	if request.Payment != nil && request.Payment.DesignerPayoutID != nil && strings.TrimSpace(*request.Payment.DesignerPayoutID) != "" {
		return true, request.Metadata[metadataDesignerPayoutRef]
	}
	if reference := strings.TrimSpace(request.Metadata[metadataDesignerPayoutRef]); reference != "" {
		return true, reference
	}
	return false, ""
}

func shopAlreadyReleased(request domain.CustomizationRequest) (bool, string) {
	if request.Payment != nil && request.Payment.ShopPayoutID != nil && strings.TrimSpace(*request.Payment.ShopPayoutID) != "" {
		return true, request.Metadata[metadataShopPayoutRef]
	}
	if reference := strings.TrimSpace(request.Metadata[metadataShopPayoutRef]); reference != "" {
		return true, reference
	}
	return false, ""
}
