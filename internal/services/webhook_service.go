package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	domain "github.com/craftlane/api/internal/domain"
	"github.com/craftlane/api/internal/disbursements"
	"github.com/craftlane/api/internal/repositories"
)

var (
	// ErrWebhookInvalidPayload signals the callback body could not be understood.
	ErrWebhookInvalidPayload = errors.New("webhook: invalid payload")
	// ErrWebhookUnknownReference signals an external id outside the payout reference format.
	ErrWebhookUnknownReference = errors.New("webhook: unknown external id format")
	// ErrWebhookRequestNotFound indicates the referenced customization request does not exist.
	ErrWebhookRequestNotFound = errors.New("webhook: request not found")
	// ErrWebhookConflict indicates the payout ledger already records a different disbursement.
	ErrWebhookConflict = errors.New("webhook: conflict")
)

// Provider dashboards fire test deliveries with synthetic ids. Those are
// acknowledged without touching any request.
var testReferencePattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

var testReferencePlaceholders = map[string]struct{}{
	"test":        {},
	"test-payout": {},
	"sample":      {},
	"example":     {},
	"placeholder": {},
}

// disbursementNotice is the provider-independent shape every callback payload
// is normalized into before reconciliation.
type disbursementNotice struct {
	DisbursementID string
	ExternalID     string
	Status         disbursements.Status
	Amount         int64
	FailureCode    string
}

// DisbursementWebhookServiceDeps bundles collaborators required to construct the service.
type DisbursementWebhookServiceDeps struct {
	Customizations repositories.CustomizationRepository
	Events         CustomizationEventPublisher
	Clock          func() time.Time
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type disbursementWebhookService struct {
	customizations repositories.CustomizationRepository
	events         CustomizationEventPublisher
	clock          func() time.Time
	logger         func(context.Context, string, map[string]any)
}

// NewDisbursementWebhookService wires dependencies into a concrete DisbursementWebhookService implementation.
func NewDisbursementWebhookService(deps DisbursementWebhookServiceDeps) (DisbursementWebhookService, error) {
	if deps.Customizations == nil {
		return nil, errors.New("disbursement webhook service: customization repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &disbursementWebhookService{
		customizations: deps.Customizations,
		events:         deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *disbursementWebhookService) HandleCallback(ctx context.Context, payload []byte) (CallbackOutcome, error) {
	notices, err := normalizeCallbackPayload(payload)
	if err != nil {
		return CallbackOutcome{}, err
	}

	outcome := CallbackOutcome{}
	for _, notice := range notices {
		result, err := s.reconcile(ctx, notice)
		if err != nil {
			return result, err
		}
		outcome.Handled = outcome.Handled || result.Handled
		outcome.Applied = outcome.Applied || result.Applied
		outcome.Test = outcome.Test || result.Test
		if result.RequestID != "" {
			outcome.RequestID = result.RequestID
			outcome.Role = result.Role
		}
		if result.Reason != "" {
			outcome.Reason = result.Reason
		}
	}
	return outcome, nil
}

func (s *disbursementWebhookService) reconcile(ctx context.Context, notice disbursementNotice) (CallbackOutcome, error) {
	if isTestReference(notice.ExternalID) {
		s.logger(ctx, "webhook.disbursement.test_delivery", map[string]any{
			"disbursementId": notice.DisbursementID,
			"externalId":     notice.ExternalID,
		})
		return CallbackOutcome{Handled: true, Test: true, Reason: "test delivery acknowledged"}, nil
	}

	role, requestID, err := parsePayoutReference(notice.ExternalID)
	if err != nil {
		return CallbackOutcome{}, err
	}

	switch notice.Status {
	case disbursements.StatusSucceeded:
		return s.applySuccess(ctx, notice, role, requestID)
	case disbursements.StatusFailed:
		return s.recordFailure(ctx, notice, role, requestID)
	default:
		// Pending notifications carry no new facts.
		return CallbackOutcome{Handled: true, RequestID: requestID, Role: role, Reason: "pending acknowledged"}, nil
	}
}

func (s *disbursementWebhookService) applySuccess(ctx context.Context, notice disbursementNotice, role domain.PayoutRole, requestID string) (CallbackOutcome, error) {
	request, applied, err := s.customizations.ApplyPayout(ctx, requestID, role, domain.PayoutRecord{
		DisbursementID: notice.DisbursementID,
		Amount:         notice.Amount,
		PaidAt:         s.clock(),
	})
	if err != nil {
		return CallbackOutcome{}, s.mapRepositoryError(err)
	}

	outcome := CallbackOutcome{Handled: true, Applied: applied, RequestID: requestID, Role: role}
	if !applied {
		outcome.Reason = "already recorded"
		return outcome, nil
	}

	s.logger(ctx, "webhook.disbursement.settled", map[string]any{
		"requestId":      requestID,
		"role":           string(role),
		"disbursementId": notice.DisbursementID,
		"amount":         notice.Amount,
	})
	s.publishEvent(ctx, CustomizationEvent{
		Type:       EventPayoutCompleted,
		RequestID:  requestID,
		OccurredAt: s.clock(),
		Payload: map[string]any{
			"role":           string(role),
			"disbursementId": notice.DisbursementID,
			"externalId":     notice.ExternalID,
			"amount":         notice.Amount,
			"status":         request.Status,
		},
	})
	return outcome, nil
}

func (s *disbursementWebhookService) recordFailure(ctx context.Context, notice disbursementNotice, role domain.PayoutRole, requestID string) (CallbackOutcome, error) {
	// A failed disbursement never mutates the request. Operators replay the
	// payout after resolving the provider-side failure.
	if _, err := s.customizations.FindByID(ctx, requestID); err != nil {
		return CallbackOutcome{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "webhook.disbursement.failed", map[string]any{
		"requestId":      requestID,
		"role":           string(role),
		"disbursementId": notice.DisbursementID,
		"failureCode":    notice.FailureCode,
	})
	s.publishEvent(ctx, CustomizationEvent{
		Type:       EventDisbursementFailed,
		RequestID:  requestID,
		OccurredAt: s.clock(),
		Payload: map[string]any{
			"role":           string(role),
			"disbursementId": notice.DisbursementID,
			"externalId":     notice.ExternalID,
			"failureCode":    notice.FailureCode,
		},
	})
	return CallbackOutcome{Handled: true, RequestID: requestID, Role: role, Reason: notice.FailureCode}, nil
}

func (s *disbursementWebhookService) publishEvent(ctx context.Context, event CustomizationEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishCustomizationEvent(ctx, event); err != nil {
		s.logger(ctx, "webhook.event.publish.failed", map[string]any{
			"eventType": event.Type,
			"requestId": event.RequestID,
			"error":     err.Error(),
		})
	}
}

func (s *disbursementWebhookService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrWebhookRequestNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrWebhookConflict, err)
		}
	}
	return err
}

// normalizeCallbackPayload accepts the three shapes providers send: an event
// envelope ({"event": ..., "data": ...}), a batch array, or a single
// disbursement object.
func normalizeCallbackPayload(payload []byte) ([]disbursementNotice, error) {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty body", ErrWebhookInvalidPayload)
	}

	if strings.HasPrefix(trimmed, "[") {
		var items []map[string]any
		if err := json.Unmarshal(payload, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWebhookInvalidPayload, err)
		}
		return noticesFromObjects(items)
	}

	var envelope map[string]any
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWebhookInvalidPayload, err)
	}

	if data, ok := envelope["data"]; ok {
		switch typed := data.(type) {
		case map[string]any:
			return noticesFromObjects([]map[string]any{typed})
		case []any:
			objects := make([]map[string]any, 0, len(typed))
			for _, item := range typed {
				object, ok := item.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("%w: data entries must be objects", ErrWebhookInvalidPayload)
				}
				objects = append(objects, object)
			}
			return noticesFromObjects(objects)
		default:
			return nil, fmt.Errorf("%w: unsupported data shape", ErrWebhookInvalidPayload)
		}
	}

	return noticesFromObjects([]map[string]any{envelope})
}

func noticesFromObjects(objects []map[string]any) ([]disbursementNotice, error) {
	if len(objects) == 0 {
		return nil, fmt.Errorf("%w: no disbursements in payload", ErrWebhookInvalidPayload)
	}
	notices := make([]disbursementNotice, 0, len(objects))
	for _, object := range objects {
		notice, err := noticeFromObject(object)
		if err != nil {
			return nil, err
		}
		notices = append(notices, notice)
	}
	return notices, nil
}

func noticeFromObject(object map[string]any) (disbursementNotice, error) {
	notice := disbursementNotice{
		DisbursementID: stringField(object, "disbursementId", "disbursement_id", "id"),
		ExternalID:     stringField(object, "externalId", "external_id", "reference", "transferGroup"),
		FailureCode:    stringField(object, "failureCode", "failure_code", "errorCode", "error_code"),
	}
	notice.Status = disbursements.NormalizeStatus(stringField(object, "status", "state"))

	amount, err := amountField(object, "amount", "netAmount", "net_amount")
	if err != nil {
		return disbursementNotice{}, err
	}
	notice.Amount = amount

	if notice.DisbursementID == "" {
		return disbursementNotice{}, fmt.Errorf("%w: disbursement id missing", ErrWebhookInvalidPayload)
	}
	if notice.ExternalID == "" {
		return disbursementNotice{}, fmt.Errorf("%w: external id missing", ErrWebhookInvalidPayload)
	}
	return notice, nil
}

func stringField(object map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := object[key]; ok {
			if text, ok := value.(string); ok && strings.TrimSpace(text) != "" {
				return strings.TrimSpace(text)
			}
		}
	}
	return ""
}

func amountField(object map[string]any, keys ...string) (int64, error) {
	for _, key := range keys {
		value, ok := object[key]
		if !ok {
			continue
		}
		switch typed := value.(type) {
		case float64:
			return int64(typed), nil
		case string:
			parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("%w: amount %q is not an integer", ErrWebhookInvalidPayload, typed)
			}
			return parsed, nil
		case json.Number:
			parsed, err := typed.Int64()
			if err != nil {
				return 0, fmt.Errorf("%w: amount %q is not an integer", ErrWebhookInvalidPayload, typed.String())
			}
			return parsed, nil
		}
	}
	return 0, nil
}

func isTestReference(externalID string) bool {
	if testReferencePattern.MatchString(externalID) {
		return true
	}
	_, ok := testReferencePlaceholders[strings.ToLower(externalID)]
	return ok
}

// parsePayoutReference splits "{role}-payout-{requestId}-{unixMillis}". Request
// ids are ULID based and contain no hyphens, so the split is unambiguous.
func parsePayoutReference(externalID string) (domain.PayoutRole, string, error) {
	segments := strings.Split(externalID, "-")
	if len(segments) != 4 || segments[1] != "payout" {
		return "", "", fmt.Errorf("%w: %q", ErrWebhookUnknownReference, externalID)
	}

	role := domain.PayoutRole(segments[0])
	if role != domain.PayoutRoleDesigner && role != domain.PayoutRoleShop {
		return "", "", fmt.Errorf("%w: unsupported role %q", ErrWebhookUnknownReference, segments[0])
	}
	requestID := segments[2]
	if requestID == "" {
		return "", "", fmt.Errorf("%w: %q", ErrWebhookUnknownReference, externalID)
	}
	if _, err := strconv.ParseInt(segments[3], 10, 64); err != nil {
		return "", "", fmt.Errorf("%w: %q", ErrWebhookUnknownReference, externalID)
	}
	return role, requestID, nil
}
