package disbursements

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Status enumerates the normalised disbursement states shared across providers.
type Status string

const (
	// StatusPending indicates the provider accepted the disbursement but funds have not settled.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the provider reports the funds as delivered.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the provider could not deliver the funds.
	StatusFailed Status = "failed"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("disbursements: unsupported provider")
	// ErrInvalidCallback indicates the callback signature or token did not verify.
	ErrInvalidCallback = errors.New("disbursements: invalid callback credentials")
)

// NormalizeStatus folds the status vocabularies used by provider callbacks
// into the shared Status set.
func NormalizeStatus(raw string) Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SUCCEEDED", "COMPLETED", "PAID", "SETTLED", "DONE":
		return StatusSucceeded
	case "FAILED", "CANCELLED", "CANCELED", "REVERSED", "REJECTED":
		return StatusFailed
	default:
		return StatusPending
	}
}

// DisbursementRequest captures the payload required to create a payout.
// ExternalID doubles as the idempotency key and the correlation handle the
// provider echoes back in webhook callbacks.
type DisbursementRequest struct {
	ExternalID    string
	Amount        int64
	Currency      string
	BeneficiaryID string
	Description   string
	Metadata      map[string]string
}

// Disbursement normalises provider specific payout fields.
type Disbursement struct {
	ID          string
	Provider    string
	ExternalID  string
	Status      Status
	Amount      int64
	Currency    string
	FailureCode string
	CreatedAt   time.Time
	Raw         map[string]any
}

// LookupRequest retrieves provider specific payout details for reconciliation.
type LookupRequest struct {
	DisbursementID string
}

// Gateway defines the contract for disbursement provider adapters.
type Gateway interface {
	CreateDisbursement(ctx context.Context, req DisbursementRequest) (Disbursement, error)
	GetDisbursement(ctx context.Context, req LookupRequest) (Disbursement, error)
	VerifyCallback(header http.Header, body []byte) error
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers       map[string]Gateway
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Gateway, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("disbursements: at least one provider is required")
	}
	copyMap := make(map[string]Gateway, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("disbursements: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
	}
	if _, ok := copyMap["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PayoutContext defines the hints available when selecting a provider.
type PayoutContext struct {
	PreferredProvider string
	Currency          string
}

func (m *Manager) resolveProvider(ctx PayoutContext) (string, Gateway, error) {
	if m == nil {
		return "", nil, errors.New("disbursements: manager is nil")
	}
	if len(m.providers) == 0 {
		return "", nil, errors.New("disbursements: no providers registered")
	}
	if provider := strings.TrimSpace(strings.ToLower(ctx.PreferredProvider)); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currency != "" && m.currencyRoutes != nil {
		if providerKey, ok := m.currencyRoutes[currency]; ok {
			provider := strings.TrimSpace(strings.ToLower(providerKey))
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// CreateDisbursement delegates to the resolved provider.
func (m *Manager) CreateDisbursement(ctx context.Context, payoutCtx PayoutContext, req DisbursementRequest) (Disbursement, error) {
	key, provider, err := m.resolveProvider(payoutCtx)
	if err != nil {
		return Disbursement{}, err
	}
	disbursement, err := provider.CreateDisbursement(ctx, req)
	if err != nil {
		return Disbursement{}, err
	}
	disbursement.Provider = key
	return disbursement, nil
}

// GetDisbursement delegates to the resolved provider.
func (m *Manager) GetDisbursement(ctx context.Context, payoutCtx PayoutContext, req LookupRequest) (Disbursement, error) {
	_, provider, err := m.resolveProvider(payoutCtx)
	if err != nil {
		return Disbursement{}, err
	}
	return provider.GetDisbursement(ctx, req)
}

// VerifyCallback checks the callback credentials against every registered
// provider and succeeds when any of them accepts.
func (m *Manager) VerifyCallback(header http.Header, body []byte) error {
	if m == nil || len(m.providers) == 0 {
		return errors.New("disbursements: no providers registered")
	}
	for _, provider := range m.providers {
		if err := provider.VerifyCallback(header, body); err == nil {
			return nil
		}
	}
	return ErrInvalidCallback
}
