package disbursements

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// Callback headers the platform accepts from the disbursement provider.
const (
	CallbackSignatureHeader = "X-Callback-Signature"
	CallbackTokenHeader     = "X-Callback-Token"
)

// StripeLogger defines the logging contract for Stripe gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeTransferAPI interface {
	New(params *stripe.TransferParams) (*stripe.Transfer, error)
	Get(id string, params *stripe.TransferParams) (*stripe.Transfer, error)
}

type stripeClients struct {
	transfers stripeTransferAPI
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey         string
	Backends       *stripe.Backends
	CallbackSecret string
	CallbackToken  string
	Logger         StripeLogger
	Clock          func() time.Time
	Clients        *stripeClients
}

// StripeGateway implements the Gateway interface using Stripe Connect transfers.
type StripeGateway struct {
	api            stripeClients
	callbackSecret []byte
	callbackToken  string
	clock          func() time.Time
	logger         StripeLogger
}

// NewStripeGateway constructs a Stripe Gateway using the given configuration.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			transfers: sc.Transfers,
		}
	}
	if clients.transfers == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	if strings.TrimSpace(cfg.CallbackSecret) == "" && strings.TrimSpace(cfg.CallbackToken) == "" {
		return nil, errors.New("stripe: callback secret or token is required")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		api:            clients,
		callbackSecret: []byte(strings.TrimSpace(cfg.CallbackSecret)),
		callbackToken:  strings.TrimSpace(cfg.CallbackToken),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateDisbursement creates a Stripe transfer to the beneficiary's connected account.
func (g *StripeGateway) CreateDisbursement(ctx context.Context, req DisbursementRequest) (Disbursement, error) {
	if g == nil {
		return Disbursement{}, errors.New("stripe: gateway is nil")
	}
	externalID := strings.TrimSpace(req.ExternalID)
	if externalID == "" {
		return Disbursement{}, errors.New("stripe: external id is required")
	}
	if req.Amount <= 0 {
		return Disbursement{}, fmt.Errorf("stripe: disbursement amount must be positive, got %d", req.Amount)
	}
	beneficiary := strings.TrimSpace(req.BeneficiaryID)
	if beneficiary == "" {
		return Disbursement{}, errors.New("stripe: beneficiary account is required")
	}

	params := &stripe.TransferParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Destination:   stripe.String(beneficiary),
		TransferGroup: stripe.String(externalID),
	}
	params.Context = ctx
	params.SetIdempotencyKey(externalID)
	params.Metadata = map[string]string{
		"externalId": externalID,
	}
	if desc := strings.TrimSpace(req.Description); desc != "" {
		params.Description = stripe.String(desc)
	}
	for k, v := range req.Metadata {
		params.Metadata[k] = v
	}

	transfer, err := g.api.transfers.New(params)
	if err != nil {
		return Disbursement{}, fmt.Errorf("stripe: create transfer: %w", err)
	}

	g.logger(ctx, "disbursements.stripe.transfer.created", map[string]any{
		"transferId": transfer.ID,
		"externalId": externalID,
		"amount":     transfer.Amount,
		"currency":   transfer.Currency,
	})

	return stripeDisbursement(transfer, externalID), nil
}

// GetDisbursement retrieves a Stripe transfer.
func (g *StripeGateway) GetDisbursement(ctx context.Context, req LookupRequest) (Disbursement, error) {
	if g == nil {
		return Disbursement{}, errors.New("stripe: gateway is nil")
	}
	params := &stripe.TransferParams{}
	params.Context = ctx
	transfer, err := g.api.transfers.Get(strings.TrimSpace(req.DisbursementID), params)
	if err != nil {
		return Disbursement{}, fmt.Errorf("stripe: lookup transfer: %w", err)
	}
	externalID := transfer.TransferGroup
	if externalID == "" && transfer.Metadata != nil {
		externalID = transfer.Metadata["externalId"]
	}
	return stripeDisbursement(transfer, externalID), nil
}

// VerifyCallback validates the authenticity credentials on a provider callback.
// A configured secret requires an HMAC-SHA256 signature over the raw body; a
// configured token is compared in constant time.
func (g *StripeGateway) VerifyCallback(header http.Header, body []byte) error {
	if g == nil {
		return errors.New("stripe: gateway is nil")
	}

	if len(g.callbackSecret) > 0 {
		signature := strings.TrimSpace(header.Get(CallbackSignatureHeader))
		if signature == "" {
			return fmt.Errorf("%w: missing signature header", ErrInvalidCallback)
		}
		mac := hmac.New(sha256.New, g.callbackSecret)
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
			return fmt.Errorf("%w: signature mismatch", ErrInvalidCallback)
		}
		return nil
	}

	token := strings.TrimSpace(header.Get(CallbackTokenHeader))
	if token == "" {
		return fmt.Errorf("%w: missing token header", ErrInvalidCallback)
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(g.callbackToken)) != 1 {
		return fmt.Errorf("%w: token mismatch", ErrInvalidCallback)
	}
	return nil
}

func stripeDisbursement(transfer *stripe.Transfer, externalID string) Disbursement {
	if transfer == nil {
		return Disbursement{}
	}

	status := StatusPending
	failureCode := ""
	if transfer.Reversed || transfer.AmountReversed > 0 {
		status = StatusFailed
		failureCode = "TRANSFER_REVERSED"
	} else if transfer.ID != "" {
		// A transfer that exists and is not reversed has been accepted;
		// settlement is confirmed asynchronously via callbacks.
		status = StatusPending
	}

	raw := map[string]any{}
	if data, err := json.Marshal(transfer); err == nil {
		_ = json.Unmarshal(data, &raw)
	} else {
		raw["transfer"] = transfer
	}

	return Disbursement{
		ID:          transfer.ID,
		Provider:    "stripe",
		ExternalID:  strings.TrimSpace(externalID),
		Status:      status,
		Amount:      transfer.Amount,
		Currency:    strings.ToUpper(string(transfer.Currency)),
		FailureCode: failureCode,
		CreatedAt:   time.Unix(transfer.Created, 0).UTC(),
		Raw:         raw,
	}
}
