package disbursements

import (
	"context"
	"testing"

	stripe "github.com/stripe/stripe-go/v78"
)

type stubTransferAPI struct {
	lastNew *stripe.TransferParams
	lastGet string
	result  *stripe.Transfer
	err     error
}

func (s *stubTransferAPI) New(params *stripe.TransferParams) (*stripe.Transfer, error) {
	s.lastNew = params
	return s.result, s.err
}

func (s *stubTransferAPI) Get(id string, params *stripe.TransferParams) (*stripe.Transfer, error) {
	s.lastGet = id
	return s.result, s.err
}

func TestStripeGatewayCreateDisbursement(t *testing.T) {
	transfers := &stubTransferAPI{result: &stripe.Transfer{
		ID:            "tr_123",
		Amount:        9000,
		Currency:      stripe.CurrencyUSD,
		TransferGroup: "designer-payout-creq_1-1700000000000",
	}}
	gateway, err := NewStripeGateway(StripeGatewayConfig{
		CallbackToken: "cb_token",
		Clients:       &stripeClients{transfers: transfers},
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	disbursement, err := gateway.CreateDisbursement(context.Background(), DisbursementRequest{
		ExternalID:    "designer-payout-creq_1-1700000000000",
		Amount:        9000,
		Currency:      "USD",
		BeneficiaryID: "acct_designer",
		Description:   "designer payout",
	})
	if err != nil {
		t.Fatalf("create disbursement: %v", err)
	}

	if transfers.lastNew == nil {
		t.Fatalf("expected transfer params to be sent")
	}
	if got := stripe.Int64Value(transfers.lastNew.Amount); got != 9000 {
		t.Fatalf("expected amount 9000, got %d", got)
	}
	if got := stripe.StringValue(transfers.lastNew.Currency); got != "usd" {
		t.Fatalf("expected lowercase currency, got %q", got)
	}
	if got := stripe.StringValue(transfers.lastNew.TransferGroup); got != "designer-payout-creq_1-1700000000000" {
		t.Fatalf("unexpected transfer group: %q", got)
	}
	if disbursement.ID != "tr_123" {
		t.Fatalf("expected disbursement id tr_123, got %q", disbursement.ID)
	}
	if disbursement.ExternalID != "designer-payout-creq_1-1700000000000" {
		t.Fatalf("unexpected external id: %q", disbursement.ExternalID)
	}
	if disbursement.Status != StatusPending {
		t.Fatalf("expected pending status, got %s", disbursement.Status)
	}
}

func TestStripeGatewayReversedTransferFails(t *testing.T) {
	transfers := &stubTransferAPI{result: &stripe.Transfer{
		ID:       "tr_rev",
		Amount:   5000,
		Currency: stripe.CurrencyUSD,
		Reversed: true,
	}}
	gateway, err := NewStripeGateway(StripeGatewayConfig{
		CallbackToken: "cb_token",
		Clients:       &stripeClients{transfers: transfers},
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	disbursement, err := gateway.GetDisbursement(context.Background(), LookupRequest{DisbursementID: "tr_rev"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if transfers.lastGet != "tr_rev" {
		t.Fatalf("expected lookup by id, got %q", transfers.lastGet)
	}
	if disbursement.Status != StatusFailed {
		t.Fatalf("expected failed status for reversed transfer, got %s", disbursement.Status)
	}
	if disbursement.FailureCode != "TRANSFER_REVERSED" {
		t.Fatalf("unexpected failure code: %q", disbursement.FailureCode)
	}
}

func TestNewStripeGatewayValidatesConfig(t *testing.T) {
	if _, err := NewStripeGateway(StripeGatewayConfig{CallbackToken: "cb"}); err == nil {
		t.Fatalf("expected error when api key and clients are both missing")
	}
	if _, err := NewStripeGateway(StripeGatewayConfig{Clients: &stripeClients{transfers: &stubTransferAPI{}}}); err == nil {
		t.Fatalf("expected error when callback credentials are missing")
	}
}
