package escrow

import (
	"context"

	"github.com/shopspring/decimal"
)

// ProviderStatus is the normalised outcome of a provider-side money movement.
type ProviderStatus string

const (
	// ProviderSucceeded means the provider confirmed the movement.
	ProviderSucceeded ProviderStatus = "succeeded"
	// ProviderDeclined means the provider rejected the movement outright.
	ProviderDeclined ProviderStatus = "declined"
	// ProviderPending means the provider has accepted the request but not yet
	// settled it; the authoritative answer arrives by webhook or polling.
	ProviderPending ProviderStatus = "pending"
)

// GatewayResult carries the provider's answer for a single request.
type GatewayResult struct {
	ProviderRef string
	Status      ProviderStatus
	Reason      string
}

// PaymentGateway abstracts the money-movement provider. The ledger depends
// only on this capability interface and never on a provider wire format.
// Every call may block on network I/O and honours context cancellation;
// cancelling a call does not decide the outcome, which the ledger later
// resolves through CaptureState.
type PaymentGateway interface {
	// Capture charges the client's payment method for a fund operation.
	Capture(ctx context.Context, amount decimal.Decimal, currency, paymentMethodID string, metadata map[string]string) (GatewayResult, error)
	// Transfer moves released funds to the freelancer's payout destination.
	Transfer(ctx context.Context, amount decimal.Decimal, currency, destinationAccountID string, metadata map[string]string) (GatewayResult, error)
	// RefundCapture returns part of a previous capture to the client.
	RefundCapture(ctx context.Context, providerRef string, amount decimal.Decimal) (GatewayResult, error)
	// CaptureState polls the authoritative status of a previous request. The
	// reconciliation sweep uses it to settle transactions whose original call
	// timed out.
	CaptureState(ctx context.Context, providerRef string) (GatewayResult, error)
}

// ContractInfo is the escrow-relevant slice of a contract owned by the
// contract-management service: fee configuration plus the provider-side
// identities of both parties.
type ContractInfo struct {
	ContractID           string
	Currency             string
	PlatformFeePercent   decimal.Decimal
	SecureMode           bool
	SecureModeFeePercent decimal.Decimal
	// ProcessingFeePercent is the provider rate for the contract's payment
	// method, resolved by the contract service from provider configuration.
	ProcessingFeePercent decimal.Decimal
	FreelancerAccountID  string
	ClientUserID         string
}

// ContractSource resolves contract fee configuration for the ledger. Reads
// only; the ledger never mutates contract state besides milestone flags.
type ContractSource interface {
	Contract(ctx context.Context, contractID string) (ContractInfo, error)
}
