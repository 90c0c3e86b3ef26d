// Package provider implements the payment provider and contract service
// clients the escrow ledger depends on.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"skillancer/native/escrow"
)

// Client talks to the payment provider's REST API. It implements
// escrow.PaymentGateway. Transport failures surface as errors so the ledger
// can park the transaction; provider declines arrive in the response body
// and are returned as results, not errors.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient constructs a provider client against baseURL.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type moneyRequest struct {
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency,omitempty"`
	Source      string            `json:"source,omitempty"`
	Destination string            `json:"destination,omitempty"`
	ProviderRef string            `json:"providerRef,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type moneyResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Capture charges the client's payment method.
func (c *Client) Capture(ctx context.Context, amount decimal.Decimal, currency, paymentMethodID string, metadata map[string]string) (escrow.GatewayResult, error) {
	return c.post(ctx, "/v1/captures", moneyRequest{
		Amount:   amount,
		Currency: currency,
		Source:   paymentMethodID,
		Metadata: metadata,
	})
}

// Transfer pays out to the freelancer's provider account.
func (c *Client) Transfer(ctx context.Context, amount decimal.Decimal, currency, destinationAccountID string, metadata map[string]string) (escrow.GatewayResult, error) {
	return c.post(ctx, "/v1/transfers", moneyRequest{
		Amount:      amount,
		Currency:    currency,
		Destination: destinationAccountID,
		Metadata:    metadata,
	})
}

// RefundCapture returns part of a prior capture to its payment method.
func (c *Client) RefundCapture(ctx context.Context, providerRef string, amount decimal.Decimal) (escrow.GatewayResult, error) {
	return c.post(ctx, "/v1/refunds", moneyRequest{
		Amount:      amount,
		ProviderRef: providerRef,
	})
}

// CaptureState polls the authoritative status of a prior request.
func (c *Client) CaptureState(ctx context.Context, providerRef string) (escrow.GatewayResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/charges/"+providerRef, nil)
	if err != nil {
		return escrow.GatewayResult{}, err
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, body moneyRequest) (escrow.GatewayResult, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return escrow.GatewayResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return escrow.GatewayResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (escrow.GatewayResult, error) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return escrow.GatewayResult{}, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return escrow.GatewayResult{}, fmt.Errorf("provider %s failed: status=%d body=%s", req.URL.Path, resp.StatusCode, string(body))
	}
	var payload moneyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return escrow.GatewayResult{}, fmt.Errorf("provider response: %w", err)
	}
	status, err := normalizeStatus(payload.Status)
	if err != nil {
		return escrow.GatewayResult{}, err
	}
	return escrow.GatewayResult{
		ProviderRef: payload.ID,
		Status:      status,
		Reason:      payload.Reason,
	}, nil
}

// normalizeStatus folds the provider's status vocabulary onto the ledger's.
func normalizeStatus(raw string) (escrow.ProviderStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "succeeded", "captured", "paid", "settled":
		return escrow.ProviderSucceeded, nil
	case "declined", "failed", "rejected":
		return escrow.ProviderDeclined, nil
	case "pending", "processing", "requires_action":
		return escrow.ProviderPending, nil
	default:
		return "", fmt.Errorf("provider returned unknown status %q", raw)
	}
}
