package provider

import (
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

// ContractClient resolves contract fee configuration from the
// contract-management service. It implements escrow.ContractSource.
type ContractClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewContractClient constructs a contract service client.
func NewContractClient(baseURL, apiKey string, timeout time.Duration) *ContractClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ContractClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type contractPayload struct {
	ContractID           string          `json:"contractId"`
	Currency             string          `json:"currency"`
	PlatformFeePercent   decimal.Decimal `json:"platformFeePercent"`
	SecureMode           bool            `json:"secureMode"`
	SecureModeFeePercent decimal.Decimal `json:"secureModeFeePercent"`
	ProcessingFeePercent decimal.Decimal `json:"processingFeePercent"`
	FreelancerAccountID  string          `json:"freelancerAccountId"`
	ClientUserID         string          `json:"clientUserId"`
}

// Contract fetches the escrow-relevant slice of one contract.
func (c *ContractClient) Contract(ctx context.Context, contractID string) (escrow.ContractInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/contracts/"+contractID, nil)
	if err != nil {
		return escrow.ContractInfo{}, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return escrow.ContractInfo{}, fmt.Errorf("contract lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return escrow.ContractInfo{}, fmt.Errorf("%w: contract %s", escrow.ErrAccountNotFound, contractID)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return escrow.ContractInfo{}, fmt.Errorf("contract lookup failed: status=%d body=%s", resp.StatusCode, string(body))
	}
	var payload contractPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return escrow.ContractInfo{}, fmt.Errorf("contract response: %w", err)
	}
	return escrow.ContractInfo{
		ContractID:           payload.ContractID,
		Currency:             payload.Currency,
		PlatformFeePercent:   payload.PlatformFeePercent,
		SecureMode:           payload.SecureMode,
		SecureModeFeePercent: payload.SecureModeFeePercent,
		ProcessingFeePercent: payload.ProcessingFeePercent,
		FreelancerAccountID:  payload.FreelancerAccountID,
		ClientUserID:         payload.ClientUserID,
	}, nil
}
