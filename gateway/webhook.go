package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"skillancer/native/escrow"
	"skillancer/observability"
)

// HeaderWebhookSignature carries the provider's HMAC over the raw body.
const HeaderWebhookSignature = "X-Webhook-Signature"

type providerWebhookPayload struct {
	ProviderRef string `json:"providerRef"`
	Status      string `json:"status"`
	Reason      string `json:"reason"`
}

// handleProviderWebhook ingests the payment provider's terminal verdict for a
// parked capture. Deliveries are at-least-once; CompleteCapture is idempotent
// so replays are safe.
func (s *Server) handleProviderWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "ESCROW_INVALID_INPUT", "unreadable body")
		return
	}
	defer r.Body.Close()

	if !s.verifyWebhookSignature(body, r.Header.Get(HeaderWebhookSignature)) {
		writeErrorMessage(w, http.StatusUnauthorized, "WEBHOOK_SIGNATURE_INVALID", "signature verification failed")
		return
	}

	var payload providerWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "ESCROW_INVALID_INPUT", "malformed webhook payload")
		return
	}
	status, ok := providerStatusFromWire(payload.Status)
	if !ok {
		writeErrorMessage(w, http.StatusBadRequest, "ESCROW_INVALID_INPUT", "unknown provider status")
		return
	}

	tx, err := s.engine.CompleteCapture(r.Context(), payload.ProviderRef, status, payload.Reason)
	if err != nil {
		s.logger.Warn("webhook completion failed",
			"provider_ref", payload.ProviderRef,
			"status", payload.Status,
			"error", err,
		)
		s.writeError(w, err)
		return
	}
	observability.Recon().RecordSettled(string(tx.Status))
	writeJSON(w, http.StatusOK, map[string]interface{}{"transaction": transactionToPayload(tx)})
}

// verifyWebhookSignature checks the hex HMAC-SHA256 of the raw body using a
// constant-time comparison.
func (s *Server) verifyWebhookSignature(body []byte, signature string) bool {
	if len(s.webhookSecret) == 0 {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(provided) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, s.webhookSecret)
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

func providerStatusFromWire(raw string) (escrow.ProviderStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(escrow.ProviderSucceeded):
		return escrow.ProviderSucceeded, true
	case string(escrow.ProviderDeclined):
		return escrow.ProviderDeclined, true
	case string(escrow.ProviderPending):
		return escrow.ProviderPending, true
	default:
		return "", false
	}
}
