package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestMaskFieldRedactsPaymentIdentifiers(t *testing.T) {
	attr := MaskField("paymentMethodId", "pm_card_visa")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("payment method leaked: %s", attr.Value.String())
	}
	attr = MaskField("contractId", "c-123")
	if attr.Value.String() != "c-123" {
		t.Fatalf("allowlisted key masked: %s", attr.Value.String())
	}
	attr = MaskField("destination", "")
	if attr.Value.String() != "" {
		t.Fatalf("empty value rewritten: %s", attr.Value.String())
	}
}

func TestAllowlistExcludesSensitiveKeys(t *testing.T) {
	for _, key := range []string{"paymentmethodid", "destination", "providerref", "authorization"} {
		if IsAllowlisted(key) {
			t.Fatalf("sensitive key %q is allowlisted", key)
		}
	}
	for _, key := range []string{"contractId", "disputeId", "amount", "currency"} {
		if !IsAllowlisted(key) {
			t.Fatalf("expected %q to be allowlisted", key)
		}
	}
}

func TestSetupWriterEmitsRenamedKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWriter("escrow-test", "test", &buf)
	logger.Info("hello", "contractId", "c-1")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parse log line: %v", err)
	}
	if entry["message"] != "hello" {
		t.Fatalf("message key missing: %v", entry)
	}
	if entry["severity"] != "INFO" {
		t.Fatalf("severity key missing: %v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("timestamp key missing: %v", entry)
	}
	if entry["service"] != "escrow-test" {
		t.Fatalf("service attribute missing: %v", entry)
	}
}
