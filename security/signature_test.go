package security

import (
	"strings"
	"testing"
	"time"
)

const testWebhookSecret = "whsec_test_secret"

func TestSignPayload_Format(t *testing.T) {
	header := SignPayload([]byte(`{"type":"access.revoked"}`), testWebhookSecret, time.Now())

	if !strings.HasPrefix(header, "t=") {
		t.Errorf("header = %q, want t= prefix", header)
	}
	if !strings.Contains(header, ",v1=") {
		t.Errorf("header = %q, want v1 component", header)
	}
}

func TestVerifySignature_RoundTrip(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"access.revoked"}`)
	header := SignPayload(payload, testWebhookSecret, time.Now())

	if !VerifySignature(payload, header, testWebhookSecret, DefaultSignatureTolerance) {
		t.Error("VerifySignature() = false for a freshly signed payload")
	}
}

func TestVerifySignature_WrongSecret(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	header := SignPayload(payload, testWebhookSecret, time.Now())

	if VerifySignature(payload, header, "wrong-secret", DefaultSignatureTolerance) {
		t.Error("VerifySignature() = true with the wrong secret")
	}
}

func TestVerifySignature_TamperedPayload(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	header := SignPayload(payload, testWebhookSecret, time.Now())

	if VerifySignature([]byte(`{"id":"evt_2"}`), header, testWebhookSecret, DefaultSignatureTolerance) {
		t.Error("VerifySignature() = true for a tampered payload")
	}
}

func TestVerifySignature_StaleTimestamp(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	header := SignPayload(payload, testWebhookSecret, time.Now().Add(-10*time.Minute))

	if VerifySignature(payload, header, testWebhookSecret, DefaultSignatureTolerance) {
		t.Error("VerifySignature() = true for a 10-minute-old signature")
	}

	// Swapping in a fresh timestamp invalidates the MAC
	stale := SignPayload(payload, testWebhookSecret, time.Now().Add(-10*time.Minute))
	fresh := SignPayload(payload, testWebhookSecret, time.Now())
	spliced := fresh[:strings.Index(fresh, ",")] + stale[strings.Index(stale, ","):]
	if VerifySignature(payload, spliced, testWebhookSecret, DefaultSignatureTolerance) {
		t.Error("VerifySignature() = true for a spliced header")
	}
}

func TestVerifySignature_MalformedHeaders(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)

	cases := []string{
		"",
		"garbage",
		"t=123",
		"v1=abc",
		"t=notanumber,v1=abc",
	}
	for _, header := range cases {
		if VerifySignature(payload, header, testWebhookSecret, DefaultSignatureTolerance) {
			t.Errorf("VerifySignature() = true for malformed header %q", header)
		}
	}

	if VerifySignature(nil, SignPayload(payload, testWebhookSecret, time.Now()), testWebhookSecret, DefaultSignatureTolerance) {
		t.Error("VerifySignature() = true for empty payload")
	}
}
