package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"testing"

	"github.com/Priya8975/hoa-notifier/internal/domain"
)

func TestComputeHMAC(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		secret  string
	}{
		{
			name:    "event batch",
			payload: []byte(`[{"event":"delivered","sg_message_id":"abc.filter01"}]`),
			secret:  "webhook-secret",
		},
		{
			name:    "empty payload",
			payload: []byte(`{}`),
			secret:  "secret",
		},
		{
			name:    "unicode payload",
			payload: []byte(`{"name":"café","price":"€10"}`),
			secret:  "unicode-key-日本語",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := computeHMAC(tt.payload, tt.secret)

			decoded, err := hex.DecodeString(sig)
			if err != nil {
				t.Fatalf("signature is not valid hex: %v", err)
			}
			if len(decoded) != 32 {
				t.Fatalf("expected 32 bytes, got %d", len(decoded))
			}

			mac := hmac.New(sha256.New, []byte(tt.secret))
			mac.Write(tt.payload)
			if expected := hex.EncodeToString(mac.Sum(nil)); sig != expected {
				t.Errorf("signature mismatch:\n  got:  %s\n  want: %s", sig, expected)
			}
		})
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event":"open"}`)
	sig := Sign("s3cret", body)

	tests := []struct {
		name   string
		secret string
		sig    string
		want   bool
	}{
		{"valid", "s3cret", sig, true},
		{"valid with prefix", "s3cret", "sha256=" + sig, true},
		{"wrong secret", "other", sig, false},
		{"missing signature", "s3cret", "", false},
		{"verification disabled", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(tt.secret, body, tt.sig); got != tt.want {
				t.Errorf("VerifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseEmailEvents(t *testing.T) {
	body := []byte(`[
		{"email":"a@example.com","timestamp":1767225600,"event":"delivered","sg_message_id":"msg1.filterdrecv-1"},
		{"email":"b@example.com","event":"bounce","sg_message_id":"msg2","reason":"mailbox full"},
		{"email":"c@example.com","event":"open"},
		"garbage",
		{"email":"d@example.com","event":"group_resubscribe","sg_message_id":"msg4"}
	]`)

	events, errs, err := ParseEmailEvents(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if len(errs) != 2 {
		t.Errorf("expected 2 per-event errors, got %d", len(errs))
	}

	if events[0].ProviderID != "msg1" {
		t.Errorf("routing suffix should be stripped, got %q", events[0].ProviderID)
	}
	if events[0].Status != domain.StatusDelivered || events[0].Timestamp.Unix() != 1767225600 {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].Status != domain.StatusBounced || events[1].Reason != "mailbox full" {
		t.Errorf("unexpected bounce: %+v", events[1])
	}
	if events[2].Status != domain.StatusUnknown {
		t.Errorf("unmapped event should be unknown, got %s", events[2].Status)
	}
}

func TestParseEmailEvents_SingleObject(t *testing.T) {
	events, errs, err := ParseEmailEvents([]byte(`{"event":"click","sg_message_id":"m1","url":"https://x"}`))
	if err != nil || len(errs) != 0 {
		t.Fatalf("unexpected errors: %v %v", err, errs)
	}
	if len(events) != 1 || events[0].Status != domain.StatusClicked {
		t.Errorf("unexpected events: %+v", events)
	}

	if _, _, err := ParseEmailEvents([]byte(`not json`)); err == nil {
		t.Error("expected error for non-JSON body")
	}
}

func TestParseSMSStatus(t *testing.T) {
	s, err := ParseSMSStatus(url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"undelivered"}, "ErrorCode": {"30003"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Status != domain.StatusFailed || s.ErrorCode != "30003" {
		t.Errorf("unexpected status: %+v", s)
	}

	if _, err := ParseSMSStatus(url.Values{"MessageStatus": {"sent"}}); err == nil {
		t.Error("expected error without sid")
	}
}

func TestParseInboundSMS(t *testing.T) {
	in, err := ParseInboundSMS(url.Values{"From": {"+15551234567"}, "Body": {"STOP"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Body != "STOP" || in.From != "+15551234567" {
		t.Errorf("unexpected inbound: %+v", in)
	}
	if _, err := ParseInboundSMS(url.Values{"Body": {"STOP"}}); err == nil {
		t.Error("expected error without From")
	}
}
