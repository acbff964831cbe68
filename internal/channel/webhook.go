package channel

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Priya8975/hoa-notifier/internal/domain"
)

// SignatureHeader carries the hex HMAC-SHA256 of a webhook body.
const SignatureHeader = "X-Webhook-Signature"

// EmailEvent is one entry of an email provider event webhook.
type EmailEvent struct {
	ProviderID     string
	Event          string
	Status         domain.Status
	Email          string
	Timestamp      time.Time
	Reason         string
	URL            string
	NotificationID string
}

type sgEvent struct {
	Email          string `json:"email"`
	Timestamp      int64  `json:"timestamp"`
	Event          string `json:"event"`
	SGMessageID    string `json:"sg_message_id"`
	Reason         string `json:"reason"`
	Response       string `json:"response"`
	URL            string `json:"url"`
	NotificationID string `json:"notification_id"`
}

// ParseEmailEvents decodes an event webhook body. The body may be a JSON array
// or a single object. Entries that fail to decode are returned as errors
// without affecting the rest.
func ParseEmailEvents(body []byte) ([]EmailEvent, []error, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil, fmt.Errorf("empty webhook body")
	}

	var raw []json.RawMessage
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, nil, fmt.Errorf("decoding event batch: %w", err)
		}
	case '{':
		raw = []json.RawMessage{trimmed}
	default:
		return nil, nil, fmt.Errorf("webhook body is not a JSON object or array")
	}

	events := make([]EmailEvent, 0, len(raw))
	var errs []error
	for i, item := range raw {
		var e sgEvent
		if err := json.Unmarshal(item, &e); err != nil {
			errs = append(errs, fmt.Errorf("event %d: %w", i, err))
			continue
		}
		if e.SGMessageID == "" {
			errs = append(errs, fmt.Errorf("event %d: missing sg_message_id", i))
			continue
		}

		reason := e.Reason
		if reason == "" {
			reason = e.Response
		}
		ts := time.Now().UTC()
		if e.Timestamp > 0 {
			ts = time.Unix(e.Timestamp, 0).UTC()
		}

		events = append(events, EmailEvent{
			ProviderID:     providerMessageID(e.SGMessageID),
			Event:          e.Event,
			Status:         MapEmailEvent(e.Event),
			Email:          e.Email,
			Timestamp:      ts,
			Reason:         reason,
			URL:            e.URL,
			NotificationID: e.NotificationID,
		})
	}
	return events, errs, nil
}

// providerMessageID strips the routing suffix SendGrid appends to the
// X-Message-Id it returned at send time.
func providerMessageID(sgMessageID string) string {
	if i := strings.IndexByte(sgMessageID, '.'); i > 0 {
		return sgMessageID[:i]
	}
	return sgMessageID
}

// SMSStatus is a delivery status callback from the SMS provider.
type SMSStatus struct {
	ProviderID   string
	RawStatus    string
	Status       domain.Status
	To           string
	ErrorCode    string
	ErrorMessage string
	Timestamp    time.Time
}

// ParseSMSStatus reads a form-encoded status callback.
func ParseSMSStatus(form url.Values) (SMSStatus, error) {
	sid := form.Get("MessageSid")
	if sid == "" {
		sid = form.Get("SmsSid")
	}
	raw := form.Get("MessageStatus")
	if raw == "" {
		raw = form.Get("SmsStatus")
	}
	if sid == "" || raw == "" {
		return SMSStatus{}, fmt.Errorf("status callback requires MessageSid and MessageStatus")
	}

	return SMSStatus{
		ProviderID:   sid,
		RawStatus:    raw,
		Status:       MapSMSStatus(raw),
		To:           form.Get("To"),
		ErrorCode:    form.Get("ErrorCode"),
		ErrorMessage: form.Get("ErrorMessage"),
		Timestamp:    time.Now().UTC(),
	}, nil
}

// InboundSMS is a message sent by a resident to the service number.
type InboundSMS struct {
	ProviderID string
	From       string
	To         string
	Body       string
}

// ParseInboundSMS reads a form-encoded inbound message webhook.
func ParseInboundSMS(form url.Values) (InboundSMS, error) {
	in := InboundSMS{
		ProviderID: form.Get("MessageSid"),
		From:       form.Get("From"),
		To:         form.Get("To"),
		Body:       form.Get("Body"),
	}
	if in.From == "" {
		return InboundSMS{}, fmt.Errorf("inbound message requires From")
	}
	return in, nil
}

// VerifySignature checks a webhook body against its HMAC-SHA256 signature.
// An empty secret disables verification.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" {
		return true
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	expected := computeHMAC(body, secret)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// computeHMAC generates an HMAC-SHA256 signature for the payload.
func computeHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign returns the signature VerifySignature expects for body.
func Sign(secret string, body []byte) string {
	return computeHMAC(body, secret)
}
