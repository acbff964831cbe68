package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// Channel is the delivery medium of a notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	// ChannelAll is only meaningful on opt-out records.
	ChannelAll Channel = "all"
)

// Valid reports whether c is a sendable channel.
func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelSMS
}

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phonePattern = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)
	phoneStrip   = regexp.MustCompile(`[\s\-\(\)\.]`)
)

// Attachment is a file sent alongside an email. Content is base64 encoded.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
}

// Notification is a single request to deliver a templated message.
type Notification struct {
	ID          string         `json:"id,omitempty"`
	Type        Channel        `json:"type"`
	Recipient   string         `json:"recipient"`
	Template    string         `json:"template"`
	Data        map[string]any `json:"data"`
	UserID      string         `json:"user_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
}

// ValidationError lists every problem found with a notification.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid notification: " + strings.Join(e.Problems, "; ")
}

// Validate checks required fields and that the recipient format matches the
// channel. It returns a *ValidationError or nil.
func (n Notification) Validate() error {
	var problems []string

	if n.Type == "" {
		problems = append(problems, "type is required")
	} else if !n.Type.Valid() {
		problems = append(problems, fmt.Sprintf("unsupported notification type %q", n.Type))
	}
	if n.Recipient == "" {
		problems = append(problems, "recipient is required")
	}
	if n.Template == "" {
		problems = append(problems, "template is required")
	}
	if n.Data == nil {
		problems = append(problems, "data is required")
	}

	if n.Recipient != "" {
		switch n.Type {
		case ChannelEmail:
			if !IsValidEmail(n.Recipient) {
				problems = append(problems, "recipient is not a valid email address")
			}
		case ChannelSMS:
			if !IsValidPhone(n.Recipient) {
				problems = append(problems, "recipient is not a valid phone number")
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// IsValidEmail reports whether s looks like an email address.
func IsValidEmail(s string) bool {
	return emailPattern.MatchString(s)
}

// IsValidPhone reports whether s looks like an E.164 phone number once
// common punctuation is removed.
func IsValidPhone(s string) bool {
	return phonePattern.MatchString(phoneStrip.ReplaceAllString(s, ""))
}

// NormalizePhone converts a phone number to E.164. Ten digit numbers are
// assumed to be North American.
func NormalizePhone(s string) string {
	digits := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			digits = append(digits, s[i])
		}
	}
	d := string(digits)

	switch {
	case len(d) == 10:
		return "+1" + d
	case len(d) == 11 && d[0] == '1':
		return "+" + d
	case d == "":
		return s
	default:
		return "+" + d
	}
}

// RenderedMessage is the output of rendering a template for one channel.
// SMS renders only populate Text.
type RenderedMessage struct {
	Subject string `json:"subject,omitempty"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text"`
}

// SendResult describes the outcome of a single send attempt.
type SendResult struct {
	Success    bool    `json:"success"`
	Denied     bool    `json:"denied,omitempty"`
	ProviderID string  `json:"provider_id,omitempty"`
	Provider   string  `json:"provider,omitempty"`
	RecordID   string  `json:"record_id,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Error      string  `json:"error,omitempty"`
	Channel    Channel `json:"channel,omitempty"`
	Recipient  string  `json:"recipient,omitempty"`
}
