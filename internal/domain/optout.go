package domain

import (
	"time"
)

// OptOut is an append-only consent record. A nil OccurredAt marks a
// re-subscribe; the most recent record for a user and channel wins.
type OptOut struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Type       Channel        `json:"type"`
	Reason     string         `json:"reason,omitempty"`
	Source     string         `json:"source,omitempty"`
	OccurredAt *time.Time     `json:"occurred_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Active reports whether this record blocks delivery.
func (o *OptOut) Active() bool {
	return o != nil && o.OccurredAt != nil
}

// Preference holds a user's channel toggles and template allow-list.
// An empty AllowedTemplates list allows every template.
type Preference struct {
	UserID           string    `json:"user_id"`
	EmailEnabled     bool      `json:"email_enabled"`
	SMSEnabled       bool      `json:"sms_enabled"`
	AllowedTemplates []string  `json:"allowed_templates"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Enabled reports whether the channel is switched on.
func (p *Preference) Enabled(c Channel) bool {
	switch c {
	case ChannelEmail:
		return p.EmailEnabled
	case ChannelSMS:
		return p.SMSEnabled
	default:
		return false
	}
}

// Allows reports whether the template is in the allow-list.
func (p *Preference) Allows(template string) bool {
	if len(p.AllowedTemplates) == 0 {
		return true
	}
	for _, t := range p.AllowedTemplates {
		if t == template {
			return true
		}
	}
	return false
}

// Contact maps a user to the addresses the gateway may deliver to.
type Contact struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
