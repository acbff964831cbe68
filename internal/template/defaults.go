package template

import (
	"encoding/json"
	"fmt"

	"github.com/Priya8975/hoa-notifier/internal/domain"
)

const emailFooterHTML = `
<hr>
<p style="font-size:12px;color:#666">
  {{.companyName}}<br>
  {{.companyAddress}}<br>
  {{if .supportEmail}}Questions? Contact <a href="mailto:{{.supportEmail}}">{{.supportEmail}}</a><br>{{end}}
  <a href="{{.unsubscribeUrl}}">Unsubscribe</a> from these emails.
</p>`

const emailFooterText = `

--
{{.companyName}}
{{.companyAddress}}
Unsubscribe: {{.unsubscribeUrl}}`

const smsOptOut = " Reply STOP to opt out."

type emailDefault struct {
	subject string
	html    string
	text    string
}

var defaultEmail = map[string]emailDefault{
	"test_notification": {
		subject: "Test notification from {{.companyName}}",
		html:    `<p>Hello {{.recipientName | default "there"}},</p><p>This is a test notification. If you received it, email delivery is working.</p>`,
		text:    "Hello {{.recipientName | default \"there\"}},\n\nThis is a test notification. If you received it, email delivery is working.",
	},
	"request_notification": {
		subject: "New request: {{.requestTitle | truncate 60}}",
		html: `<p>Hello {{.recipientName | default "there"}},</p>
<p>A new {{.requestType | default "request"}} was submitted by {{.submitterName | default "a resident"}} on {{formatDate .submittedAt}}.</p>
<p><strong>{{.requestTitle}}</strong></p>
<p>{{.requestDescription}}</p>
{{if .requestUrl}}<p><a href="{{.requestUrl}}">Review the request</a></p>{{end}}`,
		text: "Hello {{.recipientName | default \"there\"}},\n\nA new {{.requestType | default \"request\"}} was submitted by {{.submitterName | default \"a resident\"}} on {{formatDate .submittedAt}}.\n\n{{.requestTitle}}\n{{.requestDescription}}{{if .requestUrl}}\n\nReview it at {{.requestUrl}}{{end}}",
	},
	"request_status_update": {
		subject: "Your request is now {{.status}}",
		html: `<p>Hello {{.recipientName | default "there"}},</p>
<p>Your request <strong>{{.requestTitle}}</strong> is now <strong>{{.status}}</strong>.</p>
{{if .comment}}<p>Comment from the board: {{.comment}}</p>{{end}}
{{if .requestUrl}}<p><a href="{{.requestUrl}}">View the request</a></p>{{end}}`,
		text: "Hello {{.recipientName | default \"there\"}},\n\nYour request \"{{.requestTitle}}\" is now {{.status}}.{{if .comment}}\n\nComment from the board: {{.comment}}{{end}}{{if .requestUrl}}\n\nView it at {{.requestUrl}}{{end}}",
	},
	"board_notification": {
		subject: "Board action needed: {{.subject | truncate 50}}",
		html: `<p>Hello {{.recipientName | default "board member"}},</p>
<p>{{.message}}</p>
{{if .pendingCount}}<p>There {{pluralize .pendingCount "is" "are"}} {{.pendingCount}} pending {{pluralize .pendingCount "item" "items"}} awaiting your vote.</p>{{end}}
{{if .actionUrl}}<p><a href="{{.actionUrl}}">Open the board portal</a></p>{{end}}`,
		text: "Hello {{.recipientName | default \"board member\"}},\n\n{{.message}}{{if .pendingCount}}\n\nThere {{pluralize .pendingCount \"is\" \"are\"}} {{.pendingCount}} pending {{pluralize .pendingCount \"item\" \"items\"}} awaiting your vote.{{end}}{{if .actionUrl}}\n\nOpen the board portal: {{.actionUrl}}{{end}}",
	},
	"form_reminder": {
		subject: "Reminder: {{.formName}} is due {{formatDate .dueDate}}",
		html: `<p>Hello {{.recipientName | default "there"}},</p>
<p>This is a reminder that <strong>{{.formName}}</strong> is due on {{formatDate .dueDate}}.</p>
{{if .formUrl}}<p><a href="{{.formUrl}}">Complete the form</a></p>{{end}}`,
		text: "Hello {{.recipientName | default \"there\"}},\n\nThis is a reminder that {{.formName}} is due on {{formatDate .dueDate}}.{{if .formUrl}}\n\nComplete it at {{.formUrl}}{{end}}",
	},
	"community_announcement": {
		subject: "{{.title | truncate 70}}",
		html: `<h2>{{.title}}</h2>
<p>{{.message}}</p>
{{if .eventDate}}<p>When: {{formatDateTime .eventDate}}</p>{{end}}
{{if .location}}<p>Where: {{.location}}</p>{{end}}`,
		text: "{{.title}}\n\n{{.message}}{{if .eventDate}}\n\nWhen: {{formatDateTime .eventDate}}{{end}}{{if .location}}\nWhere: {{.location}}{{end}}",
	},
	"newsletter": {
		subject: "{{.companyName}} newsletter: {{.edition | default \"this month\"}}",
		html: `<h2>{{.companyName}} newsletter</h2>
{{range .articles}}<h3>{{.title}}</h3><p>{{.summary}}</p>{{end}}
{{if .message}}<p>{{.message}}</p>{{end}}`,
		text: "{{.companyName}} newsletter\n{{range .articles}}\n{{.title}}\n{{.summary}}\n{{end}}{{if .message}}\n{{.message}}{{end}}",
	},
	"emergency_alert": {
		subject: "URGENT: {{.title | truncate 68}}",
		html: `<p style="color:#b00"><strong>{{.title}}</strong></p>
<p>{{.message}}</p>
{{if .instructions}}<p>{{.instructions}}</p>{{end}}`,
		text: "URGENT: {{.title}}\n\n{{.message}}{{if .instructions}}\n\n{{.instructions}}{{end}}",
	},
	"security_notification": {
		subject: "Security notice: {{.title | truncate 60}}",
		html: `<p><strong>{{.title}}</strong></p>
<p>{{.message}}</p>
{{if .occurredAt}}<p>Reported {{formatDateTime .occurredAt}}.</p>{{end}}`,
		text: "Security notice: {{.title}}\n\n{{.message}}{{if .occurredAt}}\n\nReported {{formatDateTime .occurredAt}}.{{end}}",
	},
	"welcome": {
		subject: "Welcome to {{.companyName}}",
		html: `<p>Hello {{.recipientName | default "neighbor"}},</p>
<p>Welcome to {{.companyName}}. Your account for {{.propertyAddress | default "your home"}} is ready.</p>
{{if .portalUrl}}<p><a href="{{.portalUrl}}">Sign in to the resident portal</a></p>{{end}}`,
		text: "Hello {{.recipientName | default \"neighbor\"}},\n\nWelcome to {{.companyName}}. Your account for {{.propertyAddress | default \"your home\"}} is ready.{{if .portalUrl}}\n\nSign in at {{.portalUrl}}{{end}}",
	},
}

var defaultSMS = map[string]string{
	"test_notification":      "{{.companyName}}: test message. SMS delivery is working.",
	"request_notification":   "{{.companyName}}: new {{.requestType | default \"request\"}} \"{{.requestTitle | truncate 40}}\" needs review.",
	"request_status_update":  "{{.companyName}}: your request \"{{.requestTitle | truncate 40}}\" is now {{.status}}.",
	"board_notification":     "{{.companyName}} board: {{.subject | truncate 60}}",
	"form_reminder":          "{{.companyName}}: {{.formName | truncate 40}} is due {{formatDate .dueDate}}.",
	"community_announcement": "{{.companyName}}: {{.title | truncate 70}}",
	"newsletter":             "{{.companyName}}: the new newsletter is out. Check your email for details.",
	"emergency_alert":        "URGENT {{.companyName}}: {{.message | truncate 80}}",
	"security_notification":  "{{.companyName}} security: {{.message | truncate 80}}",
	"welcome":                "Welcome to {{.companyName}}! You will receive community alerts here.",
}

// Defaults returns the built-in template definitions for a channel.
func Defaults(ch domain.Channel) map[string]Definition {
	out := make(map[string]Definition)
	switch ch {
	case domain.ChannelEmail:
		for name, d := range defaultEmail {
			out[name] = Definition{
				Subject: d.subject,
				HTML:    d.html + emailFooterHTML,
				Text:    d.text + emailFooterText,
			}
		}
	case domain.ChannelSMS:
		for name, text := range defaultSMS {
			out[name] = Definition{Text: text + smsOptOut}
		}
	}
	return out
}

// EncodedDefaults returns Defaults in the stored JSON form.
func EncodedDefaults(ch domain.Channel) (map[string]string, error) {
	defs := Defaults(ch)
	if len(defs) == 0 {
		return nil, fmt.Errorf("no default templates for channel %q", ch)
	}
	out := make(map[string]string, len(defs))
	for name, def := range defs {
		b, err := json.Marshal(def)
		if err != nil {
			return nil, fmt.Errorf("encoding template %s: %w", name, err)
		}
		out[name] = string(b)
	}
	return out, nil
}
