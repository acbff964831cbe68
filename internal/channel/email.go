package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Priya8975/hoa-notifier/internal/domain"
	"golang.org/x/time/rate"
)

// EmailConfig configures the SendGrid-compatible email adapter.
type EmailConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
	BaseURL   string
	TPS       int
	Timeout   time.Duration
}

// EmailAdapter sends email through a SendGrid v3 compatible API.
type EmailAdapter struct {
	cfg        EmailConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewEmailAdapter(cfg EmailConfig) (*EmailAdapter, error) {
	if cfg.APIKey == "" || cfg.FromEmail == "" {
		return nil, fmt.Errorf("email adapter: %w: api key and from address are required", ErrNotConfigured)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.sendgrid.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &EmailAdapter{
		cfg:        cfg,
		httpClient: newHTTPClient(cfg.Timeout),
		limiter:    newLimiter(cfg.TPS),
	}, nil
}

func (a *EmailAdapter) Name() string            { return "sendgrid" }
func (a *EmailAdapter) Channel() domain.Channel { return domain.ChannelEmail }

type sgAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sgPersonalization struct {
	To         []sgAddress       `json:"to"`
	CustomArgs map[string]string `json:"custom_args,omitempty"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgAttachment struct {
	Content     string `json:"content"`
	Filename    string `json:"filename"`
	Type        string `json:"type,omitempty"`
	Disposition string `json:"disposition"`
}

type sgMail struct {
	Personalizations []sgPersonalization `json:"personalizations"`
	From             sgAddress           `json:"from"`
	Subject          string              `json:"subject"`
	Content          []sgContent         `json:"content"`
	Attachments      []sgAttachment      `json:"attachments,omitempty"`
}

// Send posts the message to /v3/mail/send. The provider message ID is read
// from the X-Message-Id response header.
func (a *EmailAdapter) Send(ctx context.Context, msg Message) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for email rate limiter: %w", err)
	}

	mail := sgMail{
		Personalizations: []sgPersonalization{{
			To:         []sgAddress{{Email: msg.To}},
			CustomArgs: map[string]string{"notification_id": msg.NotificationID},
		}},
		From:    sgAddress{Email: a.cfg.FromEmail, Name: a.cfg.FromName},
		Subject: msg.Subject,
	}
	if msg.Text != "" {
		mail.Content = append(mail.Content, sgContent{Type: "text/plain", Value: msg.Text})
	}
	if msg.HTML != "" {
		mail.Content = append(mail.Content, sgContent{Type: "text/html", Value: msg.HTML})
	}
	for _, att := range msg.Attachments {
		mail.Attachments = append(mail.Attachments, sgAttachment{
			Content:     att.Content,
			Filename:    att.Filename,
			Type:        att.ContentType,
			Disposition: "attachment",
		})
	}

	payload, err := json.Marshal(mail)
	if err != nil {
		return "", fmt.Errorf("encoding email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/v3/mail/send", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating email request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if msg.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &ProviderError{Provider: a.Name(), StatusCode: resp.StatusCode, Body: readBody(resp.Body)}
	}

	id := resp.Header.Get("X-Message-Id")
	if id == "" {
		return "", fmt.Errorf("%s accepted the email without a message id", a.Name())
	}
	return id, nil
}
