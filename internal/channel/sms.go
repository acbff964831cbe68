package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Priya8975/hoa-notifier/internal/domain"
	"golang.org/x/time/rate"
)

// SMSConfig configures the Twilio-compatible SMS adapter.
type SMSConfig struct {
	AccountSID        string
	AuthToken         string
	FromNumber        string
	BaseURL           string
	StatusCallbackURL string
	TPS               int
	Timeout           time.Duration
}

// SMSAdapter sends text messages through a Twilio compatible API.
type SMSAdapter struct {
	cfg        SMSConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewSMSAdapter(cfg SMSConfig) (*SMSAdapter, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromNumber == "" {
		return nil, fmt.Errorf("sms adapter: %w: account sid, auth token and from number are required", ErrNotConfigured)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &SMSAdapter{
		cfg:        cfg,
		httpClient: newHTTPClient(cfg.Timeout),
		limiter:    newLimiter(cfg.TPS),
	}, nil
}

func (a *SMSAdapter) Name() string            { return "twilio" }
func (a *SMSAdapter) Channel() domain.Channel { return domain.ChannelSMS }

type twilioMessage struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// Send creates a message resource and returns its SID.
func (a *SMSAdapter) Send(ctx context.Context, msg Message) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for sms rate limiter: %w", err)
	}

	form := url.Values{}
	form.Set("To", msg.To)
	form.Set("From", a.cfg.FromNumber)
	form.Set("Body", msg.Text)
	if a.cfg.StatusCallbackURL != "" {
		form.Set("StatusCallback", a.cfg.StatusCallbackURL)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", a.cfg.BaseURL, url.PathEscape(a.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("creating sms request: %w", err)
	}
	req.SetBasicAuth(a.cfg.AccountSID, a.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if msg.IdempotencyKey != "" {
		req.Header.Set("I-Twilio-Idempotency-Token", msg.IdempotencyKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending sms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &ProviderError{Provider: a.Name(), StatusCode: resp.StatusCode, Body: readBody(resp.Body)}
	}

	var out twilioMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding sms response: %w", err)
	}
	if out.ErrorCode != nil {
		return "", fmt.Errorf("%s rejected the message (%d): %s", a.Name(), *out.ErrorCode, out.ErrorMessage)
	}
	if out.SID == "" {
		return "", fmt.Errorf("%s accepted the message without a sid", a.Name())
	}
	return out.SID, nil
}
