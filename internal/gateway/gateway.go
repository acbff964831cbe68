package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Priya8975/hoa-notifier/internal/channel"
	"github.com/Priya8975/hoa-notifier/internal/compliance"
	"github.com/Priya8975/hoa-notifier/internal/domain"
	"github.com/Priya8975/hoa-notifier/internal/metrics"
	"github.com/Priya8975/hoa-notifier/internal/template"
	"github.com/google/uuid"
)

var (
	// ErrThrottled means the provider's shared throughput limit is
	// exhausted. Nothing was sent; the caller should try again later.
	ErrThrottled = errors.New("provider throughput limit reached")
	// ErrNoAdapter means no adapter serves the notification's channel.
	ErrNoAdapter = errors.New("no adapter configured for channel")
)

const circuitOpenReason = "provider circuit open"

type Renderer interface {
	Render(ctx context.Context, ch domain.Channel, name string, data map[string]any) (domain.RenderedMessage, error)
}

type Gate interface {
	Evaluate(ctx context.Context, c compliance.Check) (compliance.Decision, error)
}

type Recorder interface {
	Record(ctx context.Context, rec *domain.DeliveryRecord) error
}

// Breaker is consulted before every provider call and told how it went.
type Breaker interface {
	AllowRequest(ctx context.Context, provider string) (string, bool)
	RecordSuccess(ctx context.Context, provider string)
	RecordFailure(ctx context.Context, provider string)
}

// Throttle caps sends per provider per second across instances.
type Throttle interface {
	Allow(ctx context.Context, provider string, limit int) bool
}

// SenderDefaults are merged beneath the caller's template data.
type SenderDefaults struct {
	CompanyName    string
	CompanyAddress string
	SupportEmail   string
	// UnsubscribeURL is a base; the recipient's user ID is appended.
	UnsubscribeURL string
}

type Options struct {
	// Bypass skips compliance and ledger writes. Demo and local use only.
	Bypass            bool
	ProviderRateLimit int
	Sender            SenderDefaults
	Breaker           Breaker
	Throttle          Throttle
}

// Gateway turns a notification into at most one provider call and one
// ledger record.
type Gateway struct {
	renderer Renderer
	gate     Gate
	recorder Recorder
	adapters map[domain.Channel]channel.Adapter
	opts     Options
	logger   *slog.Logger
}

func New(renderer Renderer, gate Gate, recorder Recorder, adapters []channel.Adapter, logger *slog.Logger, opts Options) *Gateway {
	byChannel := make(map[domain.Channel]channel.Adapter, len(adapters))
	for _, a := range adapters {
		byChannel[a.Channel()] = a
	}
	return &Gateway{
		renderer: renderer,
		gate:     gate,
		recorder: recorder,
		adapters: byChannel,
		opts:     opts,
		logger:   logger,
	}
}

// Send validates, renders, checks compliance, calls the provider and
// records the attempt. Provider failures come back as an unsuccessful
// result with a nil error. Errors are returned for invalid input
// (*domain.ValidationError), throttling (ErrThrottled) and failures that
// happen before any provider call.
func (g *Gateway) Send(ctx context.Context, n domain.Notification) (domain.SendResult, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if err := n.Validate(); err != nil {
		return domain.SendResult{Error: err.Error(), Channel: n.Type, Recipient: n.Recipient}, err
	}
	if n.Type == domain.ChannelSMS {
		n.Recipient = domain.NormalizePhone(n.Recipient)
	}

	result := domain.SendResult{Channel: n.Type, Recipient: n.Recipient}

	data := g.templateData(n)
	msg, err := g.renderer.Render(ctx, n.Type, n.Template, data)
	if err != nil {
		result.Error = err.Error()
		if errors.Is(err, template.ErrTemplateNotFound) {
			return result, &domain.ValidationError{Problems: []string{err.Error()}}
		}
		return result, fmt.Errorf("rendering %s template %s: %w", n.Type, n.Template, err)
	}

	if !g.opts.Bypass {
		checked := n
		checked.Data = data
		decision, err := g.gate.Evaluate(ctx, compliance.Check{Notification: checked, Message: msg})
		if err != nil {
			result.Error = err.Error()
			return result, fmt.Errorf("evaluating compliance: %w", err)
		}
		if !decision.Allowed {
			g.recordDenial(n, decision)
			result.Denied = true
			result.Reason = decision.Reason
			return result, nil
		}
	}

	adapter, ok := g.adapters[n.Type]
	if !ok {
		result.Error = fmt.Sprintf("no adapter for %s", n.Type)
		return result, fmt.Errorf("%w: %s", ErrNoAdapter, n.Type)
	}
	provider := adapter.Name()
	result.Provider = provider

	if g.opts.Breaker != nil {
		if _, allowed := g.opts.Breaker.AllowRequest(ctx, provider); !allowed {
			metrics.NotificationsTotal.WithLabelValues(string(n.Type), n.Template, "circuit_open").Inc()
			result.Error = circuitOpenReason
			return result, nil
		}
	}
	if g.opts.Throttle != nil && !g.opts.Throttle.Allow(ctx, provider, g.opts.ProviderRateLimit) {
		metrics.NotificationsTotal.WithLabelValues(string(n.Type), n.Template, "throttled").Inc()
		result.Error = ErrThrottled.Error()
		return result, ErrThrottled
	}

	attempt := attemptOf(n)
	start := time.Now()
	providerID, sendErr := adapter.Send(ctx, channel.Message{
		NotificationID: n.ID,
		To:             n.Recipient,
		Subject:        msg.Subject,
		HTML:           msg.HTML,
		Text:           msg.Text,
		Attachments:    n.Attachments,
		IdempotencyKey: fmt.Sprintf("%s:%d", n.ID, attempt),
	})
	metrics.ProviderSendDuration.WithLabelValues(string(n.Type), provider).Observe(time.Since(start).Seconds())

	rec := &domain.DeliveryRecord{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Type:           n.Type,
		Recipient:      n.Recipient,
		Template:       n.Template,
		Status:         domain.StatusSent,
		ProviderID:     providerID,
		Provider:       provider,
		Metadata:       recordMetadata(n, attempt),
	}

	if sendErr != nil {
		if g.opts.Breaker != nil {
			g.opts.Breaker.RecordFailure(ctx, provider)
		}
		errMsg := sendErr.Error()
		rec.Status = domain.StatusFailed
		rec.ErrorMessage = &errMsg
		result.Error = errMsg

		g.logger.Warn("provider send failed",
			"notification_id", n.ID,
			"channel", n.Type,
			"provider", provider,
			"template", n.Template,
			"attempt", attempt,
			"error", sendErr,
		)
		metrics.NotificationsTotal.WithLabelValues(string(n.Type), n.Template, "failed").Inc()
	} else {
		if g.opts.Breaker != nil {
			g.opts.Breaker.RecordSuccess(ctx, provider)
		}
		result.Success = true
		result.ProviderID = providerID

		g.logger.Info("notification sent",
			"notification_id", n.ID,
			"channel", n.Type,
			"provider", provider,
			"provider_id", providerID,
			"template", n.Template,
		)
		metrics.NotificationsTotal.WithLabelValues(string(n.Type), n.Template, "sent").Inc()
	}

	if !g.opts.Bypass {
		if err := g.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
			g.logger.Error("failed to record delivery",
				"notification_id", n.ID,
				"provider_id", providerID,
				"error", err,
			)
		} else {
			result.RecordID = rec.ID
		}
	}

	return result, nil
}

func (g *Gateway) recordDenial(n domain.Notification, d compliance.Decision) {
	for _, c := range d.Checks {
		if !c.Passed {
			metrics.ComplianceDenials.WithLabelValues(string(n.Type), c.Name).Inc()
		}
	}
	metrics.NotificationsTotal.WithLabelValues(string(n.Type), n.Template, "denied").Inc()
	g.logger.Info("notification denied by compliance",
		"notification_id", n.ID,
		"channel", n.Type,
		"user_id", n.UserID,
		"template", n.Template,
		"reason", d.Reason,
	)
}

// templateData layers the caller's data over the sender defaults.
func (g *Gateway) templateData(n domain.Notification) map[string]any {
	s := g.opts.Sender
	data := make(map[string]any, len(n.Data)+4)
	if s.CompanyName != "" {
		data["companyName"] = s.CompanyName
	}
	if s.CompanyAddress != "" {
		data["companyAddress"] = s.CompanyAddress
	}
	if s.SupportEmail != "" {
		data["supportEmail"] = s.SupportEmail
	}
	if s.UnsubscribeURL != "" {
		url := s.UnsubscribeURL
		if n.UserID != "" {
			url = strings.TrimRight(url, "/") + "/" + n.UserID
		}
		data["unsubscribeUrl"] = url
	}
	for k, v := range n.Data {
		data[k] = v
	}
	return data
}

func attemptOf(n domain.Notification) int {
	switch v := n.Metadata[domain.MetaAttempt].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return 1
}

func recordMetadata(n domain.Notification, attempt int) map[string]any {
	meta := make(map[string]any, len(n.Metadata)+3)
	for k, v := range n.Metadata {
		meta[k] = v
	}
	meta[domain.MetaTemplate] = n.Template
	meta[domain.MetaData] = n.Data
	meta[domain.MetaAttempt] = attempt
	return meta
}
