package compliance

import (
	"context"
	"fmt"
	"strings"

	"github.com/Priya8975/hoa-notifier/internal/domain"
	"github.com/google/uuid"
)

// Opt-out sources.
const (
	SourceSMSStop = "sms_stop"
	SourceAPI     = "api"
	SourceWebhook = "provider_webhook"
	SourceOptIn   = "opt_in"
)

var stopKeywords = map[string]bool{
	"STOP":        true,
	"STOPALL":     true,
	"UNSUBSCRIBE": true,
	"CANCEL":      true,
	"END":         true,
	"QUIT":        true,
	"OPT OUT":     true,
	"OPTOUT":      true,
}

// IsStopKeyword reports whether an inbound SMS body is an opt-out request.
func IsStopKeyword(body string) bool {
	return stopKeywords[strings.ToUpper(strings.Join(strings.Fields(body), " "))]
}

// RecordOptOut appends an opt-out. If the user is already opted out of the
// same channel the existing record is returned and nothing is written.
func (g *Gate) RecordOptOut(ctx context.Context, o domain.OptOut) (*domain.OptOut, error) {
	if o.UserID == "" {
		return nil, fmt.Errorf("opt-out requires a user id")
	}
	if !o.Type.Valid() && o.Type != domain.ChannelAll {
		return nil, fmt.Errorf("unsupported opt-out type %q", o.Type)
	}

	latest, err := g.store.LatestOptOut(ctx, o.UserID, o.Type)
	if err != nil {
		return nil, fmt.Errorf("checking existing opt-out: %w", err)
	}
	if latest.Active() {
		return latest, nil
	}

	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.OccurredAt == nil {
		now := g.now()
		o.OccurredAt = &now
	}

	if err := g.store.InsertOptOut(ctx, &o); err != nil {
		return nil, fmt.Errorf("recording opt-out: %w", err)
	}

	g.logger.Info("opt-out recorded",
		"user_id", o.UserID,
		"type", o.Type,
		"source", o.Source,
	)
	return &o, nil
}

// RecordOptIn appends a re-subscribe record for the channel.
func (g *Gate) RecordOptIn(ctx context.Context, userID string, ch domain.Channel, source string) (*domain.OptOut, error) {
	if userID == "" {
		return nil, fmt.Errorf("opt-in requires a user id")
	}
	if source == "" {
		source = SourceOptIn
	}

	o := domain.OptOut{
		ID:     uuid.NewString(),
		UserID: userID,
		Type:   ch,
		Reason: "resubscribed",
		Source: source,
	}
	if err := g.store.InsertOptOut(ctx, &o); err != nil {
		return nil, fmt.Errorf("recording opt-in: %w", err)
	}

	g.logger.Info("opt-in recorded", "user_id", userID, "type", ch, "source", source)
	return &o, nil
}

// ProcessSMSStop records an SMS opt-out for the user owning the phone number.
// Unknown numbers are logged and ignored.
func (g *Gate) ProcessSMSStop(ctx context.Context, phone, message string) (*domain.OptOut, error) {
	normalized := domain.NormalizePhone(phone)

	contact, err := g.store.FindContactByPhone(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("resolving phone number: %w", err)
	}
	if contact == nil {
		g.logger.Warn("stop request from unknown number", "phone", normalized)
		return nil, nil
	}

	return g.RecordOptOut(ctx, domain.OptOut{
		UserID: contact.UserID,
		Type:   domain.ChannelSMS,
		Reason: "user replied " + strings.ToUpper(strings.TrimSpace(message)),
		Source: SourceSMSStop,
		Metadata: map[string]any{
			"phone":   normalized,
			"message": message,
		},
	})
}
