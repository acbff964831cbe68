package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/Priya8975/hoa-notifier/internal/channel"
	"github.com/Priya8975/hoa-notifier/internal/domain"
)

// ConsentSignal is an applied provider event that withdraws consent.
type ConsentSignal struct {
	UserID    string         `json:"user_id"`
	Channel   domain.Channel `json:"channel"`
	Status    domain.Status  `json:"status"`
	Recipient string         `json:"recipient"`
}

// BatchResult summarises a webhook batch. One bad event never stops the
// others from being applied.
type BatchResult struct {
	Applied  int             `json:"applied"`
	Skipped  int             `json:"skipped"`
	Failed   int             `json:"failed"`
	Errors   []string        `json:"errors,omitempty"`
	Consents []ConsentSignal `json:"-"`
}

func (r *BatchResult) add(rec *domain.DeliveryRecord, applied bool, err error) {
	switch {
	case errors.Is(err, ErrRecordNotFound):
		r.Skipped++
	case err != nil:
		r.Failed++
		r.Errors = append(r.Errors, err.Error())
	case applied:
		r.Applied++
		if rec != nil && rec.UserID != "" &&
			(rec.Status == domain.StatusUnsubscribed || rec.Status == domain.StatusSpam) {
			r.Consents = append(r.Consents, ConsentSignal{
				UserID:    rec.UserID,
				Channel:   rec.Type,
				Status:    rec.Status,
				Recipient: rec.Recipient,
			})
		}
	default:
		r.Skipped++
	}
}

// ApplyEmailEvents applies a batch of email provider events.
func (l *Ledger) ApplyEmailEvents(ctx context.Context, events []channel.EmailEvent) BatchResult {
	var result BatchResult
	for _, e := range events {
		if e.Status == domain.StatusUnknown {
			result.Skipped++
			continue
		}

		meta := map[string]any{"last_event": e.Event}
		if e.URL != "" {
			meta["clicked_url"] = e.URL
		}
		if e.Reason != "" {
			meta["provider_reason"] = e.Reason
		}

		rec, applied, err := l.updateStatus(ctx, StatusUpdate{
			ProviderID: e.ProviderID,
			Status:     e.Status,
			Timestamp:  e.Timestamp,
			Reason:     e.Reason,
			Metadata:   meta,
		})
		if err != nil && !errors.Is(err, ErrRecordNotFound) {
			l.logger.Error("failed to apply email event",
				"provider_id", e.ProviderID,
				"event", e.Event,
				"error", err,
			)
			err = fmt.Errorf("event %s for %s: %w", e.Event, e.ProviderID, err)
		}
		result.add(rec, applied, err)
	}

	l.logger.Info("email events applied",
		"received", len(events),
		"applied", result.Applied,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	return result
}

// ApplySMSStatus applies one SMS status callback.
func (l *Ledger) ApplySMSStatus(ctx context.Context, s channel.SMSStatus) BatchResult {
	var result BatchResult
	if s.Status == domain.StatusUnknown {
		result.Skipped++
		return result
	}

	meta := map[string]any{"last_event": s.RawStatus}
	reason := s.ErrorMessage
	if s.ErrorCode != "" {
		meta["provider_error_code"] = s.ErrorCode
		if reason == "" {
			reason = "provider error " + s.ErrorCode
		}
	}

	rec, applied, err := l.updateStatus(ctx, StatusUpdate{
		ProviderID: s.ProviderID,
		Status:     s.Status,
		Timestamp:  s.Timestamp,
		Reason:     reason,
		Metadata:   meta,
	})
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		l.logger.Error("failed to apply sms status", "provider_id", s.ProviderID, "error", err)
	}
	result.add(rec, applied, err)
	return result
}
