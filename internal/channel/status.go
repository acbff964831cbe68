package channel

import (
	"strings"

	"github.com/Priya8975/hoa-notifier/internal/domain"
)

var emailEvents = map[string]domain.Status{
	"delivered":   domain.StatusDelivered,
	"bounce":      domain.StatusBounced,
	"dropped":     domain.StatusFailed,
	"deferred":    domain.StatusDeferred,
	"processed":   domain.StatusSent,
	"open":        domain.StatusOpened,
	"click":       domain.StatusClicked,
	"unsubscribe": domain.StatusUnsubscribed,
	"spamreport":  domain.StatusSpam,
}

var smsStatuses = map[string]domain.Status{
	"delivered":   domain.StatusDelivered,
	"failed":      domain.StatusFailed,
	"undelivered": domain.StatusFailed,
	"sent":        domain.StatusSent,
	"received":    domain.StatusDelivered,
}

// MapEmailEvent translates an email provider event to a canonical status.
func MapEmailEvent(event string) domain.Status {
	if s, ok := emailEvents[strings.ToLower(event)]; ok {
		return s
	}
	return domain.StatusUnknown
}

// MapSMSStatus translates an SMS provider status to a canonical status.
func MapSMSStatus(status string) domain.Status {
	if s, ok := smsStatuses[strings.ToLower(status)]; ok {
		return s
	}
	return domain.StatusUnknown
}
