package domain

import (
	"time"
)

// Status is the canonical delivery state of a record, independent of provider.
type Status string

const (
	StatusSent         Status = "sent"
	StatusDelivered    Status = "delivered"
	StatusBounced      Status = "bounced"
	StatusFailed       Status = "failed"
	StatusDeferred     Status = "deferred"
	StatusOpened       Status = "opened"
	StatusClicked      Status = "clicked"
	StatusUnsubscribed Status = "unsubscribed"
	StatusSpam         Status = "spam"
	StatusRetry        Status = "retry"
	StatusUnknown      Status = "unknown"
)

// Statuses lists every canonical status.
var Statuses = []Status{
	StatusSent, StatusDelivered, StatusBounced, StatusFailed, StatusDeferred,
	StatusOpened, StatusClicked, StatusUnsubscribed, StatusSpam, StatusRetry,
	StatusUnknown,
}

// Metadata keys carried on delivery records.
const (
	MetaRetryCount = "retry_count"
	MetaTemplate   = "template"
	MetaData       = "data"
	MetaAttempt    = "attempt"
	MetaRetryOf    = "retry_of"
)

// DeliveryRecord is the durable trace of one send attempt.
type DeliveryRecord struct {
	ID             string         `json:"id"`
	NotificationID string         `json:"notification_id"`
	UserID         string         `json:"user_id,omitempty"`
	Type           Channel        `json:"type"`
	Recipient      string         `json:"recipient"`
	Template       string         `json:"template"`
	Status         Status         `json:"status"`
	ProviderID     string         `json:"provider_id,omitempty"`
	Provider       string         `json:"provider"`
	SentAt         time.Time      `json:"sent_at"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	ErrorMessage   *string        `json:"error_message,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// RetryCount reads the retry counter from metadata. JSON round trips turn
// numbers into float64, so both forms are accepted.
func (r *DeliveryRecord) RetryCount() int {
	switch v := r.Metadata[MetaRetryCount].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// ChainKey identifies every record that belongs to one logical send,
// including the requeued retries of it.
func (r *DeliveryRecord) ChainKey() string {
	if root, ok := r.Metadata[MetaRetryOf].(string); ok && root != "" {
		return root
	}
	if r.NotificationID != "" {
		return r.NotificationID
	}
	return r.ID
}

// DeliveryFilter narrows ledger queries. Zero values match everything.
type DeliveryFilter struct {
	UserID    string
	Type      Channel
	Status    Status
	Template  string
	Recipient string
	Since     *time.Time
	Until     *time.Time
}

// StatusCount is one (type, status) bucket of the ledger.
type StatusCount struct {
	Type   Channel `json:"type"`
	Status Status  `json:"status"`
	Count  int     `json:"count"`
}

// DailyCount is a per-day, per-channel rollup of the ledger.
type DailyCount struct {
	Day       time.Time `json:"day"`
	Type      Channel   `json:"type"`
	Total     int       `json:"total"`
	Delivered int       `json:"delivered"`
	Failed    int       `json:"failed"`
}
