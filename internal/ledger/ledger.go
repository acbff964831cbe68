package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/Priya8975/hoa-notifier/internal/domain"
	"github.com/Priya8975/hoa-notifier/internal/store"
	"github.com/google/uuid"
)

// ErrRecordNotFound is returned when no record matches an ID or provider ID.
var ErrRecordNotFound = errors.New("delivery record not found")

const (
	// MaxRetries caps how often a failed delivery is requeued.
	MaxRetries = 3
	// RetryWindow bounds how old a failed delivery may be to be requeued.
	RetryWindow = 24 * time.Hour

	dailyRollupDays  = 30
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// Store is the persistence the ledger needs.
type Store interface {
	InsertDelivery(ctx context.Context, rec *domain.DeliveryRecord) error
	GetDelivery(ctx context.Context, id string) (*domain.DeliveryRecord, error)
	UpdateDelivery(ctx context.Context, id string, fn store.MutateFunc) (bool, error)
	UpdateDeliveryByProviderID(ctx context.Context, providerID string, fn store.MutateFunc) (bool, error)
	ListDeliveries(ctx context.Context, f domain.DeliveryFilter, limit, offset int) ([]domain.DeliveryRecord, int, error)
	CountDeliveriesByStatus(ctx context.Context, f domain.DeliveryFilter) ([]domain.StatusCount, error)
	DailyDeliveryCounts(ctx context.Context, f domain.DeliveryFilter) ([]domain.DailyCount, error)
	ListRetryCandidates(ctx context.Context, since time.Time, maxRetries int) ([]domain.DeliveryRecord, error)
	DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Ledger is the durable record of every send attempt and its provider
// reported fate.
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func New(s Store, logger *slog.Logger) *Ledger {
	return &Ledger{store: s, logger: logger, now: time.Now}
}

// Record inserts a new delivery record. Missing IDs and timestamps are
// filled in.
func (l *Ledger) Record(ctx context.Context, rec *domain.DeliveryRecord) error {
	if rec.Status == "" {
		return fmt.Errorf("recording delivery: status is required")
	}
	now := l.now().UTC()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = now
	}
	rec.UpdatedAt = now
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}

	if err := l.store.InsertDelivery(ctx, rec); err != nil {
		return fmt.Errorf("recording delivery: %w", err)
	}
	return nil
}

// Get returns a record by ID.
func (l *Ledger) Get(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	rec, err := l.store.GetDelivery(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting delivery %s: %w", id, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return rec, nil
}

// StatusUpdate is a provider report about a message.
type StatusUpdate struct {
	ProviderID string
	Status     domain.Status
	Timestamp  time.Time
	Reason     string
	Metadata   map[string]any
}

// UpdateStatus applies a provider status to the record carrying its
// provider ID. It never inserts. Updates that would move a record
// backwards in its lifecycle are ignored, so duplicates and out of order
// deliveries are harmless. It reports whether the record changed.
func (l *Ledger) UpdateStatus(ctx context.Context, u StatusUpdate) (bool, error) {
	_, applied, err := l.updateStatus(ctx, u)
	return applied, err
}

func (l *Ledger) updateStatus(ctx context.Context, u StatusUpdate) (*domain.DeliveryRecord, bool, error) {
	if u.Timestamp.IsZero() {
		u.Timestamp = l.now()
	}
	u.Timestamp = u.Timestamp.UTC()

	var updated domain.DeliveryRecord
	applied, err := l.store.UpdateDeliveryByProviderID(ctx, u.ProviderID, func(rec *domain.DeliveryRecord) (bool, error) {
		if !advances(rec.Status, u.Status) {
			return false, nil
		}
		applyUpdate(rec, u)
		updated = *rec
		return true, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("%w: provider id %q", ErrRecordNotFound, u.ProviderID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("updating delivery status: %w", err)
	}
	if !applied {
		return nil, false, nil
	}
	return &updated, true, nil
}

func applyUpdate(rec *domain.DeliveryRecord, u StatusUpdate) {
	rec.Status = u.Status
	if impliesDelivery(u.Status) && rec.DeliveredAt == nil {
		ts := u.Timestamp
		rec.DeliveredAt = &ts
	}
	if (u.Status == domain.StatusFailed || u.Status == domain.StatusBounced) && u.Reason != "" {
		reason := u.Reason
		rec.ErrorMessage = &reason
	}

	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	for k, v := range u.Metadata {
		rec.Metadata[k] = v
	}
	rec.Metadata["last_status_at"] = u.Timestamp.Format(time.RFC3339)
}

// FailedCandidates lists recent failed or bounced deliveries that still
// have retries left.
func (l *Ledger) FailedCandidates(ctx context.Context) ([]domain.DeliveryRecord, error) {
	recs, err := l.store.ListRetryCandidates(ctx, l.now().Add(-RetryWindow), MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("listing failed deliveries: %w", err)
	}
	return recs, nil
}

// MarkForRetry moves a record to the retry status and bumps its counter.
func (l *Ledger) MarkForRetry(ctx context.Context, id string) error {
	_, err := l.store.UpdateDelivery(ctx, id, func(rec *domain.DeliveryRecord) (bool, error) {
		if rec.Metadata == nil {
			rec.Metadata = map[string]any{}
		}
		rec.Metadata[domain.MetaRetryCount] = rec.RetryCount() + 1
		rec.Metadata["last_retry_at"] = l.now().UTC().Format(time.RFC3339)
		rec.Status = domain.StatusRetry
		return true, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("marking delivery %s for retry: %w", id, err)
	}
	return nil
}

// Cleanup deletes records sent more than daysToKeep days ago.
func (l *Ledger) Cleanup(ctx context.Context, daysToKeep int) (int64, error) {
	if daysToKeep < 1 {
		return 0, fmt.Errorf("cleanup requires at least one day of retention, got %d", daysToKeep)
	}
	cutoff := l.now().Add(-time.Duration(daysToKeep) * 24 * time.Hour)
	deleted, err := l.store.DeleteDeliveriesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting old deliveries: %w", err)
	}
	if deleted > 0 {
		l.logger.Info("ledger cleanup", "deleted", deleted, "cutoff", cutoff.UTC().Format(time.RFC3339))
	}
	return deleted, nil
}

// Page selects a window of results. Pages start at 1.
type Page struct {
	Page  int
	Limit int
}

// HistoryPage is one page of delivery records, newest first.
type HistoryPage struct {
	Records []domain.DeliveryRecord `json:"records"`
	Total   int                     `json:"total"`
	Page    int                     `json:"page"`
	Limit   int                     `json:"limit"`
	Pages   int                     `json:"pages"`
}

// History lists records matching the filter.
func (l *Ledger) History(ctx context.Context, f domain.DeliveryFilter, p Page) (HistoryPage, error) {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}

	recs, total, err := l.store.ListDeliveries(ctx, f, p.Limit, (p.Page-1)*p.Limit)
	if err != nil {
		return HistoryPage{}, fmt.Errorf("listing deliveries: %w", err)
	}
	if recs == nil {
		recs = []domain.DeliveryRecord{}
	}

	return HistoryPage{
		Records: recs,
		Total:   total,
		Page:    p.Page,
		Limit:   p.Limit,
		Pages:   int(math.Ceil(float64(total) / float64(p.Limit))),
	}, nil
}

// RetryNotification rebuilds the notification behind a record from the
// template and data captured when it was sent. The copy gets a fresh ID
// so providers do not treat it as a duplicate of the failed attempt. It
// carries the chain root and the incremented retry counter, so records
// written for the retry count against the same budget.
func RetryNotification(rec domain.DeliveryRecord) (domain.Notification, error) {
	data, ok := rec.Metadata[domain.MetaData].(map[string]any)
	if !ok {
		return domain.Notification{}, fmt.Errorf("delivery %s has no stored template data", rec.ID)
	}
	tmpl := rec.Template
	if tmpl == "" {
		tmpl, _ = rec.Metadata[domain.MetaTemplate].(string)
	}

	return domain.Notification{
		ID:        uuid.NewString(),
		Type:      rec.Type,
		Recipient: rec.Recipient,
		Template:  tmpl,
		Data:      data,
		UserID:    rec.UserID,
		Metadata: map[string]any{
			domain.MetaRetryOf:    rec.ChainKey(),
			domain.MetaRetryCount: rec.RetryCount() + 1,
		},
	}, nil
}
