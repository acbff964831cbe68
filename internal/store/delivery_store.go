package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Priya8975/hoa-notifier/internal/domain"
	"github.com/jackc/pgx/v5"
)

// MutateFunc edits a delivery record in place and reports whether anything
// changed. Returning an error aborts the update.
type MutateFunc func(rec *domain.DeliveryRecord) (bool, error)

const deliveryColumns = `id, notification_id, user_id, type, recipient, template, status,
	provider_id, provider, sent_at, delivered_at, error_message, metadata, updated_at`

func scanDelivery(row pgx.Row) (*domain.DeliveryRecord, error) {
	var rec domain.DeliveryRecord
	err := row.Scan(
		&rec.ID, &rec.NotificationID, &rec.UserID, &rec.Type, &rec.Recipient,
		&rec.Template, &rec.Status, &rec.ProviderID, &rec.Provider, &rec.SentAt,
		&rec.DeliveredAt, &rec.ErrorMessage, &rec.Metadata, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// InsertDelivery appends a delivery record.
func (s *PostgresStore) InsertDelivery(ctx context.Context, rec *domain.DeliveryRecord) error {
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]any{}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification_deliveries (id, notification_id, user_id, type, recipient, template, status,
			provider_id, provider, sent_at, delivered_at, error_message, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, rec.ID, rec.NotificationID, rec.UserID, rec.Type, rec.Recipient, rec.Template, rec.Status,
		rec.ProviderID, rec.Provider, rec.SentAt, rec.DeliveredAt, rec.ErrorMessage, meta, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting delivery: %w", err)
	}
	return nil
}

// GetDelivery returns a record by ID, or nil if it does not exist.
func (s *PostgresStore) GetDelivery(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	rec, err := scanDelivery(s.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM notification_deliveries WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying delivery: %w", err)
	}
	return rec, nil
}

// UpdateDelivery locks the record with the given ID and applies fn.
func (s *PostgresStore) UpdateDelivery(ctx context.Context, id string, fn MutateFunc) (bool, error) {
	return s.mutateDelivery(ctx, "id", id, fn)
}

// UpdateDeliveryByProviderID locks the record carrying the provider message
// ID and applies fn.
func (s *PostgresStore) UpdateDeliveryByProviderID(ctx context.Context, providerID string, fn MutateFunc) (bool, error) {
	if providerID == "" {
		return false, ErrNotFound
	}
	return s.mutateDelivery(ctx, "provider_id", providerID, fn)
}

func (s *PostgresStore) mutateDelivery(ctx context.Context, column, value string, fn MutateFunc) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := scanDelivery(tx.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM notification_deliveries WHERE `+column+` = $1
		 ORDER BY sent_at DESC LIMIT 1 FOR UPDATE`, value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("locking delivery: %w", err)
	}

	changed, err := fn(rec)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}

	meta := rec.Metadata
	if meta == nil {
		meta = map[string]any{}
	}

	_, err = tx.Exec(ctx, `
		UPDATE notification_deliveries
		SET status = $2, delivered_at = $3, error_message = $4, metadata = $5, updated_at = NOW()
		WHERE id = $1
	`, rec.ID, rec.Status, rec.DeliveredAt, rec.ErrorMessage, meta)
	if err != nil {
		return false, fmt.Errorf("updating delivery: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing transaction: %w", err)
	}
	return true, nil
}

// CountDeliveriesSince counts records for a user and channel sent at or after since.
func (s *PostgresStore) CountDeliveriesSince(ctx context.Context, userID string, ch domain.Channel, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM notification_deliveries
		WHERE user_id = $1 AND type = $2 AND sent_at >= $3
	`, userID, ch, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting deliveries: %w", err)
	}
	return n, nil
}

// deliveryWhere builds a WHERE clause and its arguments from a filter.
func deliveryWhere(f domain.DeliveryFilter) (string, []any) {
	var conditions []string
	var args []any
	argIdx := 1

	add := func(cond string, v any) {
		conditions = append(conditions, fmt.Sprintf(cond, argIdx))
		args = append(args, v)
		argIdx++
	}

	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Template != "" {
		add("template = $%d", f.Template)
	}
	if f.Recipient != "" {
		add("recipient = $%d", f.Recipient)
	}
	if f.Since != nil {
		add("sent_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("sent_at < $%d", *f.Until)
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// ListDeliveries returns a page of records, newest first, and the total
// number of matching rows.
func (s *PostgresStore) ListDeliveries(ctx context.Context, f domain.DeliveryFilter, limit, offset int) ([]domain.DeliveryRecord, int, error) {
	where, args := deliveryWhere(f)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM notification_deliveries`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting deliveries: %w", err)
	}

	query := `SELECT ` + deliveryColumns + ` FROM notification_deliveries` + where +
		fmt.Sprintf(" ORDER BY sent_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying deliveries: %w", err)
	}
	defer rows.Close()

	records := []domain.DeliveryRecord{}
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning delivery: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating deliveries: %w", err)
	}

	return records, total, nil
}

// CountDeliveriesByStatus groups matching records by channel and status.
func (s *PostgresStore) CountDeliveriesByStatus(ctx context.Context, f domain.DeliveryFilter) ([]domain.StatusCount, error) {
	where, args := deliveryWhere(f)

	rows, err := s.pool.Query(ctx, `
		SELECT type, status, COUNT(*) FROM notification_deliveries`+where+`
		GROUP BY type, status ORDER BY type, status
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying status counts: %w", err)
	}
	defer rows.Close()

	counts := []domain.StatusCount{}
	for rows.Next() {
		var c domain.StatusCount
		if err := rows.Scan(&c.Type, &c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// DailyDeliveryCounts rolls matching records up by UTC day and channel.
func (s *PostgresStore) DailyDeliveryCounts(ctx context.Context, f domain.DeliveryFilter) ([]domain.DailyCount, error) {
	where, args := deliveryWhere(f)

	rows, err := s.pool.Query(ctx, `
		SELECT
			date_trunc('day', sent_at AT TIME ZONE 'UTC') AS day,
			type,
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status IN ('delivered', 'opened', 'clicked', 'unsubscribed', 'spam')) AS delivered,
			COUNT(*) FILTER (WHERE status IN ('failed', 'bounced')) AS failed
		FROM notification_deliveries`+where+`
		GROUP BY day, type ORDER BY day, type
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying daily counts: %w", err)
	}
	defer rows.Close()

	counts := []domain.DailyCount{}
	for rows.Next() {
		var c domain.DailyCount
		if err := rows.Scan(&c.Day, &c.Type, &c.Total, &c.Delivered, &c.Failed); err != nil {
			return nil, fmt.Errorf("scanning daily count: %w", err)
		}
		c.Day = time.Date(c.Day.Year(), c.Day.Month(), c.Day.Day(), 0, 0, 0, 0, time.UTC)
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// ListRetryCandidates returns the newest record of each notification chain
// sent since the cutoff, when that record failed or bounced and its retry
// counter is below maxRetries.
func (s *PostgresStore) ListRetryCandidates(ctx context.Context, since time.Time, maxRetries int) ([]domain.DeliveryRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+` FROM (
			SELECT DISTINCT ON (chain) * FROM (
				SELECT *, COALESCE(NULLIF(metadata->>'retry_of', ''), NULLIF(notification_id, ''), id::text) AS chain
				FROM notification_deliveries
				WHERE sent_at >= $1
			) windowed
			ORDER BY chain, sent_at DESC, updated_at DESC
		) latest
		WHERE status IN ('failed', 'bounced')
		  AND COALESCE((metadata->>'retry_count')::int, 0) < $2
		ORDER BY sent_at ASC
	`, since, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("querying retry candidates: %w", err)
	}
	defer rows.Close()

	records := []domain.DeliveryRecord{}
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// DeleteDeliveriesBefore removes records sent before the cutoff.
func (s *PostgresStore) DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM notification_deliveries WHERE sent_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}
