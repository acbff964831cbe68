package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Priya8975/hoa-notifier/internal/domain"
	"github.com/jackc/pgx/v5"
)

// InsertOptOut appends an opt-out or re-subscribe record.
func (s *PostgresStore) InsertOptOut(ctx context.Context, o *domain.OptOut) error {
	meta := o.Metadata
	if meta == nil {
		meta = map[string]any{}
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO notification_opt_outs (id, user_id, type, reason, source, opted_out_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, o.ID, o.UserID, o.Type, o.Reason, o.Source, o.OccurredAt, meta).Scan(&o.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting opt-out: %w", err)
	}
	return nil
}

// LatestOptOut returns the most recent record for the user across the given
// channels, or nil when there is none.
func (s *PostgresStore) LatestOptOut(ctx context.Context, userID string, channels ...domain.Channel) (*domain.OptOut, error) {
	types := make([]string, len(channels))
	for i, c := range channels {
		types[i] = string(c)
	}

	var o domain.OptOut
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, type, reason, source, opted_out_at, metadata, created_at
		FROM notification_opt_outs
		WHERE user_id = $1 AND type = ANY($2)
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, types).Scan(
		&o.ID, &o.UserID, &o.Type, &o.Reason, &o.Source, &o.OccurredAt, &o.Metadata, &o.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying opt-out: %w", err)
	}
	return &o, nil
}

// ListOptOuts returns the full consent history of a user, newest first.
func (s *PostgresStore) ListOptOuts(ctx context.Context, userID string) ([]domain.OptOut, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, type, reason, source, opted_out_at, metadata, created_at
		FROM notification_opt_outs
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying opt-outs: %w", err)
	}
	defer rows.Close()

	records := []domain.OptOut{}
	for rows.Next() {
		var o domain.OptOut
		if err := rows.Scan(&o.ID, &o.UserID, &o.Type, &o.Reason, &o.Source, &o.OccurredAt, &o.Metadata, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning opt-out: %w", err)
		}
		records = append(records, o)
	}
	return records, rows.Err()
}

// GetPreference returns the user's preferences, or nil if none are stored.
func (s *PostgresStore) GetPreference(ctx context.Context, userID string) (*domain.Preference, error) {
	var p domain.Preference
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, email_enabled, sms_enabled, allowed_templates, updated_at
		FROM notification_preferences WHERE user_id = $1
	`, userID).Scan(&p.UserID, &p.EmailEnabled, &p.SMSEnabled, &p.AllowedTemplates, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying preference: %w", err)
	}
	return &p, nil
}

// UpsertPreference creates or replaces a user's preferences.
func (s *PostgresStore) UpsertPreference(ctx context.Context, p *domain.Preference) error {
	allowed := p.AllowedTemplates
	if allowed == nil {
		allowed = []string{}
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO notification_preferences (user_id, email_enabled, sms_enabled, allowed_templates, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET email_enabled = EXCLUDED.email_enabled,
		    sms_enabled = EXCLUDED.sms_enabled,
		    allowed_templates = EXCLUDED.allowed_templates,
		    updated_at = NOW()
		RETURNING updated_at
	`, p.UserID, p.EmailEnabled, p.SMSEnabled, allowed).Scan(&p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting preference: %w", err)
	}
	return nil
}

// UpsertContact creates or replaces a user's contact addresses.
func (s *PostgresStore) UpsertContact(ctx context.Context, c *domain.Contact) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO notification_contacts (user_id, email, phone, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET email = EXCLUDED.email, phone = EXCLUDED.phone, updated_at = NOW()
		RETURNING updated_at
	`, c.UserID, c.Email, c.Phone).Scan(&c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting contact: %w", err)
	}
	return nil
}

// FindContactByPhone resolves an E.164 phone number to a contact, or nil.
func (s *PostgresStore) FindContactByPhone(ctx context.Context, phone string) (*domain.Contact, error) {
	var c domain.Contact
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, email, phone, updated_at
		FROM notification_contacts WHERE phone = $1
		ORDER BY updated_at DESC LIMIT 1
	`, phone).Scan(&c.UserID, &c.Email, &c.Phone, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying contact: %w", err)
	}
	return &c, nil
}
