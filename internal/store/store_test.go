package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Priya8975/hoa-notifier/internal/domain"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryStore_UpdateByProviderID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec := &domain.DeliveryRecord{ID: "r1", ProviderID: "p1", Type: domain.ChannelEmail, Status: domain.StatusSent, SentAt: time.Now()}
	if err := s.InsertDelivery(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	changed, err := s.UpdateDeliveryByProviderID(ctx, "p1", func(r *domain.DeliveryRecord) (bool, error) {
		r.Status = domain.StatusDelivered
		return true, nil
	})
	if err != nil || !changed {
		t.Fatalf("expected change, got changed=%v err=%v", changed, err)
	}

	got, _ := s.GetDelivery(ctx, "r1")
	if got.Status != domain.StatusDelivered {
		t.Errorf("expected delivered, got %s", got.Status)
	}

	_, err = s.UpdateDeliveryByProviderID(ctx, "missing", func(*domain.DeliveryRecord) (bool, error) { return true, nil })
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_RetryCandidates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	records := []domain.DeliveryRecord{
		{ID: "fresh-failed", Status: domain.StatusFailed, SentAt: now.Add(-time.Hour)},
		{ID: "fresh-bounced", Status: domain.StatusBounced, SentAt: now.Add(-2 * time.Hour)},
		{ID: "stale-failed", Status: domain.StatusFailed, SentAt: now.Add(-48 * time.Hour)},
		{ID: "exhausted", Status: domain.StatusFailed, SentAt: now, Metadata: map[string]any{domain.MetaRetryCount: 3}},
		{ID: "delivered", Status: domain.StatusDelivered, SentAt: now},
	}
	for i := range records {
		s.InsertDelivery(ctx, &records[i])
	}

	got, err := s.ListRetryCandidates(ctx, now.Add(-24*time.Hour), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
}

func TestMemoryStore_LatestOptOutWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ts := time.Now()

	s.InsertOptOut(ctx, &domain.OptOut{ID: "1", UserID: "u1", Type: domain.ChannelSMS, OccurredAt: &ts})
	s.InsertOptOut(ctx, &domain.OptOut{ID: "2", UserID: "u1", Type: domain.ChannelSMS})

	latest, err := s.LatestOptOut(ctx, "u1", domain.ChannelSMS, domain.ChannelAll)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if latest.ID != "2" || latest.Active() {
		t.Errorf("expected re-subscribe record to win, got %+v", latest)
	}
}

func TestRedisStore_SaveTemplatesKeepsExisting(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s := NewRedisFromClient(client)
	ctx := context.Background()

	if err := s.SaveTemplates(ctx, domain.ChannelSMS, map[string]string{"welcome": "v1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveTemplates(ctx, domain.ChannelSMS, map[string]string{"welcome": "v2", "newsletter": "n1"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.LoadTemplates(ctx, domain.ChannelSMS)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got["welcome"] != "v1" {
		t.Errorf("existing template was overwritten: %q", got["welcome"])
	}
	if got["newsletter"] != "n1" {
		t.Errorf("new template missing: %v", got)
	}
	if mr.HGet("templates:sms", "welcome") != "v1" {
		t.Error("expected templates to live in the templates:sms hash")
	}
}
