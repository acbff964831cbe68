package ledger

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/Priya8975/hoa-notifier/internal/channel"
	"github.com/Priya8975/hoa-notifier/internal/domain"
	"github.com/Priya8975/hoa-notifier/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLedger(t *testing.T) (*Ledger, *store.MemoryStore) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	s := store.NewMemoryStore()
	return New(s, logger), s
}

func recordSent(t *testing.T, l *Ledger, id, providerID string, ch domain.Channel) {
	t.Helper()
	err := l.Record(context.Background(), &domain.DeliveryRecord{
		ID:         id,
		UserID:     "user-1",
		Type:       ch,
		Recipient:  "owner@example.com",
		Template:   "welcome",
		Status:     domain.StatusSent,
		ProviderID: providerID,
		Provider:   "sendgrid",
	})
	require.NoError(t, err)
}

func TestRecord_FillsDefaults(t *testing.T) {
	l, s := setupLedger(t)
	ctx := context.Background()

	rec := &domain.DeliveryRecord{Type: domain.ChannelSMS, Status: domain.StatusFailed}
	require.NoError(t, l.Record(ctx, rec))
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.SentAt.IsZero())

	got, err := s.GetDelivery(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusFailed, got.Status)

	assert.Error(t, l.Record(ctx, &domain.DeliveryRecord{}), "status is required")
}

func TestUpdateStatus_Idempotent(t *testing.T) {
	l, s := setupLedger(t)
	ctx := context.Background()
	recordSent(t, l, "r1", "p1", domain.ChannelEmail)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	update := StatusUpdate{ProviderID: "p1", Status: domain.StatusDelivered, Timestamp: ts}

	applied, err := l.UpdateStatus(ctx, update)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = l.UpdateStatus(ctx, update)
	require.NoError(t, err)
	assert.False(t, applied, "a duplicate webhook must not change the record")

	applied, err = l.UpdateStatus(ctx, StatusUpdate{ProviderID: "p1", Status: domain.StatusDelivered, Timestamp: ts.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, applied)

	recs, total, err := s.ListDeliveries(ctx, domain.DeliveryFilter{}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, 1, total)

	rec, err := l.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, rec.Status)
	require.NotNil(t, rec.DeliveredAt)
	assert.True(t, rec.DeliveredAt.Equal(ts), "deliveredAt keeps the first delivery time")
}

func TestUpdateStatus_OutOfOrder(t *testing.T) {
	l, _ := setupLedger(t)
	ctx := context.Background()
	recordSent(t, l, "r1", "p1", domain.ChannelEmail)

	openedAt := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	applied, err := l.UpdateStatus(ctx, StatusUpdate{ProviderID: "p1", Status: domain.StatusOpened, Timestamp: openedAt})
	require.NoError(t, err)
	require.True(t, applied)

	// The delivered event arrives late.
	applied, err = l.UpdateStatus(ctx, StatusUpdate{ProviderID: "p1", Status: domain.StatusDelivered})
	require.NoError(t, err)
	assert.False(t, applied)

	rec, _ := l.Get(ctx, "r1")
	assert.Equal(t, domain.StatusOpened, rec.Status)
	require.NotNil(t, rec.DeliveredAt, "an open implies delivery")
	assert.True(t, rec.DeliveredAt.Equal(openedAt))
}

func TestUpdateStatus_Precedence(t *testing.T) {
	tests := []struct {
		current domain.Status
		next    domain.Status
		want    bool
	}{
		{domain.StatusSent, domain.StatusDeferred, false},
		{domain.StatusSent, domain.StatusDelivered, true},
		{domain.StatusDeferred, domain.StatusBounced, true},
		{domain.StatusDelivered, domain.StatusFailed, false},
		{domain.StatusDelivered, domain.StatusOpened, true},
		{domain.StatusOpened, domain.StatusClicked, true},
		{domain.StatusClicked, domain.StatusOpened, false},
		{domain.StatusClicked, domain.StatusSpam, true},
		{domain.StatusSpam, domain.StatusUnsubscribed, false},
		{domain.StatusSent, domain.StatusUnknown, false},
		{domain.StatusFailed, domain.StatusRetry, false},
		{domain.StatusRetry, domain.StatusSent, false},
		{domain.StatusRetry, domain.StatusFailed, false},
		{domain.StatusRetry, domain.StatusBounced, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.current)+"->"+string(tt.next), func(t *testing.T) {
			assert.Equal(t, tt.want, advances(tt.current, tt.next))
		})
	}
}

func TestUpdateStatus_UnknownProviderID(t *testing.T) {
	l, _ := setupLedger(t)

	_, err := l.UpdateStatus(context.Background(), StatusUpdate{ProviderID: "nope", Status: domain.StatusDelivered})
	assert.True(t, errors.Is(err, ErrRecordNotFound))
}

func TestUpdateStatus_FailureReasonAndMetadata(t *testing.T) {
	l, _ := setupLedger(t)
	ctx := context.Background()
	recordSent(t, l, "r1", "p1", domain.ChannelEmail)

	_, err := l.UpdateStatus(ctx, StatusUpdate{
		ProviderID: "p1",
		Status:     domain.StatusBounced,
		Reason:     "mailbox full",
		Metadata:   map[string]any{"last_event": "bounce"},
	})
	require.NoError(t, err)

	rec, _ := l.Get(ctx, "r1")
	require.NotNil(t, rec.ErrorMessage)
	assert.Equal(t, "mailbox full", *rec.ErrorMessage)
	assert.Equal(t, "bounce", rec.Metadata["last_event"])
	assert.Nil(t, rec.DeliveredAt)
}

func TestApplyEmailEvents_IsolatesFailures(t *testing.T) {
	l, _ := setupLedger(t)
	ctx := context.Background()
	recordSent(t, l, "r1", "p1", domain.ChannelEmail)
	recordSent(t, l, "r2", "p2", domain.ChannelEmail)

	events := []channel.EmailEvent{
		{ProviderID: "p1", Event: "delivered", Status: domain.StatusDelivered},
		{ProviderID: "missing", Event: "delivered", Status: domain.StatusDelivered},
		{ProviderID: "p2", Event: "blocked", Status: domain.StatusUnknown},
		{ProviderID: "p2", Event: "unsubscribe", Status: domain.StatusUnsubscribed},
		{ProviderID: "p1", Event: "delivered", Status: domain.StatusDelivered},
	}

	result := l.ApplyEmailEvents(ctx, events)
	assert.Equal(t, 2, result.Applied)
	assert.Equal(t, 3, result.Skipped)
	assert.Zero(t, result.Failed)

	require.Len(t, result.Consents, 1)
	assert.Equal(t, ConsentSignal{UserID: "user-1", Channel: domain.ChannelEmail, Status: domain.StatusUnsubscribed, Recipient: "owner@example.com"}, result.Consents[0])

	rec, _ := l.Get(ctx, "r2")
	assert.Equal(t, domain.StatusUnsubscribed, rec.Status)
}

func TestApplySMSStatus(t *testing.T) {
	l, _ := setupLedger(t)
	ctx := context.Background()
	recordSent(t, l, "r1", "SM1", domain.ChannelSMS)

	result := l.ApplySMSStatus(ctx, channel.SMSStatus{ProviderID: "SM1", RawStatus: "undelivered", Status: domain.StatusFailed, ErrorCode: "30003"})
	assert.Equal(t, 1, result.Applied)

	rec, _ := l.Get(ctx, "r1")
	assert.Equal(t, domain.StatusFailed, rec.Status)
	require.NotNil(t, rec.ErrorMessage)
	assert.Equal(t, "provider error 30003", *rec.ErrorMessage)

	result = l.ApplySMSStatus(ctx, channel.SMSStatus{ProviderID: "SM1", RawStatus: "queued", Status: domain.StatusUnknown})
	assert.Equal(t, 1, result.Skipped)
}

func TestStats_Rates(t *testing.T) {
	l, s := setupLedger(t)
	ctx := context.Background()
	now := time.Now()

	add := func(ch domain.Channel, status domain.Status, n int) {
		for i := 0; i < n; i++ {
			s.InsertDelivery(ctx, &domain.DeliveryRecord{Type: ch, Status: status, SentAt: now})
		}
	}
	add(domain.ChannelEmail, domain.StatusDelivered, 4)
	add(domain.ChannelEmail, domain.StatusOpened, 3)
	add(domain.ChannelEmail, domain.StatusClicked, 1)
	add(domain.ChannelEmail, domain.StatusSent, 2)
	add(domain.ChannelEmail, domain.StatusFailed, 2)
	add(domain.ChannelSMS, domain.StatusDelivered, 3)
	add(domain.ChannelSMS, domain.StatusFailed, 1)

	stats, err := l.Stats(ctx, StatsFilter{})
	require.NoError(t, err)

	email := stats.Channels[domain.ChannelEmail]
	assert.Equal(t, 12, email.Total)
	assert.Equal(t, 10, email.Accepted)
	assert.Equal(t, 8, email.Delivered)
	assert.Equal(t, 80.0, email.DeliveryRate)
	assert.Equal(t, 50.0, email.OpenRate)
	assert.Equal(t, 25.0, email.ClickRate)

	sms := stats.Channels[domain.ChannelSMS]
	assert.Equal(t, 100.0, sms.DeliveryRate)
	assert.Zero(t, sms.OpenRate)

	require.Len(t, stats.Daily, 2, "one bucket per channel for today")
}

func TestHistory_Paginates(t *testing.T) {
	l, s := setupLedger(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 7; i++ {
		s.InsertDelivery(ctx, &domain.DeliveryRecord{
			ID:     string(rune('a' + i)),
			UserID: "user-1",
			Type:   domain.ChannelEmail,
			Status: domain.StatusSent,
			SentAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	s.InsertDelivery(ctx, &domain.DeliveryRecord{ID: "other", UserID: "user-2", Type: domain.ChannelEmail, Status: domain.StatusSent, SentAt: base})

	page, err := l.History(ctx, domain.DeliveryFilter{UserID: "user-1"}, Page{Page: 2, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 7, page.Total)
	assert.Equal(t, 3, page.Pages)
	require.Len(t, page.Records, 3)

	last, err := l.History(ctx, domain.DeliveryFilter{UserID: "user-1"}, Page{Page: 3, Limit: 3})
	require.NoError(t, err)
	assert.Len(t, last.Records, 1)

	def, err := l.History(ctx, domain.DeliveryFilter{}, Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, def.Page)
	assert.Equal(t, defaultPageLimit, def.Limit)
	assert.Len(t, def.Records, 8)
}

func TestFailedCandidatesAndMarkForRetry(t *testing.T) {
	l, s := setupLedger(t)
	ctx := context.Background()
	now := time.Now()

	s.InsertDelivery(ctx, &domain.DeliveryRecord{ID: "f1", Status: domain.StatusFailed, SentAt: now.Add(-time.Hour), Metadata: map[string]any{domain.MetaRetryCount: 2}})
	s.InsertDelivery(ctx, &domain.DeliveryRecord{ID: "old", Status: domain.StatusFailed, SentAt: now.Add(-30 * time.Hour)})

	candidates, err := l.FailedCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "f1", candidates[0].ID)

	require.NoError(t, l.MarkForRetry(ctx, "f1"))
	rec, _ := l.Get(ctx, "f1")
	assert.Equal(t, domain.StatusRetry, rec.Status)
	assert.Equal(t, 3, rec.RetryCount())

	candidates, _ = l.FailedCandidates(ctx)
	assert.Empty(t, candidates, "retry status and exhausted count exclude the record")

	assert.True(t, errors.Is(l.MarkForRetry(ctx, "missing"), ErrRecordNotFound))
}

func TestMarkForRetry_LateFailureWebhookIgnored(t *testing.T) {
	l, s := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, s.InsertDelivery(ctx, &domain.DeliveryRecord{
		ID: "b1", NotificationID: "n1", ProviderID: "p1", Type: domain.ChannelEmail,
		Status: domain.StatusBounced, SentAt: time.Now().Add(-time.Hour),
		Metadata: map[string]any{domain.MetaData: map[string]any{}},
	}))
	require.NoError(t, l.MarkForRetry(ctx, "b1"))

	for _, st := range []domain.Status{domain.StatusBounced, domain.StatusFailed} {
		applied, err := l.UpdateStatus(ctx, StatusUpdate{ProviderID: "p1", Status: st, Timestamp: time.Now()})
		require.NoError(t, err)
		assert.False(t, applied, st)
	}

	rec, err := l.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRetry, rec.Status)
	assert.Equal(t, 1, rec.RetryCount())

	candidates, err := l.FailedCandidates(ctx)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestFailedCandidates_NewestPerChain(t *testing.T) {
	l, s := setupLedger(t)
	ctx := context.Background()
	now := time.Now()
	meta := func(root string, count int) map[string]any {
		return map[string]any{domain.MetaRetryOf: root, domain.MetaRetryCount: count}
	}

	// n1 was requeued once and the retry failed on three broker attempts.
	s.InsertDelivery(ctx, &domain.DeliveryRecord{ID: "n1-0", NotificationID: "n1", Status: domain.StatusRetry, SentAt: now.Add(-4 * time.Hour), Metadata: map[string]any{domain.MetaRetryCount: 1}})
	s.InsertDelivery(ctx, &domain.DeliveryRecord{ID: "n1-a1", NotificationID: "r1", Status: domain.StatusFailed, SentAt: now.Add(-3 * time.Hour), Metadata: meta("n1", 1)})
	s.InsertDelivery(ctx, &domain.DeliveryRecord{ID: "n1-a2", NotificationID: "r1", Status: domain.StatusFailed, SentAt: now.Add(-2 * time.Hour), Metadata: meta("n1", 1)})
	s.InsertDelivery(ctx, &domain.DeliveryRecord{ID: "n1-a3", NotificationID: "r1", Status: domain.StatusFailed, SentAt: now.Add(-time.Hour), Metadata: meta("n1", 1)})
	// n2 failed once and then went through on a broker retry.
	s.InsertDelivery(ctx, &domain.DeliveryRecord{ID: "n2-a1", NotificationID: "n2", Status: domain.StatusFailed, SentAt: now.Add(-2 * time.Hour)})
	s.InsertDelivery(ctx, &domain.DeliveryRecord{ID: "n2-a2", NotificationID: "n2", Status: domain.StatusSent, SentAt: now.Add(-time.Hour)})

	candidates, err := l.FailedCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "n1-a3", candidates[0].ID)
}

func TestCleanup(t *testing.T) {
	l, s := setupLedger(t)
	ctx := context.Background()
	now := time.Now()

	s.InsertDelivery(ctx, &domain.DeliveryRecord{ID: "old", Status: domain.StatusSent, SentAt: now.AddDate(0, 0, -100)})
	s.InsertDelivery(ctx, &domain.DeliveryRecord{ID: "new", Status: domain.StatusSent, SentAt: now.AddDate(0, 0, -10)})

	deleted, err := l.Cleanup(ctx, 90)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = l.Get(ctx, "old")
	assert.True(t, errors.Is(err, ErrRecordNotFound))

	_, err = l.Cleanup(ctx, 0)
	assert.Error(t, err)
}

func TestRetryNotification(t *testing.T) {
	rec := domain.DeliveryRecord{
		ID:        "r1",
		Type:      domain.ChannelSMS,
		Recipient: "+15551234567",
		Template:  "form_reminder",
		UserID:    "user-1",
		Metadata: map[string]any{
			domain.MetaData:       map[string]any{"formName": "Pool pass"},
			domain.MetaRetryCount: 1,
		},
	}

	n, err := RetryNotification(rec)
	require.NoError(t, err)
	assert.NotEmpty(t, n.ID)
	assert.Equal(t, "form_reminder", n.Template)
	assert.Equal(t, "Pool pass", n.Data["formName"])
	assert.Equal(t, "r1", n.Metadata[domain.MetaRetryOf])
	assert.Equal(t, 2, n.Metadata[domain.MetaRetryCount])
	assert.NoError(t, n.Validate())

	rec.NotificationID = "n1"
	n, err = RetryNotification(rec)
	require.NoError(t, err)
	assert.Equal(t, "n1", n.Metadata[domain.MetaRetryOf])

	rec.Metadata[domain.MetaRetryOf] = "root"
	n, err = RetryNotification(rec)
	require.NoError(t, err)
	assert.Equal(t, "root", n.Metadata[domain.MetaRetryOf], "later retries keep the chain root")

	delete(rec.Metadata, domain.MetaData)
	_, err = RetryNotification(rec)
	assert.Error(t, err)
}
