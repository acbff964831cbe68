package gateway

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/Priya8975/hoa-notifier/internal/channel"
	"github.com/Priya8975/hoa-notifier/internal/compliance"
	"github.com/Priya8975/hoa-notifier/internal/domain"
	"github.com/Priya8975/hoa-notifier/internal/ledger"
	"github.com/Priya8975/hoa-notifier/internal/store"
	"github.com/Priya8975/hoa-notifier/internal/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noon = time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)

type fixture struct {
	gw    *Gateway
	store *store.MemoryStore
	email *channel.MemoryAdapter
	sms   *channel.MemoryAdapter
}

func setup(t *testing.T, opts Options) fixture {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	s := store.NewMemoryStore()

	gate := compliance.NewGate(s, logger, compliance.Options{
		Bypass:   opts.Bypass,
		Location: time.UTC,
		Now:      func() time.Time { return noon },
	})
	email := channel.NewMemoryAdapter(domain.ChannelEmail)
	sms := channel.NewMemoryAdapter(domain.ChannelSMS)

	opts.Sender = SenderDefaults{
		CompanyName:    "Maple Grove HOA",
		CompanyAddress: "1 Maple Way, Springfield",
		SupportEmail:   "board@maplegrove.example",
		UnsubscribeURL: "https://hoa.example.com/unsubscribe/",
	}
	gw := New(template.NewRenderer(s, logger), gate, ledger.New(s, logger),
		[]channel.Adapter{email, sms}, logger, opts)

	return fixture{gw: gw, store: s, email: email, sms: sms}
}

func (f fixture) records(t *testing.T) []domain.DeliveryRecord {
	t.Helper()
	recs, _, err := f.store.ListDeliveries(context.Background(), domain.DeliveryFilter{}, 0, 0)
	require.NoError(t, err)
	return recs
}

func welcomeEmail() domain.Notification {
	return domain.Notification{
		Type:      domain.ChannelEmail,
		Recipient: "owner@example.com",
		Template:  "welcome",
		UserID:    "user-1",
		Data:      map[string]any{"recipientName": "Dana"},
	}
}

func TestSend_EmailSuccess(t *testing.T) {
	f := setup(t, Options{})

	n := welcomeEmail()
	n.ID = "n-1"
	result, err := f.gw.Send(context.Background(), n)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, strings.HasPrefix(result.ProviderID, "memory-email-"))
	assert.NotEmpty(t, result.RecordID)

	msgs := f.email.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "n-1:1", msgs[0].IdempotencyKey)
	assert.Contains(t, msgs[0].Text, "https://hoa.example.com/unsubscribe/user-1")

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.StatusSent, recs[0].Status)
	assert.Equal(t, result.ProviderID, recs[0].ProviderID)
	assert.Equal(t, "welcome", recs[0].Metadata[domain.MetaTemplate])
	assert.Equal(t, map[string]any{"recipientName": "Dana"}, recs[0].Metadata[domain.MetaData],
		"the caller's data is stored, not the merged defaults")
}

func TestSend_InvalidNotification(t *testing.T) {
	f := setup(t, Options{})

	n := welcomeEmail()
	n.Type = "push"
	result, err := f.gw.Send(context.Background(), n)

	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.False(t, result.Success)
	assert.Empty(t, f.email.Messages())
	assert.Empty(t, f.records(t))
}

func TestSend_UnknownTemplateIsValidationError(t *testing.T) {
	f := setup(t, Options{})

	n := welcomeEmail()
	n.Template = "no_such_template"
	_, err := f.gw.Send(context.Background(), n)

	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))
	assert.Empty(t, f.records(t))
}

func TestSend_DeniedWritesNoRecord(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	at := noon.Add(-time.Hour)
	require.NoError(t, f.store.InsertOptOut(ctx, &domain.OptOut{ID: "o1", UserID: "user-1", Type: domain.ChannelSMS, OccurredAt: &at}))

	result, err := f.gw.Send(ctx, domain.Notification{
		Type:      domain.ChannelSMS,
		Recipient: "+15551234567",
		Template:  "test_notification",
		UserID:    "user-1",
		Data:      map[string]any{},
	})
	require.NoError(t, err)
	assert.True(t, result.Denied)
	assert.False(t, result.Success)
	assert.Contains(t, result.Reason, "opted out")
	assert.Empty(t, f.sms.Messages())
	assert.Empty(t, f.records(t))
}

func TestSend_ProviderFailureRecordsFailed(t *testing.T) {
	f := setup(t, Options{})
	f.email.FailWith(errors.New("sendgrid returned status 503"))

	result, err := f.gw.Send(context.Background(), welcomeEmail())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "sendgrid returned status 503", result.Error)

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.StatusFailed, recs[0].Status)
	require.NotNil(t, recs[0].ErrorMessage)
	assert.Equal(t, "sendgrid returned status 503", *recs[0].ErrorMessage)
}

func TestSend_BypassSkipsComplianceAndLedger(t *testing.T) {
	f := setup(t, Options{Bypass: true})
	ctx := context.Background()
	at := noon.Add(-time.Hour)
	f.store.InsertOptOut(ctx, &domain.OptOut{ID: "o1", UserID: "user-1", Type: domain.ChannelAll, OccurredAt: &at})

	result, err := f.gw.Send(ctx, welcomeEmail())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.RecordID)
	assert.Len(t, f.email.Messages(), 1)
	assert.Empty(t, f.records(t))
}

func TestSend_NormalizesPhone(t *testing.T) {
	f := setup(t, Options{})

	result, err := f.gw.Send(context.Background(), domain.Notification{
		Type:      domain.ChannelSMS,
		Recipient: "(555) 123-4567",
		Template:  "test_notification",
		Data:      map[string]any{},
	})
	require.NoError(t, err)
	require.True(t, result.Success, result.Reason)

	msgs := f.sms.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "+15551234567", msgs[0].To)
	assert.Contains(t, strings.ToLower(msgs[0].Text), "reply stop")
}

type fakeBreaker struct {
	open      bool
	successes int
	failures  int
}

func (b *fakeBreaker) AllowRequest(context.Context, string) (string, bool) {
	if b.open {
		return "open", false
	}
	return "closed", true
}
func (b *fakeBreaker) RecordSuccess(context.Context, string) { b.successes++ }
func (b *fakeBreaker) RecordFailure(context.Context, string) { b.failures++ }

type fakeThrottle struct{ allow bool }

func (t fakeThrottle) Allow(context.Context, string, int) bool { return t.allow }

func TestSend_CircuitBreaker(t *testing.T) {
	breaker := &fakeBreaker{}
	f := setup(t, Options{Breaker: breaker})
	ctx := context.Background()

	f.gw.Send(ctx, welcomeEmail())
	f.email.FailWith(errors.New("down"))
	f.gw.Send(ctx, welcomeEmail())
	assert.Equal(t, 1, breaker.successes)
	assert.Equal(t, 1, breaker.failures)

	breaker.open = true
	result, err := f.gw.Send(ctx, welcomeEmail())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, circuitOpenReason, result.Error)
	assert.Len(t, f.records(t), 2, "no record without a provider call")
}

func TestSend_Throttled(t *testing.T) {
	f := setup(t, Options{Throttle: fakeThrottle{allow: false}, ProviderRateLimit: 10})

	_, err := f.gw.Send(context.Background(), welcomeEmail())
	assert.True(t, errors.Is(err, ErrThrottled))
	assert.Empty(t, f.email.Messages())
	assert.Empty(t, f.records(t))
}

func TestSend_AttemptNumberInIdempotencyKey(t *testing.T) {
	f := setup(t, Options{})

	n := welcomeEmail()
	n.ID = "n-7"
	n.Metadata = map[string]any{domain.MetaAttempt: 3}
	_, err := f.gw.Send(context.Background(), n)
	require.NoError(t, err)

	assert.Equal(t, "n-7:3", f.email.Messages()[0].IdempotencyKey)
}

func TestTemplateData_CallerWins(t *testing.T) {
	f := setup(t, Options{})

	data := f.gw.templateData(domain.Notification{
		UserID: "user-9",
		Data:   map[string]any{"companyName": "Override HOA"},
	})
	assert.Equal(t, "Override HOA", data["companyName"])
	assert.Equal(t, "1 Maple Way, Springfield", data["companyAddress"])
	assert.Equal(t, "https://hoa.example.com/unsubscribe/user-9", data["unsubscribeUrl"])
}
