package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Priya8975/hoa-notifier/internal/domain"
	"github.com/Priya8975/hoa-notifier/internal/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender answers each send with the result returned by fn.
type fakeSender struct {
	mu    sync.Mutex
	calls []domain.Notification
	fn    func(n domain.Notification, call int) (domain.SendResult, error)
}

func (f *fakeSender) Send(_ context.Context, n domain.Notification) (domain.SendResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, n)
	call := len(f.calls)
	f.mu.Unlock()
	if f.fn == nil {
		return domain.SendResult{Success: true, Recipient: n.Recipient}, nil
	}
	return f.fn(n, call)
}

func (f *fakeSender) sent() []domain.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Notification(nil), f.calls...)
}

func fastQueues() []QueueConfig {
	queues := DefaultQueues(Concurrency{})
	for i := range queues {
		queues[i].Backoff = 10 * time.Millisecond
	}
	return queues
}

func setupScheduler(t *testing.T, sender *fakeSender) (*Scheduler, *RedisBroker) {
	t.Helper()
	b := setupBroker(t, BrokerOptions{}, fastQueues()...)
	s, err := NewScheduler(b, sender, testLogger(), SchedulerOptions{BatchDelay: time.Millisecond})
	require.NoError(t, err)
	return s, b
}

func boardEmail(recipient string) domain.Notification {
	return domain.Notification{
		Type:      domain.ChannelEmail,
		Recipient: recipient,
		Template:  "board_notification",
		Data:      map[string]any{"title": "Budget meeting"},
	}
}

func TestPriorityFor(t *testing.T) {
	tests := []struct {
		template string
		want     int
	}{
		{"emergency_alert", 1},
		{"security_notification", 2},
		{"request_status_update", 3},
		{"board_notification", 4},
		{"welcome", 6},
		{"newsletter", 9},
		{"something_else", 5},
	}
	for _, tt := range tests {
		t.Run(tt.template, func(t *testing.T) {
			assert.Equal(t, tt.want, PriorityFor(tt.template))
		})
	}
}

func TestDefaultQueues(t *testing.T) {
	queues := DefaultQueues(Concurrency{Bulk: 4})
	require.Len(t, queues, 3)

	byName := map[string]QueueConfig{}
	for _, q := range queues {
		byName[q.Name] = q
	}
	assert.Equal(t, 5, byName[QueueImmediate].Concurrency)
	assert.Equal(t, 3, byName[QueueImmediate].Attempts)
	assert.Equal(t, 2*time.Second, byName[QueueImmediate].Backoff)
	assert.Equal(t, 4, byName[QueueBulk].Concurrency)
	assert.Equal(t, 2, byName[QueueBulk].Attempts)
	assert.Equal(t, 25, byName[QueueBulk].KeepFailed)
	assert.Equal(t, 10, byName[QueueScheduled].Concurrency)
}

func TestEnqueue_PriorityFromTemplate(t *testing.T) {
	s, b := setupScheduler(t, &fakeSender{})
	ctx := context.Background()

	n := boardEmail("owner@example.com")
	n.Template = "emergency_alert"
	job, err := s.Enqueue(ctx, n, EnqueueOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, job.Priority)
	assert.Equal(t, QueueImmediate, job.Queue)

	var p notificationJob
	require.NoError(t, job.Decode(&p))
	assert.NotEmpty(t, p.Notification.ID)

	job, err = s.Enqueue(ctx, boardEmail("owner@example.com"), EnqueueOptions{Priority: 7})
	require.NoError(t, err)
	assert.Equal(t, 7, job.Priority)
	assert.Equal(t, int64(2), counts(t, b, QueueImmediate).Waiting)
}

func TestEnqueue_RejectsInvalid(t *testing.T) {
	s, b := setupScheduler(t, &fakeSender{})

	_, err := s.Enqueue(context.Background(), boardEmail("not-an-email"), EnqueueOptions{})
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))
	assert.Equal(t, int64(0), counts(t, b, QueueImmediate).Waiting)
}

func TestScheduler_ImmediateRetriesProviderFailure(t *testing.T) {
	sender := &fakeSender{fn: func(n domain.Notification, call int) (domain.SendResult, error) {
		if call == 1 {
			return domain.SendResult{Error: "sendgrid returned status 503", Recipient: n.Recipient}, nil
		}
		return domain.SendResult{Success: true, ProviderID: "msg-1", Recipient: n.Recipient}, nil
	}}
	s, b := setupScheduler(t, sender)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, boardEmail("owner@example.com"), EnqueueOptions{})
	require.NoError(t, err)
	s.Start(ctx)

	require.Eventually(t, func() bool { return counts(t, b, QueueImmediate).Completed == 1 }, 3*time.Second, 10*time.Millisecond)

	calls := sender.sent()
	require.Len(t, calls, 2)
	assert.Equal(t, 1, calls[0].Metadata[domain.MetaAttempt])
	assert.Equal(t, 2, calls[1].Metadata[domain.MetaAttempt])
	assert.Equal(t, job.ID, calls[1].Metadata["job_id"])
	assert.Equal(t, calls[0].ID, calls[1].ID, "retries keep the notification id")

	got, err := b.GetJob(ctx, QueueImmediate, job.ID)
	require.NoError(t, err)
	var result domain.SendResult
	require.NoError(t, json.Unmarshal(got.Result, &result))
	assert.Equal(t, "msg-1", result.ProviderID)
}

func TestScheduler_ThrottledIsRetried(t *testing.T) {
	sender := &fakeSender{fn: func(n domain.Notification, call int) (domain.SendResult, error) {
		if call == 1 {
			return domain.SendResult{}, gateway.ErrThrottled
		}
		return domain.SendResult{Success: true}, nil
	}}
	s, b := setupScheduler(t, sender)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, boardEmail("owner@example.com"), EnqueueOptions{})
	require.NoError(t, err)
	s.Start(ctx)

	require.Eventually(t, func() bool { return counts(t, b, QueueImmediate).Completed == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Len(t, sender.sent(), 2)
}

func TestScheduler_DeniedCompletes(t *testing.T) {
	sender := &fakeSender{fn: func(n domain.Notification, call int) (domain.SendResult, error) {
		return domain.SendResult{Denied: true, Reason: "user opted out of email notifications"}, nil
	}}
	s, b := setupScheduler(t, sender)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, boardEmail("owner@example.com"), EnqueueOptions{})
	require.NoError(t, err)
	s.Start(ctx)

	require.Eventually(t, func() bool { return counts(t, b, QueueImmediate).Completed == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, sender.sent(), 1)

	got, err := b.GetJob(ctx, QueueImmediate, job.ID)
	require.NoError(t, err)
	assert.Contains(t, string(got.Result), "opted out")
}

func TestScheduler_PermanentErrorsFailWithoutRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"validation", &domain.ValidationError{Problems: []string{"template not found"}}},
		{"no adapter", gateway.ErrNoAdapter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{fn: func(domain.Notification, int) (domain.SendResult, error) {
				return domain.SendResult{}, tt.err
			}}
			s, b := setupScheduler(t, sender)
			ctx := context.Background()

			_, err := s.Enqueue(ctx, boardEmail("owner@example.com"), EnqueueOptions{})
			require.NoError(t, err)
			s.Start(ctx)

			require.Eventually(t, func() bool { return counts(t, b, QueueImmediate).Failed == 1 }, 2*time.Second, 10*time.Millisecond)
			assert.Len(t, sender.sent(), 1)
		})
	}
}

func TestScheduler_ScheduleFuture(t *testing.T) {
	sender := &fakeSender{}
	s, b := setupScheduler(t, sender)
	ctx := context.Background()

	at := time.Now().Add(time.Hour)
	job, err := s.Schedule(ctx, boardEmail("owner@example.com"), at)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, job.State)
	assert.Equal(t, QueueScheduled, job.Queue)

	s.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int64(1), counts(t, b, QueueScheduled).Delayed)
	assert.Empty(t, sender.sent())
}

func TestScheduler_ScheduledJobPromotedEarlyIsRescheduled(t *testing.T) {
	sender := &fakeSender{}
	s, _ := setupScheduler(t, sender)

	at := time.Now().Add(time.Hour).UTC()
	payload, err := json.Marshal(notificationJob{Notification: boardEmail("owner@example.com"), ScheduledFor: &at})
	require.NoError(t, err)

	_, err = s.handleScheduled(context.Background(), &Job{ID: "j1", Payload: payload, AttemptsMade: 1})
	var resched *rescheduleError
	require.True(t, errors.As(err, &resched))
	assert.InDelta(t, time.Hour.Seconds(), resched.delay.Seconds(), 1)
	assert.Empty(t, sender.sent())
}

func TestScheduler_SchedulePastSendsNow(t *testing.T) {
	sender := &fakeSender{}
	s, b := setupScheduler(t, sender)
	ctx := context.Background()

	job, err := s.Schedule(ctx, boardEmail("owner@example.com"), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, job.State)

	s.Start(ctx)
	require.Eventually(t, func() bool { return counts(t, b, QueueScheduled).Completed == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, sender.sent(), 1)
}

func TestScheduler_BulkBatches(t *testing.T) {
	sender := &fakeSender{fn: func(n domain.Notification, call int) (domain.SendResult, error) {
		switch n.Recipient {
		case "denied@example.com":
			return domain.SendResult{Denied: true, Recipient: n.Recipient}, nil
		case "bounce@example.com":
			return domain.SendResult{Error: "rejected", Recipient: n.Recipient}, nil
		case "throttled@example.com":
			return domain.SendResult{}, gateway.ErrThrottled
		}
		return domain.SendResult{Success: true, Recipient: n.Recipient}, nil
	}}
	s, b := setupScheduler(t, sender)
	ctx := context.Background()
	events := collect(b, EventProgress)

	ns := make([]domain.Notification, 0, 12)
	for i := 0; i < 9; i++ {
		ns = append(ns, boardEmail("owner@example.com"))
	}
	ns = append(ns,
		boardEmail("denied@example.com"),
		boardEmail("bounce@example.com"),
		boardEmail("throttled@example.com"),
	)

	job, err := s.EnqueueBulk(ctx, ns, BulkOptions{})
	require.NoError(t, err)
	assert.Equal(t, QueueBulk, job.Queue)

	out, err := s.handleBulk(ctx, job)
	require.NoError(t, err)
	result := out.(BulkResult)

	assert.Equal(t, 12, result.Total)
	assert.Equal(t, 9, result.Sent)
	assert.Equal(t, 1, result.Denied)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, "throttled@example.com", result.Results[11].Recipient)
	assert.Equal(t, gateway.ErrThrottled.Error(), result.Results[11].Error)
	assert.Len(t, sender.sent(), 12)

	require.Eventually(t, func() bool { return events.count(EventProgress) == 2 }, time.Second, 10*time.Millisecond)
	progress := events.all()
	assert.Equal(t, 50, progress[0].Progress)
	assert.Equal(t, 100, progress[1].Progress)
}

func TestScheduler_EnqueueBulkEmpty(t *testing.T) {
	s, _ := setupScheduler(t, &fakeSender{})

	_, err := s.EnqueueBulk(context.Background(), nil, BulkOptions{})
	assert.Error(t, err)
}

func TestScheduler_SendBulk(t *testing.T) {
	s, b := setupScheduler(t, &fakeSender{})

	ns := []domain.Notification{
		boardEmail("a@example.com"),
		boardEmail("b@example.com"),
		boardEmail("c@example.com"),
		boardEmail("broken"),
	}
	result := s.SendBulk(context.Background(), ns)

	assert.Equal(t, 3, result.Queued)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Results, 4)
	for _, item := range result.Results[:3] {
		assert.NotEmpty(t, item.JobID)
		assert.Empty(t, item.Error)
	}
	assert.Equal(t, 3, result.Results[3].Index)
	assert.Equal(t, "broken", result.Results[3].Recipient)
	assert.Empty(t, result.Results[3].JobID)
	assert.Contains(t, result.Results[3].Error, "valid email")
	assert.Equal(t, int64(3), counts(t, b, QueueImmediate).Waiting)

	job, err := s.Job(context.Background(), QueueImmediate, result.Results[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, job.State)
}

func TestScheduler_StatsAndAdmin(t *testing.T) {
	s, _ := setupScheduler(t, &fakeSender{})
	ctx := context.Background()

	_, err := s.Enqueue(ctx, boardEmail("a@example.com"), EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Pause(ctx, QueueBulk))

	stats, err := s.Stats(ctx, "")
	require.NoError(t, err)
	require.Len(t, stats, 3)
	assert.Equal(t, QueueImmediate, stats[0].Queue)
	assert.Equal(t, int64(1), stats[0].Waiting)
	assert.True(t, stats[1].Paused)

	require.NoError(t, s.Resume(ctx, QueueBulk))
	stats, err = s.Stats(ctx, QueueBulk)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.False(t, stats[0].Paused)

	_, err = s.Stats(ctx, "nope")
	assert.True(t, errors.Is(err, ErrUnknownQueue))

	n, err := s.RetryFailedJobs(ctx, QueueImmediate, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = s.CleanQueue(ctx, QueueImmediate, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
