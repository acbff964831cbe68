package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Priya8975/hoa-notifier/internal/domain"
	"github.com/Priya8975/hoa-notifier/internal/gateway"
	"github.com/Priya8975/hoa-notifier/internal/metrics"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	QueueImmediate = "immediate"
	QueueBulk      = "bulk"
	QueueScheduled = "scheduled"

	defaultPriority   = 5
	defaultBatchSize  = 10
	defaultBatchDelay = 100 * time.Millisecond
)

// queueOrder is the order queues are reported in.
var queueOrder = []string{QueueImmediate, QueueBulk, QueueScheduled}

// templatePriority ranks templates: urgent 1-3, transactional 4-6,
// marketing 7-10.
var templatePriority = map[string]int{
	"emergency_alert":        1,
	"security_notification":  2,
	"request_status_update":  3,
	"request_notification":   4,
	"board_notification":     4,
	"form_reminder":          5,
	"test_notification":      5,
	"welcome":                6,
	"community_announcement": 8,
	"newsletter":             9,
}

// PriorityFor returns the queue priority for a template.
func PriorityFor(template string) int {
	if p, ok := templatePriority[template]; ok {
		return p
	}
	return defaultPriority
}

// Concurrency sets the worker count of each queue.
type Concurrency struct {
	Immediate int
	Bulk      int
	Scheduled int
}

// DefaultQueues returns the immediate, bulk and scheduled queue settings.
func DefaultQueues(c Concurrency) []QueueConfig {
	if c.Immediate < 1 {
		c.Immediate = 5
	}
	if c.Bulk < 1 {
		c.Bulk = 2
	}
	if c.Scheduled < 1 {
		c.Scheduled = 10
	}
	return []QueueConfig{
		{Name: QueueImmediate, Concurrency: c.Immediate, Attempts: 3, Backoff: 2 * time.Second, KeepCompleted: 100, KeepFailed: 50},
		{Name: QueueBulk, Concurrency: c.Bulk, Attempts: 2, Backoff: 5 * time.Second, KeepCompleted: 50, KeepFailed: 25},
		{Name: QueueScheduled, Concurrency: c.Scheduled, Attempts: 3, Backoff: time.Second, KeepCompleted: 100, KeepFailed: 50},
	}
}

// Sender delivers one notification.
type Sender interface {
	Send(ctx context.Context, n domain.Notification) (domain.SendResult, error)
}

// Broker is the queue backend the scheduler drives.
type Broker interface {
	Enqueue(ctx context.Context, queue string, payload any, opts JobOptions) (*Job, error)
	Process(queue string, concurrency int, handler Handler) error
	Retry(ctx context.Context, queue string, limit int) (int, error)
	Clean(ctx context.Context, queue string, grace time.Duration, state State) (int, error)
	Pause(ctx context.Context, queue string) error
	Resume(ctx context.Context, queue string) error
	Counts(ctx context.Context, queue string) (Counts, error)
	GetJob(ctx context.Context, queue, id string) (*Job, error)
	Start(ctx context.Context)
	Stop()
}

type notificationJob struct {
	Notification domain.Notification `json:"notification"`
	ScheduledFor *time.Time          `json:"scheduledFor,omitempty"`
}

type bulkJob struct {
	Notifications []domain.Notification `json:"notifications"`
	BatchSize     int                   `json:"batchSize"`
}

type SchedulerOptions struct {
	BulkBatchSize int
	// BatchDelay is the pause between bulk sub-batches.
	BatchDelay time.Duration
}

// Scheduler puts notifications on the immediate, bulk and scheduled queues
// and delivers them through a Sender.
type Scheduler struct {
	broker     Broker
	sender     Sender
	logger     *slog.Logger
	batchSize  int
	batchDelay time.Duration
	now        func() time.Time
}

// NewScheduler registers the queue handlers on the broker. The broker must
// not be started yet.
func NewScheduler(broker Broker, sender Sender, logger *slog.Logger, opts SchedulerOptions) (*Scheduler, error) {
	if opts.BulkBatchSize < 1 {
		opts.BulkBatchSize = defaultBatchSize
	}
	if opts.BatchDelay <= 0 {
		opts.BatchDelay = defaultBatchDelay
	}

	s := &Scheduler{
		broker:     broker,
		sender:     sender,
		logger:     logger,
		batchSize:  opts.BulkBatchSize,
		batchDelay: opts.BatchDelay,
		now:        time.Now,
	}

	handlers := map[string]Handler{
		QueueImmediate: s.handleImmediate,
		QueueBulk:      s.handleBulk,
		QueueScheduled: s.handleScheduled,
	}
	for _, name := range queueOrder {
		if err := broker.Process(name, 0, handlers[name]); err != nil {
			return nil, fmt.Errorf("registering %s handler: %w", name, err)
		}
	}
	return s, nil
}

func (s *Scheduler) Start(ctx context.Context) { s.broker.Start(ctx) }
func (s *Scheduler) Stop()                    { s.broker.Stop() }

// EnqueueOptions override the derived job settings.
type EnqueueOptions struct {
	// Priority overrides the template priority when positive.
	Priority int
	Delay    time.Duration
	JobID    string
}

// Enqueue validates the notification and queues it for immediate delivery.
func (s *Scheduler) Enqueue(ctx context.Context, n domain.Notification, opts EnqueueOptions) (*Job, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	priority := opts.Priority
	if priority <= 0 {
		priority = PriorityFor(n.Template)
	}

	job, err := s.broker.Enqueue(ctx, QueueImmediate, notificationJob{Notification: n}, JobOptions{
		Priority: priority,
		Delay:    opts.Delay,
		JobID:    opts.JobID,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueueing notification %s: %w", n.ID, err)
	}

	s.logger.Debug("notification queued",
		"job_id", job.ID,
		"notification_id", n.ID,
		"template", n.Template,
		"priority", priority,
	)
	return job, nil
}

// BulkOptions tune a bulk job.
type BulkOptions struct {
	BatchSize int
}

// EnqueueBulk queues a single job that sends every notification in
// batches. Invalid notifications are reported in the job result rather
// than rejected here.
func (s *Scheduler) EnqueueBulk(ctx context.Context, ns []domain.Notification, opts BulkOptions) (*Job, error) {
	if len(ns) == 0 {
		return nil, fmt.Errorf("bulk send requires at least one notification")
	}

	batchSize := opts.BatchSize
	if batchSize < 1 {
		batchSize = s.batchSize
	}
	for i := range ns {
		if ns[i].ID == "" {
			ns[i].ID = uuid.NewString()
		}
	}

	job, err := s.broker.Enqueue(ctx, QueueBulk, bulkJob{Notifications: ns, BatchSize: batchSize}, JobOptions{
		Priority: defaultPriority,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueueing bulk job: %w", err)
	}

	s.logger.Info("bulk job queued", "job_id", job.ID, "notifications", len(ns), "batch_size", batchSize)
	return job, nil
}

// Schedule queues a notification for delivery at a future time.
func (s *Scheduler) Schedule(ctx context.Context, n domain.Notification, at time.Time) (*Job, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	at = at.UTC()
	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}

	job, err := s.broker.Enqueue(ctx, QueueScheduled, notificationJob{Notification: n, ScheduledFor: &at}, JobOptions{
		Priority: PriorityFor(n.Template),
		Delay:    delay,
	})
	if err != nil {
		return nil, fmt.Errorf("scheduling notification %s: %w", n.ID, err)
	}

	s.logger.Info("notification scheduled",
		"job_id", job.ID,
		"notification_id", n.ID,
		"scheduled_for", at.Format(time.RFC3339),
	)
	return job, nil
}

// BulkItem reports what happened to one notification of SendBulk.
type BulkItem struct {
	Index     int    `json:"index"`
	Recipient string `json:"recipient"`
	JobID     string `json:"job_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BulkEnqueueResult summarises SendBulk.
type BulkEnqueueResult struct {
	Queued  int        `json:"queued"`
	Failed  int        `json:"failed"`
	Results []BulkItem `json:"results"`
}

// SendBulk queues each notification as its own immediate job. It returns
// once everything is queued, without waiting for delivery.
func (s *Scheduler) SendBulk(ctx context.Context, ns []domain.Notification) BulkEnqueueResult {
	result := BulkEnqueueResult{Results: make([]BulkItem, 0, len(ns))}
	for i, n := range ns {
		item := BulkItem{Index: i, Recipient: n.Recipient}
		job, err := s.Enqueue(ctx, n, EnqueueOptions{})
		if err != nil {
			result.Failed++
			item.Error = err.Error()
		} else {
			result.Queued++
			item.JobID = job.ID
		}
		result.Results = append(result.Results, item)
	}
	return result
}

// Job looks up a job by queue and ID.
func (s *Scheduler) Job(ctx context.Context, queue, id string) (*Job, error) {
	return s.broker.GetJob(ctx, queue, id)
}

// RetryFailedJobs moves failed jobs of a queue back to waiting.
func (s *Scheduler) RetryFailedJobs(ctx context.Context, queue string, limit int) (int, error) {
	return s.broker.Retry(ctx, queue, limit)
}

// CleanQueue drops completed and failed jobs that finished more than grace
// ago.
func (s *Scheduler) CleanQueue(ctx context.Context, queue string, grace time.Duration) (int, error) {
	completed, err := s.broker.Clean(ctx, queue, grace, StateCompleted)
	if err != nil {
		return 0, err
	}
	failed, err := s.broker.Clean(ctx, queue, grace, StateFailed)
	if err != nil {
		return completed, err
	}
	return completed + failed, nil
}

// Queues lists the scheduler's queue names.
func (s *Scheduler) Queues() []string {
	out := make([]string, len(queueOrder))
	copy(out, queueOrder)
	return out
}

func (s *Scheduler) Pause(ctx context.Context, queue string) error {
	return s.broker.Pause(ctx, queue)
}

func (s *Scheduler) Resume(ctx context.Context, queue string) error {
	return s.broker.Resume(ctx, queue)
}

// Stats returns job counts for one queue, or every queue when queue is empty.
func (s *Scheduler) Stats(ctx context.Context, queue string) ([]Counts, error) {
	names := queueOrder
	if queue != "" {
		names = []string{queue}
	}

	out := make([]Counts, 0, len(names))
	for _, name := range names {
		c, err := s.broker.Counts(ctx, name)
		if err != nil {
			return nil, err
		}
		metrics.QueueDepth.WithLabelValues(name, string(StateWaiting)).Set(float64(c.Waiting))
		metrics.QueueDepth.WithLabelValues(name, string(StateActive)).Set(float64(c.Active))
		metrics.QueueDepth.WithLabelValues(name, string(StateDelayed)).Set(float64(c.Delayed))
		metrics.QueueDepth.WithLabelValues(name, string(StateFailed)).Set(float64(c.Failed))
		out = append(out, c)
	}
	return out, nil
}

func (s *Scheduler) handleImmediate(ctx context.Context, job *Job) (any, error) {
	var p notificationJob
	if err := job.Decode(&p); err != nil {
		return nil, Unrecoverable(err)
	}
	return s.deliver(ctx, job, p.Notification)
}

func (s *Scheduler) handleScheduled(ctx context.Context, job *Job) (any, error) {
	var p notificationJob
	if err := job.Decode(&p); err != nil {
		return nil, Unrecoverable(err)
	}
	if p.ScheduledFor != nil {
		if remaining := p.ScheduledFor.Sub(s.now()); remaining > 0 {
			return nil, Reschedule(remaining)
		}
	}
	return s.deliver(ctx, job, p.Notification)
}

// deliver sends one notification and maps the outcome onto the job:
// invalid input fails permanently, denials complete, and provider
// failures return an error so the broker retries.
func (s *Scheduler) deliver(ctx context.Context, job *Job, n domain.Notification) (any, error) {
	n.Metadata = withAttempt(n.Metadata, job)

	result, err := s.sender.Send(ctx, n)

	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, gateway.ErrNoAdapter):
		return result, Unrecoverable(err)
	case err != nil:
		return nil, err
	case result.Denied:
		return result, nil
	case !result.Success:
		return nil, fmt.Errorf("delivery to %s failed: %s", result.Recipient, result.Error)
	}
	return result, nil
}

func withAttempt(meta map[string]any, job *Job) map[string]any {
	out := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	out[domain.MetaAttempt] = job.AttemptsMade
	out["job_id"] = job.ID
	return out
}

// BulkResult is the outcome of a bulk job.
type BulkResult struct {
	Total   int                 `json:"total"`
	Sent    int                 `json:"sent"`
	Failed  int                 `json:"failed"`
	Denied  int                 `json:"denied"`
	Results []domain.SendResult `json:"results"`
}

func (s *Scheduler) handleBulk(ctx context.Context, job *Job) (any, error) {
	var p bulkJob
	if err := job.Decode(&p); err != nil {
		return nil, Unrecoverable(err)
	}
	size := p.BatchSize
	if size < 1 {
		size = s.batchSize
	}

	total := len(p.Notifications)
	result := BulkResult{Total: total, Results: make([]domain.SendResult, total)}
	batches := (total + size - 1) / size

	for b := 0; b < batches; b++ {
		if b > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.batchDelay):
			}
		}

		lo := b * size
		hi := min(lo+size, total)

		var g errgroup.Group
		for i := lo; i < hi; i++ {
			g.Go(func() error {
				n := p.Notifications[i]
				n.Metadata = withAttempt(n.Metadata, job)
				r, err := s.sender.Send(ctx, n)
				if err != nil {
					r.Success = false
					r.Error = err.Error()
				}
				if r.Recipient == "" {
					r.Recipient = n.Recipient
				}
				result.Results[i] = r
				return nil
			})
		}
		g.Wait()

		if err := job.SetProgress(ctx, (b+1)*100/batches); err != nil {
			s.logger.Warn("failed to record bulk progress", "job_id", job.ID, "error", err)
		}
	}

	for _, r := range result.Results {
		switch {
		case r.Success:
			result.Sent++
		case r.Denied:
			result.Denied++
		default:
			result.Failed++
		}
	}

	s.logger.Info("bulk job finished",
		"job_id", job.ID,
		"total", result.Total,
		"sent", result.Sent,
		"failed", result.Failed,
		"denied", result.Denied,
	)
	return result, nil
}
