package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/Priya8975/hoa-notifier/internal/domain"
	"github.com/Priya8975/hoa-notifier/internal/ledger"
	"github.com/Priya8975/hoa-notifier/internal/queue"
)

const defaultQueueGrace = 24 * time.Hour

// Ledger is the delivery ledger surface the janitor maintains.
type Ledger interface {
	Cleanup(ctx context.Context, daysToKeep int) (int64, error)
	FailedCandidates(ctx context.Context) ([]domain.DeliveryRecord, error)
	MarkForRetry(ctx context.Context, id string) error
}

// Scheduler is the queue surface the janitor maintains.
type Scheduler interface {
	Queues() []string
	CleanQueue(ctx context.Context, queue string, grace time.Duration) (int, error)
	Enqueue(ctx context.Context, n domain.Notification, opts queue.EnqueueOptions) (*queue.Job, error)
}

type Options struct {
	Interval      time.Duration
	RetentionDays int
	QueueGrace    time.Duration
}

// Report summarises one maintenance pass.
type Report struct {
	DeletedRecords int64
	CleanedJobs    int
	Requeued       int
	Errors         int
}

// Janitor periodically trims the ledger and queue history and requeues
// recently failed deliveries.
type Janitor struct {
	ledger    Ledger
	scheduler Scheduler
	logger    *slog.Logger
	opts      Options
}

func NewJanitor(l Ledger, s Scheduler, logger *slog.Logger, opts Options) *Janitor {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.RetentionDays < 1 {
		opts.RetentionDays = 90
	}
	if opts.QueueGrace <= 0 {
		opts.QueueGrace = defaultQueueGrace
	}
	return &Janitor{ledger: l, scheduler: s, logger: logger, opts: opts}
}

// Start runs a pass every interval until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	j.logger.Info("janitor started", "interval", j.opts.Interval.String())

	ticker := time.NewTicker(j.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopping")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs one maintenance pass. Each step runs even if an earlier
// one fails.
func (j *Janitor) RunOnce(ctx context.Context) Report {
	var r Report

	deleted, err := j.ledger.Cleanup(ctx, j.opts.RetentionDays)
	if err != nil {
		j.logger.Error("ledger cleanup failed", "error", err)
		r.Errors++
	}
	r.DeletedRecords = deleted

	for _, name := range j.scheduler.Queues() {
		n, err := j.scheduler.CleanQueue(ctx, name, j.opts.QueueGrace)
		if err != nil {
			j.logger.Error("queue clean failed", "queue", name, "error", err)
			r.Errors++
			continue
		}
		r.CleanedJobs += n
	}

	requeued, errs := j.requeueFailed(ctx)
	r.Requeued = requeued
	r.Errors += errs

	j.logger.Info("maintenance pass complete",
		"deleted_records", r.DeletedRecords,
		"cleaned_jobs", r.CleanedJobs,
		"requeued", r.Requeued,
		"errors", r.Errors,
	)
	return r
}

func (j *Janitor) requeueFailed(ctx context.Context) (int, int) {
	candidates, err := j.ledger.FailedCandidates(ctx)
	if err != nil {
		j.logger.Error("failed to list retry candidates", "error", err)
		return 0, 1
	}

	var requeued, errs int
	for _, rec := range candidates {
		n, err := ledger.RetryNotification(rec)
		if err != nil {
			// Records without stored template data cannot be rebuilt.
			j.logger.Warn("skipping retry candidate", "delivery_id", rec.ID, "error", err)
			continue
		}

		job, err := j.scheduler.Enqueue(ctx, n, queue.EnqueueOptions{})
		if err != nil {
			j.logger.Error("failed to requeue delivery", "delivery_id", rec.ID, "error", err)
			errs++
			continue
		}
		if err := j.ledger.MarkForRetry(ctx, rec.ID); err != nil {
			j.logger.Error("failed to mark delivery for retry", "delivery_id", rec.ID, "error", err)
			errs++
			continue
		}

		j.logger.Info("delivery requeued",
			"delivery_id", rec.ID,
			"job_id", job.ID,
			"retry_count", rec.RetryCount()+1,
		)
		requeued++
	}
	return requeued, errs
}
