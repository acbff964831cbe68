package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Priya8975/hoa-notifier/internal/metrics"
	"github.com/Priya8975/hoa-notifier/internal/worker"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeepCompleted = 100
	defaultKeepFailed    = 50
	promoteBatch         = 100
	maxPriority          = 1000
	priorityStride       = 1e12
)

// QueueConfig declares a queue and its defaults.
type QueueConfig struct {
	Name          string
	Concurrency   int
	Attempts      int
	Backoff       time.Duration
	KeepCompleted int
	KeepFailed    int
}

// BrokerOptions tune the dispatch loop.
type BrokerOptions struct {
	PollInterval time.Duration
	// LeaseDuration is how long a claimed job may go without a heartbeat
	// before another dispatcher treats it as stalled.
	LeaseDuration time.Duration
}

// Counts summarises a queue.
type Counts struct {
	Queue     string `json:"queue"`
	Waiting   int64  `json:"waiting"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Delayed   int64  `json:"delayed"`
	Paused    bool   `json:"paused"`
}

type keys struct {
	jobs, wait, delayed, active, completed, failed, paused, seq string
}

func queueKeys(name string) keys {
	p := "q:" + name
	return keys{
		jobs:      p + ":jobs",
		wait:      p + ":wait",
		delayed:   p + ":delayed",
		active:    p + ":active",
		completed: p + ":completed",
		failed:    p + ":failed",
		paused:    p + ":paused",
		seq:       p + ":seq",
	}
}

type queueState struct {
	cfg      QueueConfig
	keys     keys
	handler  Handler
	pool     *worker.Pool
	inflight atomic.Int64
}

// RedisBroker is a priority job queue on Redis sorted sets. Any number of
// broker processes may share the same queues.
type RedisBroker struct {
	client       *redis.Client
	logger       *slog.Logger
	events       *Events
	pollInterval time.Duration
	lease        time.Duration

	mu         sync.Mutex
	queues     map[string]*queueState
	started    bool
	cancel     context.CancelFunc
	workCancel context.CancelFunc
	wg         sync.WaitGroup
}

// Pop up to ARGV[1] waiting jobs and lease them until ARGV[2].
var claimScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1], ARGV[1])
local ids = {}
for i = 1, #popped, 2 do
  redis.call('ZADD', KEYS[2], ARGV[2], popped[i])
  ids[#ids + 1] = popped[i]
end
return ids
`)

// Move a job between sets only if it is still in the source set.
var moveScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

func NewRedisBroker(client *redis.Client, logger *slog.Logger, opts BrokerOptions, queues ...QueueConfig) *RedisBroker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = 30 * time.Second
	}

	b := &RedisBroker{
		client:       client,
		logger:       logger,
		events:       NewEvents(256),
		pollInterval: opts.PollInterval,
		lease:        opts.LeaseDuration,
		queues:       make(map[string]*queueState),
	}
	for _, cfg := range queues {
		b.declare(cfg)
	}
	return b
}

func (b *RedisBroker) declare(cfg QueueConfig) {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.KeepCompleted <= 0 {
		cfg.KeepCompleted = defaultKeepCompleted
	}
	if cfg.KeepFailed <= 0 {
		cfg.KeepFailed = defaultKeepFailed
	}
	b.queues[cfg.Name] = &queueState{cfg: cfg, keys: queueKeys(cfg.Name)}
}

// Events returns the lifecycle event bus.
func (b *RedisBroker) Events() *Events { return b.events }

// Queues lists the declared queue names.
func (b *RedisBroker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}

func (b *RedisBroker) queue(name string) (*queueState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return q, nil
}

// Process registers the handler for a queue. A concurrency of zero keeps
// the queue's configured value. It must be called before Start.
func (b *RedisBroker) Process(queue string, concurrency int, handler Handler) error {
	q, err := b.queue(queue)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("registering handler for %s: broker already started", queue)
	}
	if concurrency > 0 {
		q.cfg.Concurrency = concurrency
	}
	q.handler = handler
	return nil
}

// Enqueue adds a job. Delayed jobs wait in the delayed set until due.
func (b *RedisBroker) Enqueue(ctx context.Context, queue string, payload any, opts JobOptions) (*Job, error) {
	q, err := b.queue(queue)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding job payload: %w", err)
	}

	job := &Job{
		ID:        opts.JobID,
		Queue:     queue,
		Payload:   raw,
		Priority:  clampPriority(opts.Priority),
		Attempts:  opts.Attempts,
		BackoffMS: opts.Backoff.Milliseconds(),
		State:     StateWaiting,
		CreatedAt: time.Now().UTC(),
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Attempts < 1 {
		job.Attempts = q.cfg.Attempts
	}
	if job.BackoffMS <= 0 {
		job.BackoffMS = q.cfg.Backoff.Milliseconds()
	}
	if opts.Delay > 0 {
		job.State = StateDelayed
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encoding job: %w", err)
	}

	created, err := b.client.HSetNX(ctx, q.keys.jobs, job.ID, data).Result()
	if err != nil {
		return nil, fmt.Errorf("storing job %s: %w", job.ID, err)
	}
	if !created {
		return b.GetJob(ctx, queue, job.ID)
	}

	if opts.Delay > 0 {
		due := time.Now().Add(opts.Delay).UnixMilli()
		if err := b.client.ZAdd(ctx, q.keys.delayed, redis.Z{Score: float64(due), Member: job.ID}).Err(); err != nil {
			return nil, fmt.Errorf("delaying job %s: %w", job.ID, err)
		}
	} else {
		score, err := b.waitScore(ctx, q, job.Priority)
		if err != nil {
			return nil, err
		}
		if err := b.client.ZAdd(ctx, q.keys.wait, redis.Z{Score: score, Member: job.ID}).Err(); err != nil {
			return nil, fmt.Errorf("queueing job %s: %w", job.ID, err)
		}
	}

	job.broker = b
	return job, nil
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > maxPriority {
		return maxPriority
	}
	return p
}

// waitScore orders by priority, then by a per-queue sequence for FIFO ties.
func (b *RedisBroker) waitScore(ctx context.Context, q *queueState, priority int) (float64, error) {
	seq, err := b.client.Incr(ctx, q.keys.seq).Result()
	if err != nil {
		return 0, fmt.Errorf("allocating queue sequence: %w", err)
	}
	return float64(priority)*priorityStride + float64(seq), nil
}

// GetJob loads a job by ID.
func (b *RedisBroker) GetJob(ctx context.Context, queue, id string) (*Job, error) {
	q, err := b.queue(queue)
	if err != nil {
		return nil, err
	}
	job, err := b.loadJob(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, nil
}

func (b *RedisBroker) loadJob(ctx context.Context, q *queueState, id string) (*Job, error) {
	data, err := b.client.HGet(ctx, q.keys.jobs, id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}
	job.broker = b
	return &job, nil
}

// move transfers a job from one set to another and rewrites its body,
// provided it is still in the source set.
func (b *RedisBroker) move(ctx context.Context, q *queueState, from, to string, job *Job, score float64) (bool, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encoding job %s: %w", job.ID, err)
	}
	moved, err := moveScript.Run(ctx, b.client, []string{from, q.keys.jobs, to},
		job.ID, data, strconv.FormatFloat(score, 'f', -1, 64),
	).Int()
	if err != nil {
		return false, fmt.Errorf("moving job %s: %w", job.ID, err)
	}
	return moved == 1, nil
}

// Start launches a dispatcher and worker pool for every queue with a
// registered handler.
func (b *RedisBroker) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true

	dispatchCtx, cancel := context.WithCancel(ctx)
	workCtx, workCancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	b.workCancel = workCancel

	for _, q := range b.queues {
		if q.handler == nil {
			continue
		}
		q.pool = worker.NewPool(q.cfg.Name, q.cfg.Concurrency, b.logger)
		q.pool.Start(workCtx)

		b.wg.Add(1)
		go func(q *queueState) {
			defer b.wg.Done()
			b.dispatch(dispatchCtx, q)
		}(q)
	}
	b.logger.Info("queue broker started", "queues", len(b.queues))
}

// Stop halts dispatching, waits for claimed jobs to finish and closes the
// event bus.
func (b *RedisBroker) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	cancel, workCancel := b.cancel, b.workCancel
	b.mu.Unlock()

	cancel()
	b.wg.Wait()
	for _, q := range b.queues {
		if q.pool != nil {
			q.pool.Stop()
		}
	}
	workCancel()
	b.events.Close()
	b.logger.Info("queue broker stopped")
}

// dispatch polls one queue until ctx is cancelled.
func (b *RedisBroker) dispatch(ctx context.Context, q *queueState) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.poll(ctx, q)
		}
	}
}

func (b *RedisBroker) poll(ctx context.Context, q *queueState) {
	if err := b.promoteDelayed(ctx, q); err != nil && ctx.Err() == nil {
		b.logger.Error("failed to promote delayed jobs", "queue", q.cfg.Name, "error", err)
	}
	if err := b.requeueStalled(ctx, q); err != nil && ctx.Err() == nil {
		b.logger.Error("failed to requeue stalled jobs", "queue", q.cfg.Name, "error", err)
	}

	paused, err := b.client.Exists(ctx, q.keys.paused).Result()
	if err != nil || paused > 0 {
		return
	}

	free := int64(q.cfg.Concurrency) - q.inflight.Load()
	if free <= 0 {
		return
	}

	jobs, err := b.claim(ctx, q, free)
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Error("failed to claim jobs", "queue", q.cfg.Name, "error", err)
		}
		return
	}

	for _, job := range jobs {
		q.inflight.Add(1)
		task := func(ctx context.Context) {
			defer q.inflight.Add(-1)
			b.process(ctx, q, job)
		}
		if err := q.pool.Submit(ctx, task); err != nil {
			// Still leased; the stall check hands it to the next dispatcher.
			q.inflight.Add(-1)
			return
		}
	}
}

func (b *RedisBroker) claim(ctx context.Context, q *queueState, n int64) ([]*Job, error) {
	deadline := time.Now().Add(b.lease).UnixMilli()
	ids, err := claimScript.Run(ctx, b.client, []string{q.keys.wait, q.keys.active}, n, deadline).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claiming from %s: %w", q.cfg.Name, err)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := b.loadJob(ctx, q, id)
		if err != nil || job == nil {
			b.logger.Warn("dropping claimed job without a body", "queue", q.cfg.Name, "job_id", id, "error", err)
			b.client.ZRem(ctx, q.keys.active, id)
			continue
		}

		now := time.Now().UTC()
		job.State = StateActive
		job.AttemptsMade++
		job.ProcessedAt = &now
		if err := b.saveJob(ctx, q, job); err != nil {
			b.logger.Error("failed to mark job active", "job_id", id, "error", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (b *RedisBroker) saveJob(ctx context.Context, q *queueState, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", job.ID, err)
	}
	return b.client.HSet(ctx, q.keys.jobs, job.ID, data).Err()
}

func (b *RedisBroker) promoteDelayed(ctx context.Context, q *queueState) error {
	ids, err := b.client.ZRangeByScore(ctx, q.keys.delayed, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return err
	}

	for _, id := range ids {
		job, err := b.loadJob(ctx, q, id)
		if err != nil {
			return err
		}
		if job == nil {
			b.client.ZRem(ctx, q.keys.delayed, id)
			continue
		}

		score, err := b.waitScore(ctx, q, job.Priority)
		if err != nil {
			return err
		}
		job.State = StateWaiting
		if _, err := b.move(ctx, q, q.keys.delayed, q.keys.wait, job, score); err != nil {
			return err
		}
	}
	return nil
}

func (b *RedisBroker) requeueStalled(ctx context.Context, q *queueState) error {
	ids, err := b.client.ZRangeByScore(ctx, q.keys.active, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}

	for _, id := range ids {
		job, err := b.loadJob(ctx, q, id)
		if err != nil {
			return err
		}
		if job == nil {
			b.client.ZRem(ctx, q.keys.active, id)
			continue
		}

		if job.AttemptsMade >= job.Attempts {
			b.failJob(ctx, q, job, errors.New("job stalled after its final attempt"))
			continue
		}

		score, err := b.waitScore(ctx, q, job.Priority)
		if err != nil {
			return err
		}
		job.State = StateWaiting
		moved, err := b.move(ctx, q, q.keys.active, q.keys.wait, job, score)
		if err != nil {
			return err
		}
		if moved {
			b.logger.Warn("requeued stalled job", "queue", q.cfg.Name, "job_id", id, "attempts_made", job.AttemptsMade)
			b.events.publish(Event{Type: EventStalled, Queue: q.cfg.Name, JobID: id, AttemptsMade: job.AttemptsMade})
		}
	}
	return nil
}

// process runs the handler while keeping the job's lease alive, then
// records the outcome.
func (b *RedisBroker) process(ctx context.Context, q *queueState, job *Job) {
	start := time.Now()
	stopLease := b.keepLease(ctx, q, job.ID)
	result, err := b.invoke(ctx, q.handler, job)
	stopLease()

	metrics.QueueJobDuration.WithLabelValues(q.cfg.Name).Observe(time.Since(start).Seconds())
	b.finish(context.WithoutCancel(ctx), q, job, result, err)
}

func (b *RedisBroker) invoke(ctx context.Context, h Handler, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, job)
}

func (b *RedisBroker) keepLease(ctx context.Context, q *queueState, id string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(b.lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.extendLease(ctx, q, id)
			}
		}
	}()
	return func() { close(done) }
}

func (b *RedisBroker) extendLease(ctx context.Context, q *queueState, id string) {
	deadline := time.Now().Add(b.lease).UnixMilli()
	if err := b.client.ZAddXX(ctx, q.keys.active, redis.Z{Score: float64(deadline), Member: id}).Err(); err != nil {
		b.logger.Warn("failed to extend job lease", "job_id", id, "error", err)
	}
}

func (b *RedisBroker) progress(ctx context.Context, job *Job) error {
	q, err := b.queue(job.Queue)
	if err != nil {
		return err
	}
	if err := b.saveJob(ctx, q, job); err != nil {
		return fmt.Errorf("saving job progress: %w", err)
	}
	b.extendLease(ctx, q, job.ID)
	b.events.publish(Event{Type: EventProgress, Queue: job.Queue, JobID: job.ID, AttemptsMade: job.AttemptsMade, Progress: job.Progress})
	return nil
}

func (b *RedisBroker) finish(ctx context.Context, q *queueState, job *Job, result any, err error) {
	var resched *rescheduleError
	switch {
	case err == nil:
		b.completeJob(ctx, q, job, result)
	case errors.As(err, &resched):
		job.AttemptsMade--
		job.State = StateDelayed
		due := time.Now().Add(resched.delay).UnixMilli()
		if _, mErr := b.move(ctx, q, q.keys.active, q.keys.delayed, job, float64(due)); mErr != nil {
			b.logger.Error("failed to reschedule job", "job_id", job.ID, "error", mErr)
		}
	case IsUnrecoverable(err) || job.AttemptsMade >= job.Attempts:
		b.failJob(ctx, q, job, err)
	default:
		b.retryJob(ctx, q, job, err)
	}
}

func (b *RedisBroker) completeJob(ctx context.Context, q *queueState, job *Job, result any) {
	now := time.Now().UTC()
	job.State = StateCompleted
	job.FinishedAt = &now
	job.Progress = 100
	job.FailedReason = ""
	if result != nil {
		if raw, err := json.Marshal(result); err == nil {
			job.Result = raw
		}
	}

	moved, err := b.move(ctx, q, q.keys.active, q.keys.completed, job, float64(now.UnixMilli()))
	if err != nil {
		b.logger.Error("failed to complete job", "job_id", job.ID, "error", err)
		return
	}
	if !moved {
		b.logger.Warn("job lease lost before completion", "queue", q.cfg.Name, "job_id", job.ID)
		return
	}

	metrics.QueueJobsTotal.WithLabelValues(q.cfg.Name, string(EventCompleted)).Inc()
	b.trim(ctx, q, q.keys.completed, q.cfg.KeepCompleted)
	b.events.publish(Event{Type: EventCompleted, Queue: q.cfg.Name, JobID: job.ID, AttemptsMade: job.AttemptsMade, Result: job.Result})
}

func (b *RedisBroker) failJob(ctx context.Context, q *queueState, job *Job, cause error) {
	now := time.Now().UTC()
	job.State = StateFailed
	job.FinishedAt = &now
	job.FailedReason = cause.Error()

	moved, err := b.move(ctx, q, q.keys.active, q.keys.failed, job, float64(now.UnixMilli()))
	if err != nil {
		b.logger.Error("failed to record job failure", "job_id", job.ID, "error", err)
		return
	}
	if !moved {
		return
	}

	b.logger.Warn("job failed",
		"queue", q.cfg.Name,
		"job_id", job.ID,
		"attempts_made", job.AttemptsMade,
		"error", job.FailedReason,
	)
	metrics.QueueJobsTotal.WithLabelValues(q.cfg.Name, string(EventFailed)).Inc()
	b.trim(ctx, q, q.keys.failed, q.cfg.KeepFailed)
	b.events.publish(Event{Type: EventFailed, Queue: q.cfg.Name, JobID: job.ID, AttemptsMade: job.AttemptsMade, Error: job.FailedReason})
}

func (b *RedisBroker) retryJob(ctx context.Context, q *queueState, job *Job, cause error) {
	delay := job.backoff()
	job.State = StateDelayed
	job.FailedReason = cause.Error()

	due := time.Now().Add(delay).UnixMilli()
	moved, err := b.move(ctx, q, q.keys.active, q.keys.delayed, job, float64(due))
	if err != nil {
		b.logger.Error("failed to schedule job retry", "job_id", job.ID, "error", err)
		return
	}
	if !moved {
		return
	}

	b.logger.Info("job scheduled for retry",
		"queue", q.cfg.Name,
		"job_id", job.ID,
		"attempts_made", job.AttemptsMade,
		"retry_in", delay.String(),
	)
	metrics.QueueJobsTotal.WithLabelValues(q.cfg.Name, string(EventRetrying)).Inc()
	b.events.publish(Event{Type: EventRetrying, Queue: q.cfg.Name, JobID: job.ID, AttemptsMade: job.AttemptsMade, Error: job.FailedReason, RetryIn: delay})
}

// trim drops all but the newest keep entries of a finished set.
func (b *RedisBroker) trim(ctx context.Context, q *queueState, set string, keep int) {
	ids, err := b.client.ZRange(ctx, set, 0, int64(-keep-1)).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	b.removeJobs(ctx, q, set, ids)
}

func (b *RedisBroker) removeJobs(ctx context.Context, q *queueState, set string, ids []string) error {
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, set, members...)
	pipe.HDel(ctx, q.keys.jobs, ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("removing %d jobs from %s: %w", len(ids), set, err)
	}
	return nil
}

// Retry moves up to limit failed jobs back to waiting with fresh attempts.
// A limit of zero or less retries every failed job.
func (b *RedisBroker) Retry(ctx context.Context, queue string, limit int) (int, error) {
	q, err := b.queue(queue)
	if err != nil {
		return 0, err
	}

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := b.client.ZRange(ctx, q.keys.failed, 0, stop).Result()
	if err != nil {
		return 0, fmt.Errorf("listing failed jobs: %w", err)
	}

	retried := 0
	for _, id := range ids {
		job, err := b.loadJob(ctx, q, id)
		if err != nil {
			return retried, err
		}
		if job == nil {
			b.client.ZRem(ctx, q.keys.failed, id)
			continue
		}

		job.State = StateWaiting
		job.AttemptsMade = 0
		job.FailedReason = ""
		job.FinishedAt = nil
		score, err := b.waitScore(ctx, q, job.Priority)
		if err != nil {
			return retried, err
		}
		moved, err := b.move(ctx, q, q.keys.failed, q.keys.wait, job, score)
		if err != nil {
			return retried, err
		}
		if moved {
			retried++
		}
	}

	b.logger.Info("retried failed jobs", "queue", queue, "count", retried)
	return retried, nil
}

// Clean removes completed or failed jobs that finished more than grace ago.
func (b *RedisBroker) Clean(ctx context.Context, queue string, grace time.Duration, state State) (int, error) {
	q, err := b.queue(queue)
	if err != nil {
		return 0, err
	}

	var set string
	switch state {
	case StateCompleted:
		set = q.keys.completed
	case StateFailed:
		set = q.keys.failed
	default:
		return 0, fmt.Errorf("cannot clean %s jobs", state)
	}

	cutoff := time.Now().Add(-grace).UnixMilli()
	ids, err := b.client.ZRangeByScore(ctx, set, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("listing %s jobs: %w", state, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := b.removeJobs(ctx, q, set, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Pause stops dispatchers from claiming new jobs from the queue.
func (b *RedisBroker) Pause(ctx context.Context, queue string) error {
	q, err := b.queue(queue)
	if err != nil {
		return err
	}
	if err := b.client.Set(ctx, q.keys.paused, "1", 0).Err(); err != nil {
		return fmt.Errorf("pausing %s: %w", queue, err)
	}
	b.logger.Info("queue paused", "queue", queue)
	return nil
}

// Resume undoes Pause.
func (b *RedisBroker) Resume(ctx context.Context, queue string) error {
	q, err := b.queue(queue)
	if err != nil {
		return err
	}
	if err := b.client.Del(ctx, q.keys.paused).Err(); err != nil {
		return fmt.Errorf("resuming %s: %w", queue, err)
	}
	b.logger.Info("queue resumed", "queue", queue)
	return nil
}

func (b *RedisBroker) IsPaused(ctx context.Context, queue string) (bool, error) {
	q, err := b.queue(queue)
	if err != nil {
		return false, err
	}
	n, err := b.client.Exists(ctx, q.keys.paused).Result()
	if err != nil {
		return false, fmt.Errorf("checking pause flag: %w", err)
	}
	return n > 0, nil
}

// Counts returns the number of jobs in each state.
func (b *RedisBroker) Counts(ctx context.Context, queue string) (Counts, error) {
	q, err := b.queue(queue)
	if err != nil {
		return Counts{}, err
	}

	pipe := b.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.keys.wait)
	active := pipe.ZCard(ctx, q.keys.active)
	completed := pipe.ZCard(ctx, q.keys.completed)
	failed := pipe.ZCard(ctx, q.keys.failed)
	delayed := pipe.ZCard(ctx, q.keys.delayed)
	paused := pipe.Exists(ctx, q.keys.paused)
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("counting %s jobs: %w", queue, err)
	}

	return Counts{
		Queue:     queue,
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
		Paused:    paused.Val() > 0,
	}, nil
}

// Jobs lists jobs in a state. Waiting jobs come in dispatch order, finished
// jobs newest first.
func (b *RedisBroker) Jobs(ctx context.Context, queue string, state State, start, stop int64) ([]*Job, error) {
	q, err := b.queue(queue)
	if err != nil {
		return nil, err
	}

	var ids []string
	switch state {
	case StateWaiting:
		ids, err = b.client.ZRange(ctx, q.keys.wait, start, stop).Result()
	case StateDelayed:
		ids, err = b.client.ZRange(ctx, q.keys.delayed, start, stop).Result()
	case StateActive:
		ids, err = b.client.ZRange(ctx, q.keys.active, start, stop).Result()
	case StateCompleted:
		ids, err = b.client.ZRevRange(ctx, q.keys.completed, start, stop).Result()
	case StateFailed:
		ids, err = b.client.ZRevRange(ctx, q.keys.failed, start, stop).Result()
	default:
		return nil, fmt.Errorf("unknown job state %q", state)
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s jobs: %w", state, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := b.client.HMGet(ctx, q.keys.jobs, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			b.logger.Warn("skipping undecodable job", "queue", queue, "error", err)
			continue
		}
		job.broker = b
		jobs = append(jobs, &job)
	}
	return jobs, nil
}
