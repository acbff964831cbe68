package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/Priya8975/hoa-notifier/internal/domain"
	"github.com/Priya8975/hoa-notifier/internal/queue"
)

// IngestMessage is the JSON value carried on the notification topic. Exactly
// one of Notification or Bulk is set.
type IngestMessage struct {
	Notification *domain.Notification `json:"notification,omitempty"`
	ScheduledFor *time.Time           `json:"scheduledFor,omitempty"`
	Priority     int                  `json:"priority,omitempty"`
	Bulk         []domain.Notification `json:"bulk,omitempty"`
}

// Enqueuer is the part of the scheduler the consumer feeds.
type Enqueuer interface {
	Enqueue(ctx context.Context, n domain.Notification, opts queue.EnqueueOptions) (*queue.Job, error)
	EnqueueBulk(ctx context.Context, ns []domain.Notification, opts queue.BulkOptions) (*queue.Job, error)
	Schedule(ctx context.Context, n domain.Notification, at time.Time) (*queue.Job, error)
}

// errUndecodable marks messages that will never succeed and are skipped.
var errUndecodable = errors.New("undecodable message")

// Consumer reads notification messages from a Kafka topic with a consumer
// group and queues them.
type Consumer struct {
	topic         string
	consumerGroup sarama.ConsumerGroup
	enqueuer      Enqueuer
	log           *slog.Logger
}

func NewConsumer(topic string, consumerGroup sarama.ConsumerGroup, enqueuer Enqueuer, log *slog.Logger) *Consumer {
	return &Consumer{
		topic:         topic,
		consumerGroup: consumerGroup,
		enqueuer:      enqueuer,
		log:           log,
	}
}

// NewConsumerGroup builds the sarama consumer group used by the service.
func NewConsumerGroup(brokers []string, groupID string) (sarama.ConsumerGroup, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating consumer group %s: %w", groupID, err)
	}
	return group, nil
}

// Start consumes until ctx is cancelled or the group is closed.
func (c *Consumer) Start(ctx context.Context) error {
	defer func() {
		if err := c.consumerGroup.Close(); err != nil {
			c.log.Warn("failed to close consumer group", "error", err)
		}
	}()

	go func() {
		for err := range c.consumerGroup.Errors() {
			c.log.Error("consumer group error", "error", err)
		}
	}()

	c.log.Info("kafka ingest started", "topic", c.topic)

	backoff := time.Second
	for {
		err := c.consumerGroup.Consume(ctx, []string{c.topic}, c)
		if err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return err
			}
			c.log.Error("error consuming messages", "error", err)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		if ctx.Err() != nil {
			c.log.Info("kafka ingest stopped")
			return ctx.Err()
		}
		backoff = time.Second
	}
}

func (c *Consumer) Setup(session sarama.ConsumerGroupSession) error {
	for topic, partitions := range session.Claims() {
		c.log.Info("partition assignment", "topic", topic, "partitions", partitions)
	}
	return nil
}

func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim queues each message and marks it. An enqueue failure ends
// the claim with the message unmarked so it is redelivered once the session
// restarts from the committed offset.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			err := c.handle(session.Context(), message.Value)
			switch {
			case errors.Is(err, errUndecodable):
				c.log.Error("skipping message",
					"topic", message.Topic,
					"partition", message.Partition,
					"offset", message.Offset,
					"error", err,
				)
			case err != nil:
				c.log.Error("failed to queue message",
					"topic", message.Topic,
					"partition", message.Partition,
					"offset", message.Offset,
					"error", err,
				)
				return err
			}
			session.MarkMessage(message, "")
		}
	}
}

func (c *Consumer) handle(ctx context.Context, value []byte) error {
	var msg IngestMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return fmt.Errorf("%w: %v", errUndecodable, err)
	}

	switch {
	case len(msg.Bulk) > 0:
		job, err := c.enqueuer.EnqueueBulk(ctx, msg.Bulk, queue.BulkOptions{})
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("%w: %v", errUndecodable, err)
		}
		if err != nil {
			return fmt.Errorf("queueing bulk message: %w", err)
		}
		c.log.Debug("bulk message queued", "job_id", job.ID, "count", len(msg.Bulk))
		return nil

	case msg.Notification != nil:
		var (
			job *queue.Job
			err error
		)
		if msg.ScheduledFor != nil {
			job, err = c.enqueuer.Schedule(ctx, *msg.Notification, *msg.ScheduledFor)
		} else {
			job, err = c.enqueuer.Enqueue(ctx, *msg.Notification, queue.EnqueueOptions{Priority: msg.Priority})
		}
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("%w: %v", errUndecodable, err)
		}
		if err != nil {
			return fmt.Errorf("queueing notification: %w", err)
		}
		c.log.Debug("notification queued", "job_id", job.ID, "template", msg.Notification.Template)
		return nil

	default:
		return fmt.Errorf("%w: message has neither notification nor bulk", errUndecodable)
	}
}
