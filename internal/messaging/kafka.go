package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/temcen/workalloc/internal/config"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
	publishTimeout    = 10 * time.Second
)

// ErrPermanent marks a handler failure that retrying cannot fix. Such
// messages go straight to the DLQ.
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so the consumer skips its retries.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Writer is the producing side of a topic. *kafka.Writer implements it.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Reader is the consuming side of a topic. *kafka.Reader implements it.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher emits allocation events keyed by worker.
type Publisher struct {
	writer Writer
	topic  string
	logger *logrus.Logger
}

func NewPublisher(writer Writer, topic string, logger *logrus.Logger) *Publisher {
	return &Publisher{writer: writer, topic: topic, logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, event AllocationEvent) error {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.FactoryID + ":" + strconv.FormatInt(event.WorkerID, 10)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(event.EventID.String())},
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "timestamp", Value: []byte(event.Timestamp.Format(time.RFC3339))},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"event_type": event.Type,
			"factory_id": event.FactoryID,
			"worker_id":  event.WorkerID,
		}).Error("Failed to publish allocation event")
		return fmt.Errorf("failed to write event to Kafka: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"event_type": event.Type,
		"factory_id": event.FactoryID,
		"worker_id":  event.WorkerID,
		"topic":      p.topic,
	}).Debug("Allocation event published")
	return nil
}

// OutcomeHandler applies one task outcome.
type OutcomeHandler func(ctx context.Context, outcome TaskOutcome) error

// Consumer reads task outcomes, retries failed ones with exponential backoff
// and parks the rest on a dead letter topic. A message is committed once it
// was either handled or written to the DLQ; a message interrupted by
// shutdown is neither, so it is redelivered.
type Consumer struct {
	reader     Reader
	dlq        Writer
	topic      string
	logger     *logrus.Logger
	maxRetries int
	retryDelay time.Duration
}

type ConsumerOption func(*Consumer)

// WithRetry overrides the retry count and the first backoff delay.
func WithRetry(maxRetries int, delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.maxRetries = maxRetries
		c.retryDelay = delay
	}
}

func NewConsumer(reader Reader, dlq Writer, topic string, logger *logrus.Logger, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		reader:     reader,
		dlq:        dlq,
		topic:      topic,
		logger:     logger,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes until ctx is done.
func (c *Consumer) Run(ctx context.Context, handler OutcomeHandler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.WithError(err).Error("Failed to read message from Kafka")
			if !c.sleep(ctx, c.retryDelay) {
				return ctx.Err()
			}
			continue
		}

		c.handle(ctx, msg, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.WithError(err).WithField("offset", msg.Offset).Error("Failed to commit message")
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message, handler OutcomeHandler) {
	var outcome TaskOutcome
	if err := json.Unmarshal(msg.Value, &outcome); err != nil {
		c.logger.WithError(err).WithField("offset", msg.Offset).Warn("Malformed task outcome")
		c.deadLetter(ctx, msg, err, 0)
		return
	}
	if err := outcome.Validate(); err != nil {
		c.logger.WithError(err).WithField("offset", msg.Offset).Warn("Invalid task outcome")
		c.deadLetter(ctx, msg, err, 0)
		return
	}

	attempts, err := c.processWithRetry(ctx, outcome, handler)
	if err != nil && ctx.Err() != nil {
		c.logger.WithField("feedback_id", outcome.FeedbackID).Info("Consumer stopping, task outcome left for redelivery")
		return
	}
	if err != nil {
		c.logger.WithError(err).WithField("feedback_id", outcome.FeedbackID).Error("Failed to process task outcome")
		c.deadLetter(ctx, msg, err, attempts)
	}
}

func (c *Consumer) processWithRetry(ctx context.Context, outcome TaskOutcome, handler OutcomeHandler) (int, error) {
	var err error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<uint(attempt-1))
			c.logger.WithFields(logrus.Fields{
				"feedback_id": outcome.FeedbackID,
				"attempt":     attempt,
				"delay":       delay,
			}).Info("Retrying task outcome")
			if !c.sleep(ctx, delay) {
				return attempt, ctx.Err()
			}
		}

		if err = handler(ctx, outcome); err == nil {
			return attempt + 1, nil
		}
		c.logger.WithError(err).WithFields(logrus.Fields{
			"feedback_id": outcome.FeedbackID,
			"attempt":     attempt,
		}).Warn("Task outcome processing failed")

		if errors.Is(err, ErrPermanent) {
			return attempt + 1, err
		}
	}
	return c.maxRetries + 1, fmt.Errorf("max retries exceeded: %w", err)
}

func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, cause error, attempts int) {
	if c.dlq == nil {
		return
	}
	body, err := json.Marshal(map[string]interface{}{
		"original_message": json.RawMessage(validJSON(msg.Value)),
		"error":            cause.Error(),
		"attempts":         attempts,
		"dlq_timestamp":    time.Now(),
	})
	if err != nil {
		c.logger.WithError(err).Error("Failed to marshal DLQ message")
		return
	}

	dlqMsg := kafka.Message{
		Key:   msg.Key,
		Value: body,
		Headers: []kafka.Header{
			{Key: "original_topic", Value: []byte(c.topic)},
			{Key: "original_offset", Value: []byte(strconv.FormatInt(msg.Offset, 10))},
			{Key: "error", Value: []byte(cause.Error())},
		},
	}
	if err := c.dlq.WriteMessages(context.WithoutCancel(ctx), dlqMsg); err != nil {
		c.logger.WithError(err).Error("Failed to send message to DLQ")
		return
	}
	c.logger.WithFields(logrus.Fields{
		"offset": msg.Offset,
		"error":  cause.Error(),
	}).Warn("Message sent to DLQ")
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// validJSON returns raw when it is valid JSON and a JSON string of it
// otherwise, so the DLQ envelope always marshals.
func validJSON(raw []byte) []byte {
	if json.Valid(raw) {
		return raw
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}

// MessageBus owns the Kafka clients of the service.
type MessageBus struct {
	events   *kafka.Writer
	outcomes *kafka.Reader
	dlq      *kafka.Writer
	cfg      config.KafkaConfig
	logger   *logrus.Logger
}

func NewMessageBus(cfg config.KafkaConfig, logger *logrus.Logger) *MessageBus {
	return &MessageBus{
		events: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topics.AllocationEvents,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
			BatchSize:    100,
		},
		outcomes: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          cfg.Topics.TaskOutcomes,
			GroupID:        cfg.ConsumerGroup,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: time.Second,
			StartOffset:    kafka.FirstOffset,
		}),
		dlq: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topics.TaskOutcomesDLQ,
			RequiredAcks: kafka.RequireOne,
		},
		cfg:    cfg,
		logger: logger,
	}
}

func (mb *MessageBus) Publisher() *Publisher {
	return NewPublisher(mb.events, mb.cfg.Topics.AllocationEvents, mb.logger)
}

func (mb *MessageBus) Consumer(opts ...ConsumerOption) *Consumer {
	return NewConsumer(mb.outcomes, mb.dlq, mb.cfg.Topics.TaskOutcomes, mb.logger, opts...)
}

func (mb *MessageBus) Close() error {
	var errs []error
	if err := mb.events.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close event writer: %w", err))
	}
	if err := mb.outcomes.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close outcome reader: %w", err))
	}
	if err := mb.dlq.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close DLQ writer: %w", err))
	}
	return errors.Join(errs...)
}
