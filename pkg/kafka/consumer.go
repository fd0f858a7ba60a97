package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// MessageHandler processes a parsed clean record message
type MessageHandler func(ctx context.Context, msg *IncomingMessage) error

// Consumer reads clean records from the ingest topic. Parse failures are
// committed and skipped; handler failures are retried with exponential
// backoff and left uncommitted when retries run out.
type Consumer struct {
	reader      *kafka.Reader
	logger      ectologger.Logger
	handler     MessageHandler
	maxAttempts uint
	retryWait   time.Duration
	wg          sync.WaitGroup
	cancel      context.CancelFunc
}

type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	// MaxAttempts bounds handler calls per message, default 3
	MaxAttempts uint
}

// NewConsumer creates a consumer for the configured ingest topic
func NewConsumer(cfg *config.Config, logger ectologger.Logger, handler MessageHandler) *Consumer {
	return NewConsumerWithConfig(ConsumerConfig{
		Brokers:       cfg.KafkaBrokers,
		Topic:         cfg.KafkaIngestTopic,
		ConsumerGroup: cfg.KafkaConsumerGroup,
	}, logger, handler)
}

func NewConsumerWithConfig(cfg ConsumerConfig, logger ectologger.Logger, handler MessageHandler) *Consumer {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          cfg.Topic,
			GroupID:        cfg.ConsumerGroup,
			MinBytes:       1 << 10,
			MaxBytes:       10 << 20,
			MaxWait:        500 * time.Millisecond,
			StartOffset:    kafka.FirstOffset,
			CommitInterval: time.Second,
		}),
		logger:      logger,
		handler:     handler,
		maxAttempts: cfg.MaxAttempts,
		retryWait:   500 * time.Millisecond,
	}
}

// Start launches the fetch loop and returns immediately
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()

	c.logger.WithContext(ctx).WithField("topic", c.reader.Config().Topic).Info("Kafka consumer started")
	return nil
}

// Stop cancels the fetch loop, waits for the in-flight message and closes the reader
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.reader.Close()
}

func (c *Consumer) run(ctx context.Context) {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, io.EOF):
			c.logger.WithContext(ctx).Info("Kafka consumer stopping")
			return
		case err != nil:
			c.logger.WithContext(ctx).WithError(err).Error("Failed to fetch message")
			continue
		}

		if c.handle(ctx, msg) {
			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				c.logger.WithContext(ctx).WithError(err).WithField("offset", msg.Offset).Error("Failed to commit message")
			}
		}
	}
}

// handle reports whether msg should be committed
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	ctx, span := tracing.StartSpan(ctx, "kafka.Consumer.handle")
	defer span.End()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	incoming := NewIncomingMessage(msg)
	if err := incoming.ParseRecord(); err != nil {
		log.WithError(err).Error("Skipping unparseable clean record")
		return true
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryWait
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.handler(ctx, incoming)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(c.maxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.WithError(err).Warnf("Handler failed, retrying in %s", wait)
		}),
	)
	if err != nil {
		log.WithError(err).Error("Handler failed, leaving message uncommitted")
		return false
	}
	return true
}

// NewIncomingMessage copies a fetched message and its headers
func NewIncomingMessage(msg kafka.Message) *IncomingMessage {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &IncomingMessage{
		Key:       string(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Time,
		Topic:     msg.Topic,
	}
}
