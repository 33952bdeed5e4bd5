package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrenew/pkg/workerpool"
)

// ConsumerConfig holds configuration for the consumer
type ConsumerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// GroupID is the consumer group ID
	GroupID string
	// Topics is the list of topics to consume
	Topics []string
	// SessionTimeout is the group session timeout
	SessionTimeout time.Duration
	// MaxPollRecords caps the records handled per poll
	MaxPollRecords int
	// StartOffset is "earliest" or "latest" for groups without a commit
	StartOffset string
	// Pool sizes the workers that run the handler
	Pool workerpool.Config
}

// DefaultConsumerConfig returns defaults for the appointment consumer
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:        []string{"localhost:9092"},
		GroupID:        "appointment-reminder-scheduler",
		Topics:         []string{TopicAppointmentEvents},
		SessionTimeout: 30 * time.Second,
		MaxPollRecords: 200,
		StartOffset:    "earliest",
		Pool:           workerpool.DefaultConfig(),
	}
}

// MessageHandler is called for each consumed message. Returning an error
// wrapped with workerpool.Permanent skips retries.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// FailureHandler receives messages whose handler failed after all retries.
type FailureHandler func(ctx context.Context, msg *ConsumedMessage, err error)

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

func toMessage(record *kgo.Record) *ConsumedMessage {
	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

// job is one record travelling through the pool.
type job struct {
	ctx    context.Context
	record *kgo.Record
	span   trace.Span
	wg     *sync.WaitGroup
}

// Consumer polls records and runs the handler for each of them on a bounded
// worker pool. Offsets of a poll are committed once every record of that poll
// has been handled or handed to the failure handler.
type Consumer struct {
	client    *kgo.Client
	config    ConsumerConfig
	logger    *zap.Logger
	tracer    trace.Tracer
	handler   MessageHandler
	onFailure FailureHandler
	pool      *workerpool.Pool[*job]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	messagesRead atomic.Int64
	failures     atomic.Int64
}

// ConsumerOption customises a Consumer.
type ConsumerOption func(*Consumer)

// WithFailureHandler sets the handler for messages that exhausted retries.
func WithFailureHandler(f FailureHandler) ConsumerOption {
	return func(c *Consumer) { c.onFailure = f }
}

// NewConsumer creates a new consumer
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger, opts ...ConsumerOption) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, client *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := client.CommitUncommittedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}
	if cfg.StartOffset == "latest" {
		kopts = append(kopts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	} else {
		kopts = append(kopts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	c, err := newConsumer(client, cfg, handler, logger, opts...)
	if err != nil {
		client.Close()
		return nil, err
	}
	return c, nil
}

func newConsumer(client *kgo.Client, cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger, opts ...ConsumerOption) (*Consumer, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}

	pool, err := workerpool.New(cfg.Pool, c.handle, c.settle, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	c.pool = pool
	return c, nil
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.pool.Start()
	c.wg.Add(1)
	go c.consumeLoop()
	c.logger.Info("consumer started",
		zap.String("group", c.config.GroupID),
		zap.Strings("topics", c.config.Topics))
}

// Stop finishes the current poll, commits and closes the client.
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	c.pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}

	c.client.Close()
	return nil
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		fetches := c.client.PollRecords(c.ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		records := fetches.Records()
		if len(records) == 0 {
			continue
		}
		if err := c.runBatch(c.ctx, records); err != nil {
			c.logger.Warn("batch interrupted, offsets not committed", zap.Error(err))
			return
		}

		c.client.MarkCommitRecords(records...)
		if err := c.client.CommitUncommittedOffsets(c.ctx); err != nil {
			c.logger.Error("failed to commit offsets", zap.Error(err))
		}
	}
}

// runBatch handles every record of one poll and waits for all of them. The
// handlers run detached from ctx so a stop lets the current poll finish.
func (c *Consumer) runBatch(ctx context.Context, records []*kgo.Record) error {
	base := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for _, record := range records {
		rctx, span := c.tracer.Start(ExtractTraceContext(base, record), "process_message",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("topic", record.Topic),
				attribute.Int64("partition", int64(record.Partition)),
				attribute.Int64("offset", record.Offset),
			))
		wg.Add(1)
		if err := c.pool.Submit(ctx, &job{ctx: rctx, record: record, span: span, wg: &wg}); err != nil {
			span.End()
			wg.Done()
			wg.Wait()
			return err
		}
	}
	wg.Wait()
	return nil
}

func (c *Consumer) handle(_ context.Context, j *job) error {
	return c.handler(j.ctx, toMessage(j.record))
}

func (c *Consumer) settle(j *job, err error) {
	defer j.wg.Done()
	defer j.span.End()

	c.messagesRead.Add(1)
	if err == nil {
		return
	}

	c.failures.Add(1)
	j.span.RecordError(err)
	c.logger.Error("message handler failed",
		zap.String("topic", j.record.Topic),
		zap.Int32("partition", j.record.Partition),
		zap.Int64("offset", j.record.Offset),
		zap.Error(err))
	if c.onFailure != nil {
		c.onFailure(j.ctx, toMessage(j.record), err)
	}
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	MessagesRead int64
	Failures     int64
	Pool         workerpool.Stats
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		MessagesRead: c.messagesRead.Load(),
		Failures:     c.failures.Load(),
		Pool:         c.pool.Stats(),
	}
}
