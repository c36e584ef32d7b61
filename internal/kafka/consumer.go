package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chainwatch/internal/metrics"

	"github.com/segmentio/kafka-go"
)

// Message represents a consumed Kafka message.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []Header
	Time      time.Time
}

// Header represents a Kafka message header.
type Header struct {
	Key   string
	Value []byte
}

// messageReader is satisfied by *kafka.Reader.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads the log topic in a consumer group. Messages may be
// processed concurrently; Ack commits a partition's offset only once every
// earlier fetched message on that partition has been acknowledged.
type Consumer struct {
	reader messageReader
	topic  string
	logger *slog.Logger
	closed atomic.Bool

	mu      sync.Mutex
	pending map[partitionKey]*partitionOffsets
	stats   Stats
}

type partitionKey struct {
	topic     string
	partition int
}

// partitionOffsets holds fetched offsets in fetch order, which is offset order.
type partitionOffsets struct {
	offsets []int64
	done    map[int64]bool
}

// NewConsumer joins config.ConsumerGroup on config.Topic.
func NewConsumer(config *Config, logger *slog.Logger) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.ConsumerGroup == "" {
		return nil, errors.New("kafka: consumer group is required")
	}
	d, err := config.dialer()
	if err != nil {
		return nil, err
	}

	logger = logger.With("component", "kafka-consumer")
	cc := config.Consumer
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           config.Brokers,
		GroupID:           config.ConsumerGroup,
		Topic:             config.Topic,
		Dialer:            d,
		MinBytes:          cc.MinBytes,
		MaxBytes:          cc.MaxBytes,
		MaxWait:           cc.MaxWait,
		StartOffset:       cc.startOffset(),
		HeartbeatInterval: cc.HeartbeatInterval,
		SessionTimeout:    cc.SessionTimeout,
		RebalanceTimeout:  cc.RebalanceTimeout,
		ReadBackoffMin:    100 * time.Millisecond,
		ReadBackoffMax:    time.Second,
		Logger:            kafkaLogger(logger, slog.LevelDebug),
		ErrorLogger:       kafkaLogger(logger, slog.LevelError),
	})

	logger.Info("kafka consumer ready",
		"brokers", config.Brokers,
		"topic", config.Topic,
		"group", config.ConsumerGroup,
		"start_offset", cc.StartOffset,
	)
	return newConsumer(reader, config, logger), nil
}

func newConsumer(r messageReader, config *Config, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader:  r,
		topic:   config.Topic,
		logger:  logger,
		pending: make(map[partitionKey]*partitionOffsets),
	}
}

// Fetch blocks until the next message is available. Transient fetch errors
// are logged and retried after a short backoff; it returns only on success,
// context cancellation or Close.
func (c *Consumer) Fetch(ctx context.Context) (Message, error) {
	for {
		if c.closed.Load() {
			return Message{}, ErrConsumerClosed
		}

		km, err := c.reader.FetchMessage(ctx)
		if err == nil {
			c.track(km)
			metrics.KafkaMessages.WithLabelValues("consumed").Inc()
			return toMessage(km), nil
		}

		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		if c.closed.Load() {
			return Message{}, ErrConsumerClosed
		}

		c.recordError("fetch", err)
		c.logger.Error("failed to fetch message", "error", err, "topic", c.topic)

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func toMessage(km kafka.Message) Message {
	msg := Message{
		Topic:     km.Topic,
		Partition: km.Partition,
		Offset:    km.Offset,
		Key:       km.Key,
		Value:     km.Value,
		Time:      km.Time,
		Headers:   make([]Header, len(km.Headers)),
	}
	for i, h := range km.Headers {
		msg.Headers[i] = Header{Key: h.Key, Value: h.Value}
	}
	return msg
}

func (c *Consumer) track(km kafka.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := partitionKey{km.Topic, km.Partition}
	p := c.pending[key]
	if p == nil {
		p = &partitionOffsets{done: make(map[int64]bool)}
		c.pending[key] = p
	}
	p.offsets = append(p.offsets, km.Offset)
	c.stats.Messages++
	c.stats.Bytes += int64(len(km.Key) + len(km.Value))
}

// Ack marks msg processed and commits the highest contiguous processed
// offset of its partition, if that advanced.
func (c *Consumer) Ack(ctx context.Context, msg Message) error {
	commit, ok := c.complete(msg)
	if !ok {
		return nil
	}

	if err := c.reader.CommitMessages(ctx, commit); err != nil {
		c.recordError("commit", err)
		c.logger.Error("failed to commit offset",
			"error", err,
			"partition", commit.Partition,
			"offset", commit.Offset,
		)
		return fmt.Errorf("kafka: commit offset %d: %w", commit.Offset, err)
	}
	c.mu.Lock()
	c.stats.Commits++
	c.mu.Unlock()
	return nil
}

func (c *Consumer) complete(msg Message) (kafka.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.pending[partitionKey{msg.Topic, msg.Partition}]
	if p == nil {
		return kafka.Message{}, false
	}
	p.done[msg.Offset] = true

	committed := int64(-1)
	for len(p.offsets) > 0 && p.done[p.offsets[0]] {
		committed = p.offsets[0]
		delete(p.done, committed)
		p.offsets = p.offsets[1:]
	}
	if committed < 0 {
		return kafka.Message{}, false
	}
	return kafka.Message{Topic: msg.Topic, Partition: msg.Partition, Offset: committed}, true
}

func (c *Consumer) recordError(op string, err error) {
	c.mu.Lock()
	c.stats.Errors++
	c.stats.LastError = err
	c.mu.Unlock()
	metrics.KafkaErrors.WithLabelValues(op).Inc()
}

// Stats returns a snapshot of the consumer counters.
func (c *Consumer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Close stops the consumer. Offsets not yet acknowledged stay uncommitted
// and are redelivered to the group.
func (c *Consumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	s := c.Stats()
	c.logger.Info("closing kafka consumer", "messages", s.Messages, "commits", s.Commits)

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close consumer: %w", err)
	}
	return nil
}
