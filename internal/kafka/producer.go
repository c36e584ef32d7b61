package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chainwatch/internal/chainlog"
	"chainwatch/internal/metrics"

	"github.com/segmentio/kafka-go"
)

var (
	ErrProducerClosed = errors.New("kafka: producer is closed")
	ErrConsumerClosed = errors.New("kafka: consumer is closed")
)

// messageWriter is satisfied by *kafka.Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes raw logs and alerts. Writes that fail with a retryable
// broker error are retried with exponential backoff.
type Producer struct {
	writer messageWriter
	topic  string
	cfg    ProducerConfig
	logger *slog.Logger
	closed atomic.Bool

	mu    sync.Mutex
	stats Stats
}

// NewProducer creates a producer for config's brokers.
func NewProducer(config *Config, logger *slog.Logger) (*Producer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	d, err := config.dialer()
	if err != nil {
		return nil, err
	}

	logger = logger.With("component", "kafka-producer")
	w := &kafka.Writer{
		Addr:     kafka.TCP(config.Brokers...),
		Balancer: &kafka.Hash{},
		// produce owns retries.
		MaxAttempts:  1,
		BatchSize:    config.Producer.BatchSize,
		BatchTimeout: config.Producer.BatchTimeout,
		WriteTimeout: config.Producer.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(config.Producer.RequiredAcks),
		Compression:  config.compression(),
		Transport: &kafka.Transport{
			Dial: d.DialFunc,
			TLS:  d.TLS,
			SASL: d.SASLMechanism,
		},
		Logger:      kafkaLogger(logger, slog.LevelDebug),
		ErrorLogger: kafkaLogger(logger, slog.LevelError),
	}

	logger.Info("kafka producer ready", "brokers", config.Brokers, "topic", config.Topic)
	return newProducer(w, config, logger), nil
}

func newProducer(w messageWriter, config *Config, logger *slog.Logger) *Producer {
	return &Producer{
		writer: w,
		topic:  config.Topic,
		cfg:    config.Producer,
		logger: logger,
	}
}

// ProduceWithTopic writes one message to topic.
func (p *Producer) ProduceWithTopic(ctx context.Context, topic string, key, value []byte) error {
	return p.produce(ctx, kafka.Message{Topic: topic, Key: key, Value: value, Time: time.Now()})
}

// PublishRawLogs writes logs to the log topic keyed by lowercased
// transaction hash, so one transaction's logs share a partition.
func (p *Producer) PublishRawLogs(ctx context.Context, logs ...chainlog.RawLog) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	if len(logs) == 0 {
		return nil
	}

	now := time.Now()
	msgs := make([]kafka.Message, len(logs))
	for i, l := range logs {
		data, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("kafka: marshal raw log: %w", err)
		}
		msgs[i] = kafka.Message{
			Topic: p.topic,
			Key:   []byte(strings.ToLower(l.TxHash)),
			Value: data,
			Time:  now,
		}
	}
	return p.produce(ctx, msgs...)
}

func (p *Producer) produce(ctx context.Context, msgs ...kafka.Message) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	backoff := p.cfg.RetryBackoff
	attempts := p.cfg.MaxRetries + 1
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = p.writer.WriteMessages(ctx, msgs...); err == nil {
			p.recordWrite(msgs)
			return nil
		}
		p.recordError(err)
		p.logger.Warn("kafka write failed", "error", err, "attempt", attempt, "max_attempts", attempts)

		if !retryable(err) {
			return fmt.Errorf("kafka: %w", err)
		}
		if attempt == attempts {
			break
		}

		p.mu.Lock()
		p.stats.Retries++
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("kafka: giving up after %d attempts: %w", attempts, err)
}

func (p *Producer) recordWrite(msgs []kafka.Message) {
	var n int64
	for _, m := range msgs {
		n += int64(len(m.Key) + len(m.Value))
	}
	p.mu.Lock()
	p.stats.Messages += int64(len(msgs))
	p.stats.Bytes += n
	p.mu.Unlock()
	metrics.KafkaMessages.WithLabelValues("produced").Add(float64(len(msgs)))
}

func (p *Producer) recordError(err error) {
	p.mu.Lock()
	p.stats.Errors++
	p.stats.LastError = err
	p.mu.Unlock()
	metrics.KafkaErrors.WithLabelValues("write").Inc()
}

// Stats returns a snapshot of the producer counters.
func (p *Producer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Close flushes buffered messages and closes the writer. It is idempotent.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	s := p.Stats()
	p.logger.Info("closing kafka producer", "messages", s.Messages, "bytes", s.Bytes)
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: close producer: %w", err)
	}
	return nil
}

// retryable reports whether another attempt might succeed.
func retryable(err error) bool {
	for _, fatal := range []error{
		kafka.MessageSizeTooLarge,
		kafka.InvalidTopic,
		kafka.TopicAuthorizationFailed,
		kafka.GroupAuthorizationFailed,
		kafka.ClusterAuthorizationFailed,
	} {
		if errors.Is(err, fatal) {
			return false
		}
	}
	return true
}
