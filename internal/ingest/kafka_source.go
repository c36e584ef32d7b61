package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"chainwatch/internal/chainlog"
	"chainwatch/internal/kafka"
	"chainwatch/internal/metrics"
	"chainwatch/internal/pipeline"
)

const ackTimeout = 10 * time.Second

// fetcher is satisfied by *kafka.Consumer.
type fetcher interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Ack(ctx context.Context, msg kafka.Message) error
}

// KafkaSource reads JSON raw logs from the log topic. A message is
// acknowledged once its log has been processed or dropped, and left
// uncommitted when the pipeline abandons it on shutdown.
type KafkaSource struct {
	consumer fetcher
	logger   *slog.Logger
}

// NewKafkaSource creates a source over consumer.
func NewKafkaSource(consumer fetcher, logger *slog.Logger) *KafkaSource {
	return &KafkaSource{
		consumer: consumer,
		logger:   logger.With("component", "kafka_source"),
	}
}

// Next fetches the next decodable log. Undecodable messages are logged,
// committed and skipped.
func (s *KafkaSource) Next(ctx context.Context) (pipeline.Delivery, error) {
	for {
		msg, err := s.consumer.Fetch(ctx)
		if err != nil {
			return pipeline.Delivery{}, err
		}

		var raw chainlog.RawLog
		if err := json.Unmarshal(msg.Value, &raw); err != nil {
			metrics.DecodeErrors.WithLabelValues("json").Inc()
			s.logger.Warn("skipping undecodable message",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			s.ack(msg)
			continue
		}

		return pipeline.Delivery{
			Log: raw,
			Done: func(err error) {
				if errors.Is(err, pipeline.ErrAbandoned) {
					return
				}
				s.ack(msg)
			},
		}, nil
	}
}

func (s *KafkaSource) ack(msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	if err := s.consumer.Ack(ctx, msg); err != nil {
		s.logger.Error("failed to commit offset",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
	}
}
