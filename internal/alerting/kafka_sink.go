package alerting

import (
	"context"
	"encoding/json"
	"fmt"

	"chainwatch/internal/detection"
)

// TopicProducer is satisfied by kafka.Producer.
type TopicProducer interface {
	ProduceWithTopic(ctx context.Context, topic string, key, value []byte) error
}

// KafkaSink publishes alerts as JSON keyed by fingerprint, so repeats of
// one condition land on the same partition.
type KafkaSink struct {
	producer TopicProducer
	topic    string
}

// NewKafkaSink creates a new Kafka sink.
func NewKafkaSink(producer TopicProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (k *KafkaSink) Name() string {
	return "kafka"
}

func (k *KafkaSink) Deliver(ctx context.Context, alert detection.Alert) error {
	value, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	return k.producer.ProduceWithTopic(ctx, k.topic, []byte(alert.Fingerprint), value)
}

func (k *KafkaSink) Close() error {
	if c, ok := k.producer.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
