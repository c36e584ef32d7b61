package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// Admin creates the log and alert topics.
type Admin struct {
	config *Config
	logger *slog.Logger
}

func NewAdmin(config *Config, logger *slog.Logger) (*Admin, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Admin{config: config, logger: logger.With("component", "kafka-admin")}, nil
}

// TopicSpec is what CreateTopic asks the controller for.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
	Retention         time.Duration
	MaxMessageBytes   int
}

// TopicConfigFor applies the configured topic defaults to name.
func (c *Config) TopicConfigFor(name string) TopicSpec {
	return TopicSpec{
		Name:              name,
		Partitions:        c.Topics.Partitions,
		ReplicationFactor: c.Topics.ReplicationFactor,
		Retention:         c.Topics.Retention,
		MaxMessageBytes:   c.Topics.MaxMessageBytes,
	}
}

func (t TopicSpec) entries() []kafka.ConfigEntry {
	var out []kafka.ConfigEntry
	if t.Retention > 0 {
		out = append(out, kafka.ConfigEntry{
			ConfigName:  "retention.ms",
			ConfigValue: strconv.FormatInt(t.Retention.Milliseconds(), 10),
		})
	}
	if t.MaxMessageBytes > 0 {
		out = append(out, kafka.ConfigEntry{
			ConfigName:  "max.message.bytes",
			ConfigValue: strconv.Itoa(t.MaxMessageBytes),
		})
	}
	return out
}

func (a *Admin) dial(ctx context.Context) (*kafka.Conn, *kafka.Dialer, error) {
	d, err := a.config.dialer()
	if err != nil {
		return nil, nil, err
	}
	var lastErr error
	for _, broker := range a.config.Brokers {
		conn, err := d.DialContext(ctx, "tcp", broker)
		if err == nil {
			return conn, d, nil
		}
		lastErr = err
	}
	return nil, nil, fmt.Errorf("kafka: no broker reachable: %w", lastErr)
}

// ListTopics returns the cluster's topic names, sorted.
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	conn, _, err := a.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("kafka: read partitions: %w", err)
	}
	return topicNames(partitions), nil
}

func topicNames(partitions []kafka.Partition) []string {
	names := make([]string, 0, len(partitions))
	for _, p := range partitions {
		names = append(names, p.Topic)
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// CreateTopic creates t through the cluster controller.
func (a *Admin) CreateTopic(ctx context.Context, t TopicSpec) error {
	conn, d, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: find controller: %w", err)
	}
	cc, err := d.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka: dial controller: %w", err)
	}
	defer cc.Close()

	err = cc.CreateTopics(kafka.TopicConfig{
		Topic:             t.Name,
		NumPartitions:     t.Partitions,
		ReplicationFactor: t.ReplicationFactor,
		ConfigEntries:     t.entries(),
	})
	if err != nil {
		return fmt.Errorf("kafka: create topic %s: %w", t.Name, err)
	}
	a.logger.Info("kafka topic created", "topic", t.Name, "partitions", t.Partitions)
	return nil
}

// EnsureTopic creates t unless it already exists.
func (a *Admin) EnsureTopic(ctx context.Context, t TopicSpec) error {
	topics, err := a.ListTopics(ctx)
	if err != nil {
		return err
	}
	if _, found := slices.BinarySearch(topics, t.Name); found {
		a.logger.Debug("kafka topic exists", "topic", t.Name)
		return nil
	}
	return a.CreateTopic(ctx, t)
}
