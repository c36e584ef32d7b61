// Package kafka carries raw logs into the pipeline and alerts out of it over
// Kafka topics.
package kafka

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// Config is shared by the consumer, producer and admin client.
type Config struct {
	Brokers []string `yaml:"brokers" validate:"required,dive,required"`

	// Topic carries raw logs as JSON, keyed by transaction hash.
	Topic         string `yaml:"topic" validate:"required"`
	ConsumerGroup string `yaml:"consumer_group"`

	// CreateTopics creates the log and alert topics at startup when missing.
	CreateTopics bool          `yaml:"create_topics"`
	Topics       TopicDefaults `yaml:"topics"`

	Security Security       `yaml:"security"`
	Producer ProducerConfig `yaml:"producer"`
	Consumer ConsumerConfig `yaml:"consumer"`

	DialTimeout time.Duration `yaml:"dial_timeout" validate:"gte=0"`
}

// TopicDefaults apply to topics created by the admin client.
type TopicDefaults struct {
	Partitions        int           `yaml:"partitions" validate:"gte=1"`
	ReplicationFactor int           `yaml:"replication_factor" validate:"gte=1"`
	Retention         time.Duration `yaml:"retention" validate:"gte=0"`
	MaxMessageBytes   int           `yaml:"max_message_bytes" validate:"gte=0"`
}

// Security selects transport encryption and authentication.
type Security struct {
	Protocol string     `yaml:"protocol" validate:"oneof=PLAINTEXT SSL SASL_PLAINTEXT SASL_SSL"`
	SASL     SASLConfig `yaml:"sasl"`
	TLS      TLSConfig  `yaml:"tls"`
}

type SASLConfig struct {
	Mechanism string `yaml:"mechanism"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CAFile     string `yaml:"ca_file"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	SkipVerify bool   `yaml:"skip_verify"`
}

func (s Security) usesSASL() bool {
	return s.Protocol == "SASL_PLAINTEXT" || s.Protocol == "SASL_SSL"
}

func (s Security) usesTLS() bool {
	return s.TLS.Enabled || s.Protocol == "SSL" || s.Protocol == "SASL_SSL"
}

// ProducerConfig tunes the writer used for published logs and alerts.
type ProducerConfig struct {
	BatchSize    int           `yaml:"batch_size" validate:"gte=1"`
	BatchTimeout time.Duration `yaml:"batch_timeout" validate:"gte=0"`
	MaxRetries   int           `yaml:"max_retries" validate:"gte=0"`
	RetryBackoff time.Duration `yaml:"retry_backoff" validate:"gte=0"`
	// RequiredAcks: -1 all replicas, 0 none, 1 leader.
	RequiredAcks int           `yaml:"required_acks" validate:"oneof=-1 0 1"`
	Compression  string        `yaml:"compression" validate:"omitempty,oneof=none gzip snappy lz4 zstd"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"`
}

// ConsumerConfig tunes the consumer group reader.
type ConsumerConfig struct {
	MinBytes int           `yaml:"min_bytes" validate:"gte=1"`
	MaxBytes int           `yaml:"max_bytes" validate:"gtefield=MinBytes"`
	MaxWait  time.Duration `yaml:"max_wait" validate:"gte=0"`
	// StartOffset applies when the group has no committed offset.
	StartOffset       string        `yaml:"start_offset" validate:"oneof=first last"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"gte=0"`
	SessionTimeout    time.Duration `yaml:"session_timeout" validate:"gte=0"`
	RebalanceTimeout  time.Duration `yaml:"rebalance_timeout" validate:"gte=0"`
}

func (c ConsumerConfig) startOffset() int64 {
	if c.StartOffset == "last" {
		return kafka.LastOffset
	}
	return kafka.FirstOffset
}

// DefaultConfig returns a single-broker plaintext setup.
func DefaultConfig() *Config {
	return &Config{
		Brokers:       []string{"localhost:9092"},
		Topic:         "chainwatch-logs",
		ConsumerGroup: "chainwatch",
		Topics: TopicDefaults{
			Partitions:        6,
			ReplicationFactor: 1,
			Retention:         7 * 24 * time.Hour,
			MaxMessageBytes:   1 << 20,
		},
		Security: Security{Protocol: "PLAINTEXT"},
		Producer: ProducerConfig{
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
			MaxRetries:   3,
			RetryBackoff: 100 * time.Millisecond,
			RequiredAcks: -1,
			Compression:  "lz4",
			WriteTimeout: 30 * time.Second,
		},
		Consumer: ConsumerConfig{
			MinBytes:          1,
			MaxBytes:          10 << 20,
			MaxWait:           500 * time.Millisecond,
			StartOffset:       "first",
			HeartbeatInterval: 3 * time.Second,
			SessionTimeout:    30 * time.Second,
			RebalanceTimeout:  time.Minute,
		},
		DialTimeout: 10 * time.Second,
	}
}

var validate = validator.New()

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	if c.Security.usesSASL() {
		sc := c.Security.SASL
		switch sc.Mechanism {
		case "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
		default:
			return fmt.Errorf("kafka: invalid SASL mechanism %q", sc.Mechanism)
		}
		if sc.Username == "" || sc.Password == "" {
			return errors.New("kafka: SASL username and password are required")
		}
	}
	return nil
}

func (c *Config) compression() kafka.Compression {
	switch c.Producer.Compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	}
	return 0
}

// dialer returns a kafka.Dialer with TLS and SASL applied.
func (c *Config) dialer() (*kafka.Dialer, error) {
	d := &kafka.Dialer{Timeout: c.DialTimeout, DualStack: true}

	if c.Security.usesTLS() {
		tc, err := c.Security.TLS.build()
		if err != nil {
			return nil, fmt.Errorf("kafka: tls: %w", err)
		}
		d.TLS = tc
	}
	if c.Security.usesSASL() {
		m, err := c.Security.SASL.mechanism()
		if err != nil {
			return nil, fmt.Errorf("kafka: sasl: %w", err)
		}
		d.SASLMechanism = m
	}
	return d, nil
}

func (t TLSConfig) build() (*tls.Config, error) {
	if t.SkipVerify {
		slog.Warn("kafka TLS certificate verification is disabled")
	}
	tc := &tls.Config{
		InsecureSkipVerify: t.SkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", t.CAFile)
		}
		tc.RootCAs = pool
	}
	if t.CertFile != "" && t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

func (s SASLConfig) mechanism() (sasl.Mechanism, error) {
	switch s.Mechanism {
	case "PLAIN":
		return plain.Mechanism{Username: s.Username, Password: s.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, s.Username, s.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, s.Username, s.Password)
	}
	return nil, fmt.Errorf("unsupported mechanism %q", s.Mechanism)
}

// Stats are per-client counters, also exported to Prometheus.
type Stats struct {
	Messages  int64
	Bytes     int64
	Commits   int64
	Retries   int64
	Errors    int64
	LastError error
}

// kafkaLogger adapts kafka-go's printf loggers to slog.
func kafkaLogger(logger *slog.Logger, level slog.Level) kafka.LoggerFunc {
	return func(msg string, args ...interface{}) {
		logger.Log(context.Background(), level, fmt.Sprintf(msg, args...))
	}
}
