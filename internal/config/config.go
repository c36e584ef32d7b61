// Package config handles configuration loading for chainwatch.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"chainwatch/internal/kafka"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when neither a flag nor CHAINWATCH_CONFIG_PATH names a file.
const DefaultConfigPath = "configs/chainwatch.yaml"

// Config holds the complete application configuration.
type Config struct {
	Chain    ChainConfig           `yaml:"chain"`
	Source   SourceConfig          `yaml:"source"`
	Kafka    kafka.Config          `yaml:"kafka" validate:"-"`
	Registry RegistryConfig        `yaml:"registry"`
	Engine   EngineConfig          `yaml:"engine"`
	Batch    BatchConfig           `yaml:"batch"`
	Dedup    DedupConfig           `yaml:"dedup"`
	Rules    map[string]RuleConfig `yaml:"rules" validate:"dive"`
	Sinks    SinksConfig           `yaml:"sinks"`
	Logging  LoggingConfig         `yaml:"logging"`
	Metrics  MetricsConfig         `yaml:"metrics"`
	Secrets  SecretsConfig         `yaml:"secrets"`
}

// ChainConfig describes the single chain this process watches.
type ChainConfig struct {
	ChainID       uint64        `yaml:"chain_id" validate:"required"`
	RPCURL        string        `yaml:"rpc_url" validate:"required,url"`
	Addresses     []string      `yaml:"addresses" validate:"dive,eth_addr"`
	PollInterval  time.Duration `yaml:"poll_interval" validate:"gt=0"`
	BatchSize     uint64        `yaml:"batch_size" validate:"gte=1,lte=10000"`
	Confirmations uint64        `yaml:"confirmations"`
	HeaderCache   int           `yaml:"header_cache" validate:"gte=1"`
}

// SourceConfig selects where raw logs come from.
type SourceConfig struct {
	Type string           `yaml:"type" validate:"oneof=evm kafka http"`
	HTTP HTTPSourceConfig `yaml:"http"`
}

// HTTPSourceConfig holds the push endpoint settings.
type HTTPSourceConfig struct {
	Addr       string          `yaml:"addr" validate:"required,hostname_port"`
	Path       string          `yaml:"path" validate:"required,startswith=/"`
	MaxPayload int             `yaml:"max_payload" validate:"gte=1"`
	MaxBatch   int             `yaml:"max_batch" validate:"gte=1"`
	Auth       AuthConfig      `yaml:"auth"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
}

// AuthConfig holds API key authentication settings.
type AuthConfig struct {
	Enabled      bool     `yaml:"enabled"`
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeys      []string `yaml:"api_keys"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"` // Max requests per IP per window
	WindowSize    time.Duration `yaml:"window_size"`     // Time window for rate limiting
	BurstSize     int           `yaml:"burst_size"`      // Allow burst above limit temporarily
	CleanupPeriod time.Duration `yaml:"cleanup_period"`  // How often to clean old entries
	ExemptPaths   []string      `yaml:"exempt_paths"`    // Paths exempt from rate limiting
	TrustProxy    bool          `yaml:"trust_proxy"`     // Trust X-Forwarded-For header
}

// RegistryConfig holds protocol registry settings.
type RegistryConfig struct {
	Path           string        `yaml:"path"`
	ReloadInterval time.Duration `yaml:"reload_interval"`
	// TrustDiscovered lets rules see auto-discovered protocols before an operator approves them.
	TrustDiscovered bool                `yaml:"trust_discovered"`
	Redis           RegistryRedisConfig `yaml:"redis"`
}

// RegistryRedisConfig holds settings for the Redis-backed registry source.
type RegistryRedisConfig struct {
	Enabled         bool          `yaml:"enabled"`
	URL             string        `yaml:"url"`
	Key             string        `yaml:"key"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	MaxFailures     int           `yaml:"max_failures" validate:"gte=1"`
	MaxStaleness    time.Duration `yaml:"max_staleness"`
}

// EngineConfig holds rule engine and worker settings.
type EngineConfig struct {
	Workers        int           `yaml:"workers" validate:"gte=1,lte=1024"`
	ContextTimeout time.Duration `yaml:"context_timeout" validate:"gt=0"`
	RuleTimeout    time.Duration `yaml:"rule_timeout" validate:"gt=0"`
}

// BatchConfig controls grouping of logs that share a transaction hash.
type BatchConfig struct {
	Enabled bool          `yaml:"enabled"`
	Window  time.Duration `yaml:"window"`
	MaxSize int           `yaml:"max_size" validate:"gte=1"`
}

// DedupConfig holds alert suppression settings.
type DedupConfig struct {
	Cooldown time.Duration `yaml:"cooldown" validate:"gte=0"`
}

// RuleConfig configures one built-in rule. Fields a rule does not use are ignored.
type RuleConfig struct {
	Enabled           *bool             `yaml:"enabled"`
	Severity          string            `yaml:"severity" validate:"omitempty,oneof=info warning critical"`
	// EscalatedSeverity is used by rules with an escalation tier (role-change).
	EscalatedSeverity string            `yaml:"escalated_severity" validate:"omitempty,oneof=info warning critical"`
	Threshold         string            `yaml:"threshold" validate:"omitempty,uint_string"`
	CriticalThreshold string            `yaml:"critical_threshold" validate:"omitempty,uint_string"`
	TokenThresholds   map[string]string `yaml:"token_thresholds" validate:"dive,keys,eth_addr,endkeys,uint_string"`
	Selectors         []string          `yaml:"selectors" validate:"dive,selector"`
}

// IsEnabled reports whether the rule is enabled. Rules are enabled unless turned off.
func (r RuleConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// SinksConfig holds alert sink settings.
type SinksConfig struct {
	Timeout     time.Duration     `yaml:"timeout" validate:"gt=0"`
	Retry       RetryConfig       `yaml:"retry"`
	Console     ConsoleConfig     `yaml:"console"`
	Webhooks    []WebhookConfig   `yaml:"webhooks" validate:"dive"`
	Slack       SlackConfig       `yaml:"slack"`
	Kafka       KafkaSinkConfig   `yaml:"kafka"`
	NATS        NATSConfig        `yaml:"nats"`
	RedisStream RedisStreamConfig `yaml:"redis_stream"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	S3          S3Config          `yaml:"s3"`
}

// RetryConfig holds backoff settings applied to network sinks.
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries" validate:"gte=0,lte=20"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	BackoffFactor  float64       `yaml:"backoff_factor" validate:"gte=1"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" validate:"gte=0"`
}

// ConsoleConfig holds console sink settings.
type ConsoleConfig struct {
	Enabled bool `yaml:"enabled"`
	Color   bool `yaml:"color"`
}

// WebhookConfig holds one webhook sink.
type WebhookConfig struct {
	Name    string            `yaml:"name" validate:"required"`
	URL     string            `yaml:"url" validate:"required,url"`
	Headers map[string]string `yaml:"headers"`
}

// SlackConfig holds Slack sink settings.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url" validate:"required_if=Enabled true,omitempty,url"`
	Channel    string `yaml:"channel"`
}

// KafkaSinkConfig publishes alerts through the shared kafka settings.
type KafkaSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Topic   string `yaml:"topic" validate:"required_if=Enabled true"`
}

// NATSConfig holds JetStream sink settings.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url" validate:"required_if=Enabled true"`
	Stream  string `yaml:"stream" validate:"required_if=Enabled true"`
	Subject string `yaml:"subject" validate:"required_if=Enabled true"`
}

// RedisStreamConfig holds Redis stream sink settings.
type RedisStreamConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url" validate:"required_if=Enabled true"`
	Stream  string `yaml:"stream" validate:"required_if=Enabled true"`
	MaxLen  int64  `yaml:"max_len" validate:"gte=0"`
}

// ClickHouseConfig holds ClickHouse connection settings for the alert store.
type ClickHouseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Hosts           []string      `yaml:"hosts" validate:"required_if=Enabled true"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// S3Config holds alert archive settings.
type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket" validate:"required_if=Enabled true"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// MetricsConfig holds the metrics and health endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"required_if=Enabled true,omitempty,hostname_port"`
}

// SecretsConfig controls how env: and file: references in config values are resolved.
type SecretsConfig struct {
	Dir string `yaml:"dir"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Chain: ChainConfig{
			ChainID:      1,
			RPCURL:       "http://localhost:8545",
			PollInterval: 12 * time.Second,
			BatchSize:    100,
			HeaderCache:  256,
		},
		Source: SourceConfig{
			Type: "evm",
			HTTP: HTTPSourceConfig{
				Addr:       "127.0.0.1:9470",
				Path:       "/v1/logs",
				MaxPayload: 10 * 1024 * 1024, // 10MB
				MaxBatch:   1000,
				Auth: AuthConfig{
					APIKeyHeader: "X-API-Key",
				},
				RateLimit: RateLimitConfig{
					Enabled:       true,
					RequestsPerIP: 600,
					WindowSize:    time.Minute,
					BurstSize:     60,
					CleanupPeriod: 5 * time.Minute,
				},
			},
		},
		Kafka: *kafka.DefaultConfig(),
		Registry: RegistryConfig{
			Path:           "configs/registry.yaml",
			ReloadInterval: 30 * time.Second,
			Redis: RegistryRedisConfig{
				Key:             "chainwatch:protocols",
				RefreshInterval: time.Minute,
				MaxFailures:     5,
				MaxStaleness:    15 * time.Minute,
			},
		},
		Engine: EngineConfig{
			Workers:        8,
			ContextTimeout: 250 * time.Millisecond,
			RuleTimeout:    50 * time.Millisecond,
		},
		Batch: BatchConfig{
			Window:  2 * time.Second,
			MaxSize: 64,
		},
		Dedup: DedupConfig{
			Cooldown: 10 * time.Minute,
		},
		Rules: map[string]RuleConfig{},
		Sinks: SinksConfig{
			Timeout: 30 * time.Second,
			Retry: RetryConfig{
				MaxRetries:     3,
				InitialBackoff: time.Second,
				MaxBackoff:     10 * time.Second,
				BackoffFactor:  2.0,
				AttemptTimeout: 5 * time.Second,
			},
			Console: ConsoleConfig{
				Enabled: true,
				Color:   true,
			},
			Kafka: KafkaSinkConfig{
				Topic: "chainwatch-alerts",
			},
			NATS: NATSConfig{
				URL:     "nats://localhost:4222",
				Stream:  "CHAINWATCH",
				Subject: "chainwatch.alerts",
			},
			RedisStream: RedisStreamConfig{
				URL:    "redis://localhost:6379/0",
				Stream: "chainwatch:alerts",
				MaxLen: 100000,
			},
			ClickHouse: ClickHouseConfig{
				Hosts:           []string{"localhost:9000"},
				Database:        "chainwatch",
				Username:        "default",
				MaxOpenConns:    5,
				MaxIdleConns:    2,
				ConnMaxLifetime: time.Hour,
				DialTimeout:     10 * time.Second,
			},
			S3: S3Config{
				Region: "us-east-1",
				Prefix: "alerts/",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9464",
		},
		Secrets: SecretsConfig{
			Dir: "/run/secrets",
		},
	}
}

// Load loads configuration from the file named by CHAINWATCH_CONFIG_PATH,
// falling back to DefaultConfigPath.
func Load() (*Config, error) {
	configPath := os.Getenv("CHAINWATCH_CONFIG_PATH")
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path. A missing file yields the defaults
// with environment overrides applied.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("CHAINWATCH_RPC_URL"); v != "" {
		c.Chain.RPCURL = v
	}

	if v := os.Getenv("CHAINWATCH_CHAIN_ID"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid CHAINWATCH_CHAIN_ID: %w", err)
		}
		c.Chain.ChainID = id
	}

	if v := os.Getenv("CHAINWATCH_SOURCE"); v != "" {
		c.Source.Type = v
	}

	if v := os.Getenv("CHAINWATCH_HTTP_API_KEY"); v != "" {
		c.Source.HTTP.Auth.APIKeys = append(c.Source.HTTP.Auth.APIKeys, v)
		c.Source.HTTP.Auth.Enabled = true
	}

	if v := os.Getenv("CHAINWATCH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv("CHAINWATCH_REGISTRY_PATH"); v != "" {
		c.Registry.Path = v
	}

	if v := os.Getenv("CHAINWATCH_DEDUP_COOLDOWN"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid CHAINWATCH_DEDUP_COOLDOWN: %w", err)
		}
		c.Dedup.Cooldown = d
	}

	if v := os.Getenv("CHAINWATCH_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitAndTrim(v, ",")
	}

	if v := os.Getenv("CHAINWATCH_SLACK_WEBHOOK_URL"); v != "" {
		c.Sinks.Slack.WebhookURL = v
		c.Sinks.Slack.Enabled = true
	}

	if v := os.Getenv("CHAINWATCH_CLICKHOUSE_PASSWORD"); v != "" {
		c.Sinks.ClickHouse.Password = v
	}

	if v := os.Getenv("CHAINWATCH_S3_SECRET_ACCESS_KEY"); v != "" {
		c.Sinks.S3.SecretAccessKey = v
	}

	return nil
}

// ResolveSecrets replaces the credential-bearing values of enabled
// components with the result of resolve. References in disabled sections
// are left alone so they need not exist. Errors name the config field
// and are joined.
func (c *Config) ResolveSecrets(resolve func(ref string) (string, error)) error {
	var errs []error
	field := func(enabled bool, name string, v *string) {
		if !enabled || *v == "" {
			return
		}
		out, err := resolve(*v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*v = out
	}

	sk := c.Sinks
	usesKafka := c.Source.Type == "kafka" || sk.Kafka.Enabled

	field(true, "chain.rpc_url", &c.Chain.RPCURL)
	field(usesKafka, "kafka.security.sasl.password", &c.Kafka.Security.SASL.Password)
	field(c.Registry.Redis.Enabled, "registry.redis.url", &c.Registry.Redis.URL)
	for i := range c.Source.HTTP.Auth.APIKeys {
		field(c.Source.HTTP.Auth.Enabled, fmt.Sprintf("source.http.auth.api_keys[%d]", i), &c.Source.HTTP.Auth.APIKeys[i])
	}
	for i := range c.Sinks.Webhooks {
		wh := &c.Sinks.Webhooks[i]
		field(true, fmt.Sprintf("sinks.webhooks[%d].url", i), &wh.URL)
		for k, v := range wh.Headers {
			field(true, fmt.Sprintf("sinks.webhooks[%d].headers.%s", i, k), &v)
			wh.Headers[k] = v
		}
	}
	field(sk.Slack.Enabled, "sinks.slack.webhook_url", &c.Sinks.Slack.WebhookURL)
	field(sk.NATS.Enabled, "sinks.nats.url", &c.Sinks.NATS.URL)
	field(sk.RedisStream.Enabled, "sinks.redis_stream.url", &c.Sinks.RedisStream.URL)
	field(sk.ClickHouse.Enabled, "sinks.clickhouse.password", &c.Sinks.ClickHouse.Password)
	field(sk.S3.Enabled, "sinks.s3.access_key_id", &c.Sinks.S3.AccessKeyID)
	field(sk.S3.Enabled, "sinks.s3.secret_access_key", &c.Sinks.S3.SecretAccessKey)

	return errors.Join(errs...)
}

func splitAndTrim(s, sep string) []string {
	var result []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

var selectorPattern = regexp.MustCompile(`^0x([0-9a-fA-F]{8}|[0-9a-fA-F]{64})$`)

func newValidator() *validator.Validate {
	v := validator.New()

	// Function selectors (4 bytes) or event topics (32 bytes).
	v.RegisterValidation("selector", func(fl validator.FieldLevel) bool {
		return selectorPattern.MatchString(fl.Field().String())
	})

	v.RegisterValidation("uint_string", func(fl validator.FieldLevel) bool {
		n, ok := new(big.Int).SetString(fl.Field().String(), 0)
		return ok && n.Sign() >= 0
	})

	return v
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Engine.RuleTimeout > c.Engine.ContextTimeout {
		return fmt.Errorf("engine.rule_timeout (%v) must not exceed engine.context_timeout (%v)",
			c.Engine.RuleTimeout, c.Engine.ContextTimeout)
	}

	if c.Batch.Enabled && c.Batch.Window <= 0 {
		return errors.New("batch.window must be positive when batching is enabled")
	}

	if c.Registry.Path == "" && !c.Registry.Redis.Enabled {
		return errors.New("registry.path or registry.redis must be configured")
	}

	if c.Registry.Redis.Enabled && c.Registry.Redis.URL == "" {
		return errors.New("registry.redis.url is required when the redis registry is enabled")
	}

	if c.Source.Type == "http" {
		auth := c.Source.HTTP.Auth
		if auth.Enabled && (auth.APIKeyHeader == "" || len(auth.APIKeys) == 0) {
			return errors.New("source.http.auth requires api_key_header and at least one api key")
		}
		rl := c.Source.HTTP.RateLimit
		if rl.Enabled && (rl.RequestsPerIP < 1 || rl.WindowSize <= 0 || rl.CleanupPeriod <= 0) {
			return errors.New("source.http.rate_limit requires requests_per_ip, window_size and cleanup_period")
		}
	}

	if c.Source.Type == "kafka" || c.Sinks.Kafka.Enabled {
		if err := c.Kafka.Validate(); err != nil {
			return err
		}
	}

	return nil
}
