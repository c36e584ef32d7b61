package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"chainwatch/internal/metrics"

	"github.com/redis/go-redis/v9"
)

// RedisSourceConfig configures a RedisSource.
type RedisSourceConfig struct {
	// Key names a hash of protocol name -> ProtocolSpec JSON.
	Key             string
	RefreshInterval time.Duration
	// MaxFailures consecutive failures before a registry that never loaded is declared unavailable.
	MaxFailures int
	// MaxStaleness bounds how long the last good snapshot may be served. Zero disables the bound.
	MaxStaleness time.Duration
}

// RedisSource periodically loads protocol entries from a Redis hash and
// installs them into a Registry, on top of a static base set.
type RedisSource struct {
	client   redis.Cmdable
	registry *Registry
	base     []ProtocolSpec
	config   RedisSourceConfig
	logger   *slog.Logger
	now      func() time.Time

	failures    int
	lastSuccess time.Time
}

// NewRedisSource creates a source. base entries are always included and may
// be nil.
func NewRedisSource(client redis.Cmdable, reg *Registry, base []ProtocolSpec, cfg RedisSourceConfig, logger *slog.Logger) *RedisSource {
	if cfg.MaxFailures < 1 {
		cfg.MaxFailures = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSource{
		client:   client,
		registry: reg,
		base:     base,
		config:   cfg,
		logger:   logger.With("component", "registry-redis"),
		now:      time.Now,
	}
}

// NewRedisClient connects to the Redis server at url and verifies it with a ping.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Refresh loads the hash once and swaps a new snapshot into the registry.
func (s *RedisSource) Refresh(ctx context.Context) error {
	entries, err := s.client.HGetAll(ctx, s.config.Key).Result()
	if err != nil {
		return fmt.Errorf("hgetall %s: %w", s.config.Key, err)
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := append([]ProtocolSpec(nil), s.base...)
	for _, name := range names {
		var spec ProtocolSpec
		if err := json.Unmarshal([]byte(entries[name]), &spec); err != nil {
			return fmt.Errorf("decode protocol %q: %w", name, err)
		}
		if spec.Name == "" {
			spec.Name = name
		}
		specs = append(specs, spec)
	}

	snap, err := BuildSnapshot(specs, "", "redis:"+s.config.Key)
	if err != nil {
		return err
	}
	s.registry.Swap(snap)
	return nil
}

// poll performs one refresh and applies the failure policy.
func (s *RedisSource) poll(ctx context.Context) error {
	err := s.Refresh(ctx)
	if err == nil {
		s.failures = 0
		s.lastSuccess = s.now()
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}

	s.failures++
	metrics.RegistryReloadErrors.WithLabelValues("redis").Inc()
	s.logger.Warn("registry refresh failed", "key", s.config.Key, "failures", s.failures, "error", err)

	if !s.registry.Loaded() && s.failures >= s.config.MaxFailures {
		return fmt.Errorf("%w: %d consecutive refresh failures: %v", ErrRegistryUnavailable, s.failures, err)
	}
	if s.config.MaxStaleness > 0 && !s.lastSuccess.IsZero() && s.now().Sub(s.lastSuccess) > s.config.MaxStaleness {
		return fmt.Errorf("%w: no successful refresh since %s", ErrRegistryUnavailable, s.lastSuccess.Format(time.RFC3339))
	}
	return nil
}

// Run refreshes immediately and then on every interval until ctx is done. It
// returns an error wrapping ErrRegistryUnavailable when the failure policy trips.
func (s *RedisSource) Run(ctx context.Context) error {
	if err := s.poll(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.poll(ctx); err != nil {
				return err
			}
		}
	}
}
