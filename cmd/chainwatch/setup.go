package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"chainwatch/internal/alerting"
	"chainwatch/internal/config"
	"chainwatch/internal/ingest"
	"chainwatch/internal/ingest/evm"
	"chainwatch/internal/kafka"
	"chainwatch/internal/pipeline"
	"chainwatch/internal/registry"
	"chainwatch/internal/status"
	"chainwatch/internal/storage"
	s3archive "chainwatch/internal/storage/s3"
)

// setupRegistry loads the initial registry and schedules its refresh tasks on g.
func setupRegistry(ctx context.Context, g *errgroup.Group, cfg *config.Config, logger *slog.Logger) (*registry.Registry, error) {
	reg := registry.New(
		registry.WithTrustDiscovered(cfg.Registry.TrustDiscovered),
		registry.WithLogger(logger.With("component", "registry")),
	)

	var base []registry.ProtocolSpec
	if path := cfg.Registry.Path; path != "" {
		f, err := registry.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", registry.ErrRegistryUnavailable, err)
		}
		base = f.Protocols
	}

	if rc := cfg.Registry.Redis; rc.Enabled {
		client, err := registry.NewRedisClient(ctx, rc.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", registry.ErrRegistryUnavailable, err)
		}
		src := registry.NewRedisSource(client, reg, base, registry.RedisSourceConfig{
			Key:             rc.Key,
			RefreshInterval: rc.RefreshInterval,
			MaxFailures:     rc.MaxFailures,
			MaxStaleness:    rc.MaxStaleness,
		}, logger)
		g.Go(func() error {
			defer client.Close()
			return src.Run(ctx)
		})
		return reg, nil
	}

	snap, err := registry.LoadFile(cfg.Registry.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", registry.ErrRegistryUnavailable, err)
	}
	reg.Swap(snap)

	if cfg.Registry.ReloadInterval > 0 {
		g.Go(func() error {
			return reg.Watch(ctx, cfg.Registry.Path, cfg.Registry.ReloadInterval)
		})
	}
	return reg, nil
}

// buildSinks creates the configured sinks in delivery order. Network sinks
// are wrapped in a RetrySink.
func buildSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]alerting.AlertSink, error) {
	sc := cfg.Sinks
	retry := alerting.DeliveryConfig{
		MaxRetries:     sc.Retry.MaxRetries,
		InitialBackoff: sc.Retry.InitialBackoff,
		MaxBackoff:     sc.Retry.MaxBackoff,
		BackoffFactor:  sc.Retry.BackoffFactor,
		RetryTimeout:   sc.Retry.AttemptTimeout,
	}
	withRetry := func(s alerting.AlertSink) alerting.AlertSink {
		return alerting.NewRetrySink(s, retry, logger)
	}

	var sinks []alerting.AlertSink

	if sc.Console.Enabled {
		sinks = append(sinks, alerting.NewConsoleSink(os.Stdout, sc.Console.Color))
	}

	for _, wh := range sc.Webhooks {
		sinks = append(sinks, withRetry(alerting.NewWebhookSink(wh.Name, wh.URL, wh.Headers)))
	}

	if sc.Slack.Enabled {
		sinks = append(sinks, withRetry(alerting.NewSlackSink(sc.Slack.WebhookURL, sc.Slack.Channel, "chainwatch")))
	}

	if sc.Kafka.Enabled {
		producer, err := kafka.NewProducer(&cfg.Kafka, logger)
		if err != nil {
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		if cfg.Kafka.CreateTopics {
			if err := ensureTopics(ctx, cfg, logger, sc.Kafka.Topic); err != nil {
				producer.Close()
				return nil, err
			}
		}
		sinks = append(sinks, withRetry(alerting.NewKafkaSink(producer, sc.Kafka.Topic)))
	}

	if sc.NATS.Enabled {
		sink, err := alerting.NewNATSSink(sc.NATS.URL, sc.NATS.Stream, sc.NATS.Subject, logger)
		if err != nil {
			return nil, fmt.Errorf("nats sink: %w", err)
		}
		sinks = append(sinks, withRetry(sink))
	}

	if sc.RedisStream.Enabled {
		client, err := registry.NewRedisClient(ctx, sc.RedisStream.URL)
		if err != nil {
			return nil, fmt.Errorf("redis stream sink: %w", err)
		}
		sinks = append(sinks, withRetry(alerting.NewRedisStreamSink(client, sc.RedisStream.Stream, sc.RedisStream.MaxLen)))
	}

	if ch := sc.ClickHouse; ch.Enabled {
		client, err := storage.NewClickHouseClient(ctx, storage.ClickHouseConfig{
			Hosts:           ch.Hosts,
			Database:        ch.Database,
			Username:        ch.Username,
			Password:        ch.Password,
			MaxOpenConns:    ch.MaxOpenConns,
			MaxIdleConns:    ch.MaxIdleConns,
			ConnMaxLifetime: ch.ConnMaxLifetime,
			TLSEnabled:      ch.TLSEnabled,
			DialTimeout:     ch.DialTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("clickhouse sink: %w", err)
		}
		if err := storage.NewMigrator(client, logger).Run(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("clickhouse migrations: %w", err)
		}
		writer := storage.NewBatchWriter(client, storage.DefaultBatchWriterConfig(), logger)
		sinks = append(sinks, alerting.NewClickHouseSink(writer))
	}

	if s := sc.S3; s.Enabled {
		s3cfg := s3archive.DefaultConfig()
		s3cfg.Bucket = s.Bucket
		if s.Region != "" {
			s3cfg.Region = s.Region
		}
		if s.Prefix != "" {
			s3cfg.Prefix = s.Prefix
		}
		s3cfg.Endpoint = s.Endpoint
		s3cfg.AccessKeyID = s.AccessKeyID
		s3cfg.SecretAccessKey = s.SecretAccessKey
		s3cfg.UsePathStyle = s.UsePathStyle

		client, err := s3archive.NewClient(ctx, s3cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("s3 sink: %w", err)
		}
		sinks = append(sinks, withRetry(alerting.NewS3Sink(client)))
	}

	if len(sinks) == 0 {
		logger.Warn("no alert sinks enabled, alerts are only kept in memory")
	}
	return sinks, nil
}

// buildSource creates the configured log source. Sources that serve
// traffic schedule their servers on g.
func buildSource(ctx context.Context, g *errgroup.Group, cfg *config.Config, logger *slog.Logger) (pipeline.Source, error) {
	switch cfg.Source.Type {
	case "evm":
		evmCfg := evm.Config{
			ChainID:       cfg.Chain.ChainID,
			RPCURL:        cfg.Chain.RPCURL,
			PollInterval:  cfg.Chain.PollInterval,
			BatchSize:     cfg.Chain.BatchSize,
			Confirmations: cfg.Chain.Confirmations,
			HeaderCache:   cfg.Chain.HeaderCache,
		}
		for _, a := range cfg.Chain.Addresses {
			evmCfg.Addresses = append(evmCfg.Addresses, common.HexToAddress(a))
		}
		poller, client, err := evm.Dial(ctx, evmCfg, logger)
		if err != nil {
			return nil, err
		}
		g.Go(func() error {
			<-ctx.Done()
			client.Close()
			return nil
		})
		return poller, nil

	case "kafka":
		if cfg.Kafka.CreateTopics {
			if err := ensureTopics(ctx, cfg, logger, cfg.Kafka.Topic); err != nil {
				return nil, err
			}
		}
		consumer, err := kafka.NewConsumer(&cfg.Kafka, logger)
		if err != nil {
			return nil, err
		}
		g.Go(func() error {
			<-ctx.Done()
			return consumer.Close()
		})
		return ingest.NewKafkaSource(consumer, logger), nil

	case "http":
		src := ingest.NewHTTPSource(cfg.Source.HTTP, logger)
		g.Go(func() error {
			// Close first so handlers blocked on a stopped pipeline return 503.
			go func() {
				<-ctx.Done()
				src.Close()
			}()
			return status.ListenAndServe(ctx, cfg.Source.HTTP.Addr, src.Handler(), logger.With("component", "http_source"))
		})
		return src, nil
	}
	return nil, fmt.Errorf("unknown source type %q", cfg.Source.Type)
}

func ensureTopics(ctx context.Context, cfg *config.Config, logger *slog.Logger, topics ...string) error {
	admin, err := kafka.NewAdmin(&cfg.Kafka, logger)
	if err != nil {
		return err
	}
	for _, topic := range topics {
		if err := admin.EnsureTopic(ctx, cfg.Kafka.TopicConfigFor(topic)); err != nil {
			return fmt.Errorf("ensure topic %s: %w", topic, err)
		}
	}
	return nil
}
