// Package main is the entry point for the chainwatch monitoring daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"chainwatch/internal/alerting"
	"chainwatch/internal/chainlog"
	"chainwatch/internal/config"
	"chainwatch/internal/detection"
	"chainwatch/internal/detection/rules"
	"chainwatch/internal/logging"
	"chainwatch/internal/pipeline"
	"chainwatch/internal/registry"
	"chainwatch/internal/secrets"
	"chainwatch/internal/status"
)

var version = "dev"

const (
	// registryWait bounds how long the pipeline waits for the first registry snapshot.
	registryWait = time.Minute

	secretsTimeout = 10 * time.Second
)

func main() {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "Path to the config file (default $CHAINWATCH_CONFIG_PATH or "+config.DefaultConfigPath+")")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("chainwatch %s\n", version)
		return
	}

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := resolveSecrets(cfg); err != nil {
		slog.Error("failed to resolve secrets", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded",
		"version", version,
		"source", cfg.Source.Type,
		"chain_id", cfg.Chain.ChainID,
		"workers", cfg.Engine.Workers,
		"batching", cfg.Batch.Enabled,
		"cooldown", cfg.Dedup.Cooldown,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		if errors.Is(err, registry.ErrRegistryUnavailable) {
			logger.Error("protocol registry unavailable, exiting", "error", err)
		} else {
			logger.Error("chainwatch stopped with error", "error", err)
		}
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	reg, err := setupRegistry(gctx, g, cfg, logger)
	if err != nil {
		return err
	}

	ruleSet, err := rules.Build(cfg.Rules)
	if err != nil {
		return fmt.Errorf("build rules: %w", err)
	}
	engine, err := detection.NewEngine(detection.EngineConfig{
		ContextTimeout: cfg.Engine.ContextTimeout,
		RuleTimeout:    cfg.Engine.RuleTimeout,
		Disabled:       rules.Disabled(cfg.Rules),
	}, logger, ruleSet...)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	recent := alerting.NewRecentSink(alerting.DefaultRecentSize)
	sinks, err := buildSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	feed := alerting.NewBroadcaster()
	sinks = append(sinks, recent, feed)
	emitter := alerting.NewEmitter(cfg.Sinks.Timeout, logger, sinks...)
	defer func() {
		if err := emitter.Close(); err != nil {
			logger.Error("failed to close sinks", "error", err)
		}
	}()

	guard := alerting.NewGuard(cfg.Dedup.Cooldown)

	src, err := buildSource(gctx, g, cfg, logger)
	if err != nil {
		return err
	}

	p := pipeline.New(pipeline.Config{
		Workers:    cfg.Engine.Workers,
		SourceName: cfg.Source.Type,
		Batch: pipeline.BatchConfig{
			Enabled: cfg.Batch.Enabled,
			Window:  cfg.Batch.Window,
			MaxSize: cfg.Batch.MaxSize,
		},
	}, pipeline.Components{
		Normalizer: chainlog.NewNormalizer(reg),
		Builder:    detection.NewBuilder(reg),
		Engine:     engine,
		Guard:      guard,
		Emitter:    emitter,
	}, logger)

	if cfg.Metrics.Enabled {
		var ruleIDs []string
		for _, r := range engine.Rules() {
			ruleIDs = append(ruleIDs, r.ID())
		}
		srv := status.New(status.Info{
			Version: version,
			Source:  cfg.Source.Type,
			ChainID: cfg.Chain.ChainID,
			Sinks:   emitter.Sinks(),
			Rules:   ruleIDs,
		}, p, reg, recent, guard.Len, logger).WithFeed(feed)
		g.Go(func() error { return srv.Serve(gctx, cfg.Metrics.Addr) })
	}

	g.Go(func() error {
		waitCtx, cancel := context.WithTimeout(gctx, registryWait)
		defer cancel()
		if err := reg.WaitLoaded(waitCtx); err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return err
		}

		return p.Run(gctx, src)
	})

	return g.Wait()
}

// resolveSecrets replaces env: and file: references in cfg with their values.
func resolveSecrets(cfg *config.Config) error {
	scfg := secrets.DefaultConfig()
	scfg.FileDir = cfg.Secrets.Dir
	m, err := secrets.NewManager(scfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), secretsTimeout)
	defer cancel()
	return cfg.ResolveSecrets(func(ref string) (string, error) {
		return m.ResolveSecret(ctx, ref)
	})
}
