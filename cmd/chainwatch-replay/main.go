// Package main replays JSON Lines log files through the detection pipeline,
// or publishes them to the Kafka ingest topic.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chainwatch/internal/alerting"
	"chainwatch/internal/chainlog"
	"chainwatch/internal/config"
	"chainwatch/internal/detection"
	"chainwatch/internal/detection/rules"
	"chainwatch/internal/ingest"
	"chainwatch/internal/kafka"
	"chainwatch/internal/logging"
	"chainwatch/internal/pipeline"
	"chainwatch/internal/registry"
	"chainwatch/internal/secrets"
)

var version = "dev"

// errAlerts is returned when -fail-on-alert is set and the replay raised alerts.
var errAlerts = errors.New("replay raised alerts")

type options struct {
	configPath   string
	registryPath string
	publish      bool
	topic        string
	failOnAlert  bool
	noColor      bool
}

func main() {
	var (
		opts        options
		showVersion bool
	)
	flag.StringVar(&opts.configPath, "config", "", "Path to the config file (rules, engine and kafka settings)")
	flag.StringVar(&opts.registryPath, "registry", "", "Protocol registry file (overrides registry.path)")
	flag.BoolVar(&opts.publish, "publish", false, "Publish the logs to Kafka instead of evaluating them")
	flag.StringVar(&opts.topic, "topic", "", "Kafka topic for -publish (default kafka.topic)")
	flag.BoolVar(&opts.failOnAlert, "fail-on-alert", false, "Exit with status 2 if any alert is raised")
	flag.BoolVar(&opts.noColor, "no-color", false, "Disable colored alert output")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: chainwatch-replay [flags] <file.jsonl|-> [...]\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("chainwatch-replay %s\n", version)
		return
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.LoadFile(opts.configPath); err != nil {
			slog.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	}
	if opts.registryPath != "" {
		cfg.Registry.Path = opts.registryPath
	}
	if err := resolveSecrets(cfg); err != nil {
		slog.Error("failed to resolve secrets", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(os.Stderr, cfg.Logging.Level, "text")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inputs, closeAll, err := openInputs(flag.Args(), logger)
	if err != nil {
		logger.Error("failed to open input", "error", err)
		os.Exit(1)
	}
	defer closeAll()
	src := ingest.Concat(inputs...)

	if opts.publish {
		err = publish(ctx, cfg, opts.topic, src, logger)
	} else {
		var stats pipeline.Stats
		stats, err = replay(ctx, cfg, src, os.Stdout, !opts.noColor, logger)
		fmt.Fprintf(os.Stderr, "\nReplayed %d log(s): %d unit(s), %d alert(s), %d suppressed, %d malformed, %d failed\n",
			stats.Received, stats.Units, stats.Alerts, stats.Suppressed, stats.Malformed, stats.Failed)
		if err == nil && opts.failOnAlert && stats.Alerts > 0 {
			err = errAlerts
		}
	}

	switch {
	case errors.Is(err, errAlerts):
		os.Exit(2)
	case err != nil:
		logger.Error("replay failed", "error", err)
		os.Exit(1)
	}
}

func openInputs(paths []string, logger *slog.Logger) ([]pipeline.Source, func(), error) {
	var (
		sources []pipeline.Source
		files   []*os.File
	)
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}
	for _, path := range paths {
		if path == "-" {
			sources = append(sources, ingest.NewFileSource(os.Stdin, "stdin", logger))
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		files = append(files, f)
		sources = append(sources, ingest.NewFileSource(f, path, logger))
	}
	return sources, closeAll, nil
}

// replay evaluates every log from src with the configured rules and prints
// admitted alerts to out.
func replay(ctx context.Context, cfg *config.Config, src pipeline.Source, out io.Writer, color bool, logger *slog.Logger) (pipeline.Stats, error) {
	snap, err := registry.LoadFile(cfg.Registry.Path)
	if err != nil {
		return pipeline.Stats{}, fmt.Errorf("%w: %w", registry.ErrRegistryUnavailable, err)
	}
	reg := registry.New(registry.WithTrustDiscovered(cfg.Registry.TrustDiscovered))
	reg.Swap(snap)

	ruleSet, err := rules.Build(cfg.Rules)
	if err != nil {
		return pipeline.Stats{}, fmt.Errorf("build rules: %w", err)
	}
	engine, err := detection.NewEngine(detection.EngineConfig{
		ContextTimeout: cfg.Engine.ContextTimeout,
		RuleTimeout:    cfg.Engine.RuleTimeout,
		Disabled:       rules.Disabled(cfg.Rules),
	}, logger, ruleSet...)
	if err != nil {
		return pipeline.Stats{}, fmt.Errorf("create engine: %w", err)
	}

	emitter := alerting.NewEmitter(cfg.Sinks.Timeout, logger, alerting.NewConsoleSink(out, color))
	defer emitter.Close()

	p := pipeline.New(pipeline.Config{
		Workers:    cfg.Engine.Workers,
		SourceName: "replay",
		Batch: pipeline.BatchConfig{
			Enabled: cfg.Batch.Enabled,
			Window:  cfg.Batch.Window,
			MaxSize: cfg.Batch.MaxSize,
		},
	}, pipeline.Components{
		Normalizer: chainlog.NewNormalizer(reg),
		Builder:    detection.NewBuilder(reg),
		Engine:     engine,
		Guard:      alerting.NewGuard(cfg.Dedup.Cooldown),
		Emitter:    emitter,
	}, logger)

	err = p.Run(ctx, src)
	return p.Stats(), err
}

// publish reads every log from src and produces it to the ingest topic.
func publish(ctx context.Context, cfg *config.Config, topic string, src pipeline.Source, logger *slog.Logger) error {
	if topic != "" {
		cfg.Kafka.Topic = topic
	}
	if err := cfg.Kafka.Validate(); err != nil {
		return err
	}

	logs, err := ingest.ReadAll(ctx, src)
	if err != nil {
		return err
	}

	producer, err := kafka.NewProducer(&cfg.Kafka, logger)
	if err != nil {
		return err
	}
	defer producer.Close()

	if err := producer.PublishRawLogs(ctx, logs...); err != nil {
		return fmt.Errorf("publish to %s: %w", cfg.Kafka.Topic, err)
	}
	logger.Info("published logs", "topic", cfg.Kafka.Topic, "count", len(logs))
	return nil
}

// resolveSecrets replaces env: and file: references in cfg, so -publish can
// use the same SASL credentials as the daemon.
func resolveSecrets(cfg *config.Config) error {
	scfg := secrets.DefaultConfig()
	scfg.FileDir = cfg.Secrets.Dir
	m, err := secrets.NewManager(scfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return cfg.ResolveSecrets(func(ref string) (string, error) {
		return m.ResolveSecret(ctx, ref)
	})
}
