// Package pipeline drives raw logs through normalization, context building,
// rule evaluation, dedup and alert emission on a bounded worker pool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"chainwatch/internal/alerting"
	"chainwatch/internal/chainlog"
	"chainwatch/internal/detection"
	"chainwatch/internal/metrics"

	"golang.org/x/sync/errgroup"
)

// ErrAbandoned is passed to a delivery's Done callback when the pipeline
// stops before processing it. Sources must not acknowledge such records.
var ErrAbandoned = errors.New("pipeline: delivery abandoned before processing")

// AlertEmitter delivers admitted alerts.
type AlertEmitter interface {
	Emit(ctx context.Context, alert detection.Alert) error
}

// Config holds pipeline settings.
type Config struct {
	Workers int
	// SourceName labels intake metrics.
	SourceName string
	Batch      BatchConfig
}

// BatchConfig controls grouping of logs that share a transaction hash.
type BatchConfig struct {
	Enabled bool
	Window  time.Duration
	MaxSize int
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Workers:    8,
		SourceName: "evm",
		Batch: BatchConfig{
			Window:  2 * time.Second,
			MaxSize: 64,
		},
	}
}

// Components are the stages a pipeline runs. All of them must be safe for
// concurrent use.
type Components struct {
	Normalizer *chainlog.Normalizer
	Builder    *detection.Builder
	Engine     *detection.Engine
	Guard      *alerting.Guard
	Emitter    AlertEmitter
}

// Pipeline runs evaluation units through the core stages.
type Pipeline struct {
	normalizer *chainlog.Normalizer
	builder    *detection.Builder
	engine     *detection.Engine
	guard      *alerting.Guard
	emitter    AlertEmitter
	config     Config
	logger     *slog.Logger
	now        func() time.Time

	received   atomic.Uint64
	removed    atomic.Uint64
	malformed  atomic.Uint64
	units      atomic.Uint64
	alerts     atomic.Uint64
	suppressed atomic.Uint64
	failed     atomic.Uint64
}

// New creates a pipeline.
func New(cfg Config, c Components, logger *slog.Logger) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.SourceName == "" {
		cfg.SourceName = "unknown"
	}
	if logger == nil {
		logger = slog.Default()
	}
	if c.Normalizer == nil {
		c.Normalizer = chainlog.NewNormalizer(nil)
	}
	return &Pipeline{
		normalizer: c.Normalizer,
		builder:    c.Builder,
		engine:     c.Engine,
		guard:      c.Guard,
		emitter:    c.Emitter,
		config:     cfg,
		logger:     logger.With("component", "pipeline"),
		now:        time.Now,
	}
}

// Process evaluates one unit: build a context per event, run the rules on
// each, drop repeats and emit what is left. Every event of a batched
// transaction is a trigger of its own and sees the whole transaction as
// context. Rule failures, timeouts and sink failures are logged and counted
// here and returned joined; none of them stops the pipeline.
func (p *Pipeline) Process(ctx context.Context, u Unit) error {
	start := time.Now()

	contexts, err := p.builder.BuildEach(u.Events...)
	if err != nil {
		p.failed.Add(1)
		p.logger.Error("failed to build evaluation context", "events", len(u.Events), "error", err)
		return fmt.Errorf("build context: %w", err)
	}

	var errs []error
	for _, ec := range contexts {
		res := p.engine.Evaluate(ctx, ec)
		p.report(ec.Trigger(), res)
		errs = append(errs, res.Err(), p.deliver(ctx, res.Alerts))
	}
	p.units.Add(1)
	metrics.UnitsEvaluated.Inc()
	metrics.EvaluationLatency.Observe(time.Since(start).Seconds())
	metrics.GuardEntries.Set(float64(p.guard.Len()))

	return errors.Join(errs...)
}

func (p *Pipeline) report(trigger chainlog.LogEvent, res detection.Result) {
	for _, f := range res.Failures {
		metrics.RuleFailures.WithLabelValues(f.RuleID).Inc()
		p.logger.Error("rule evaluation failed",
			append(eventAttrs(trigger), "rule_id", f.RuleID, "event_id", trigger.ID(), "error", f.Err)...)
	}
	if res.TimedOut {
		metrics.ContextTimeouts.Inc()
		p.logger.Warn("evaluation deadline exceeded, remaining rules skipped",
			append(eventAttrs(trigger), "skipped", res.Skipped, "alerts", len(res.Alerts))...)
	}
}

func (p *Pipeline) deliver(ctx context.Context, alerts []detection.Alert) error {
	var sinkErrs []error
	for _, a := range alerts {
		metrics.AlertsRaised.WithLabelValues(a.RuleID, a.Severity.String()).Inc()
		if !p.guard.Admit(a) {
			p.suppressed.Add(1)
			metrics.AlertsSuppressed.WithLabelValues(a.RuleID).Inc()
			p.logger.Debug("alert suppressed by cooldown",
				"rule_id", a.RuleID,
				"fingerprint", a.Fingerprint,
				"tx_hash", a.Event.TxHash.Hex(),
			)
			continue
		}
		p.alerts.Add(1)
		if err := p.emitter.Emit(ctx, a); err != nil {
			sinkErrs = append(sinkErrs, err)
		}
	}
	return errors.Join(sinkErrs...)
}

func eventAttrs(ev chainlog.LogEvent) []any {
	return []any{
		"chain_id", ev.ChainID,
		"block_number", ev.BlockNumber,
		"tx_hash", ev.TxHash.Hex(),
		"log_index", ev.LogIndex,
		"address", ev.Address.Hex(),
	}
}

func rawAttrs(l chainlog.RawLog) []any {
	attrs := []any{
		"chain_id", uint64(l.ChainID),
		"block_number", uint64(l.BlockNumber),
		"block_hash", l.BlockHash,
		"tx_hash", l.TxHash,
		"address", l.Address,
	}
	if l.LogIndex != nil {
		attrs = append(attrs, "log_index", uint64(*l.LogIndex))
	}
	return attrs
}

type next struct {
	d   Delivery
	err error
}

// Run reads src until it is exhausted or ctx is cancelled. One intake
// goroutine normalizes logs and hands units to the workers over an unbuffered
// channel, so a slow pipeline blocks the source instead of buffering or
// dropping. Units already accepted by a worker are finished after
// cancellation. Only source errors other than io.EOF are returned.
func (p *Pipeline) Run(ctx context.Context, src Source) error {
	g, gctx := errgroup.WithContext(ctx)
	units := make(chan Unit)

	for i := 0; i < p.config.Workers; i++ {
		g.Go(func() error {
			p.worker(context.WithoutCancel(gctx), units)
			return nil
		})
	}

	g.Go(func() error {
		defer close(units)
		return p.intake(gctx, src, units)
	})

	p.logger.Info("pipeline started",
		"workers", p.config.Workers,
		"source", p.config.SourceName,
		"batching", p.config.Batch.Enabled,
	)

	err := g.Wait()
	stats := p.Stats()
	p.logger.Info("pipeline stopped",
		"received", stats.Received,
		"units", stats.Units,
		"alerts", stats.Alerts,
		"suppressed", stats.Suppressed,
	)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

func (p *Pipeline) worker(ctx context.Context, units <-chan Unit) {
	for u := range units {
		u.complete(p.Process(ctx, u))
	}
}

func (p *Pipeline) intake(ctx context.Context, src Source, units chan<- Unit) error {
	var batcher *Batcher
	if p.config.Batch.Enabled {
		batcher = NewBatcher(p.config.Batch.MaxSize, p.config.Batch.Window)
	}

	readCtx, stop := context.WithCancel(ctx)
	defer stop()
	in := make(chan next)
	go p.read(readCtx, src, in)

	abandon := func() {
		if batcher == nil {
			return
		}
		if u, ok := batcher.Flush(); ok {
			u.complete(ErrAbandoned)
		}
	}

	for {
		var expiry <-chan time.Time
		var timer *time.Timer
		if batcher != nil {
			if deadline, ok := batcher.Deadline(); ok {
				timer = time.NewTimer(time.Until(deadline))
				expiry = timer.C
			}
		}

		var ready []Unit
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			abandon()
			return ctx.Err()

		case <-expiry:
			if u, ok := batcher.Expire(p.now()); ok {
				ready = append(ready, u)
			}

		case n := <-in:
			if timer != nil {
				timer.Stop()
			}
			if n.err != nil {
				if !errors.Is(n.err, io.EOF) {
					abandon()
					return fmt.Errorf("pipeline: source: %w", n.err)
				}
				if batcher != nil {
					if u, ok := batcher.Flush(); ok {
						ready = append(ready, u)
					}
				}
				if err := p.submit(ctx, units, ready...); err != nil {
					return err
				}
				p.logger.Info("source exhausted")
				return nil
			}
			ready = p.accept(n.d, batcher)
		}

		if err := p.submit(ctx, units, ready...); err != nil {
			abandon()
			return err
		}
	}
}

// read pulls from src until an error, handing each result to the intake loop.
func (p *Pipeline) read(ctx context.Context, src Source, out chan<- next) {
	for {
		d, err := src.Next(ctx)
		select {
		case out <- next{d: d, err: err}:
		case <-ctx.Done():
			if err == nil && d.Done != nil {
				d.Done(ErrAbandoned)
			}
			return
		}
		if err != nil {
			return
		}
	}
}

// accept normalizes one delivery and returns the units that became ready.
// Removed and malformed logs are acknowledged and dropped.
func (p *Pipeline) accept(d Delivery, batcher *Batcher) []Unit {
	p.received.Add(1)
	metrics.LogsReceived.WithLabelValues(p.config.SourceName).Inc()

	if d.Log.Removed {
		p.removed.Add(1)
		metrics.LogsRemoved.Inc()
		p.logger.Debug("dropping log removed by reorg", rawAttrs(d.Log)...)
		finish(d, nil)
		return nil
	}

	ev, err := p.normalizer.Normalize(d.Log)
	if err != nil {
		field := "unknown"
		var de *chainlog.DecodeError
		if errors.As(err, &de) {
			field = de.Field
		}
		p.malformed.Add(1)
		metrics.DecodeErrors.WithLabelValues(field).Inc()
		p.logger.Warn("dropping malformed log", append(rawAttrs(d.Log), "error", err)...)
		finish(d, err)
		return nil
	}
	metrics.EventsNormalized.WithLabelValues(ev.EventName).Inc()

	if batcher == nil {
		var u Unit
		u.add(ev, d.Done)
		return []Unit{u}
	}
	return batcher.Add(ev, d.Done, p.now())
}

func (p *Pipeline) submit(ctx context.Context, units chan<- Unit, ready ...Unit) error {
	for i, u := range ready {
		if err := handoff(ctx, units, u); err != nil {
			for _, rest := range ready[i+1:] {
				rest.complete(ErrAbandoned)
			}
			return err
		}
	}
	return nil
}

// handoff gives u to a worker, blocking until one accepts it or ctx ends. A
// unit that cannot be handed over is completed with ErrAbandoned.
func handoff(ctx context.Context, units chan<- Unit, u Unit) error {
	select {
	case units <- u:
		return nil
	case <-ctx.Done():
		u.complete(ErrAbandoned)
		return ctx.Err()
	}
}

func finish(d Delivery, err error) {
	if d.Done != nil {
		d.Done(err)
	}
}

// Stats holds pipeline counters.
type Stats struct {
	Received   uint64 `json:"received"`
	Removed    uint64 `json:"removed"`
	Malformed  uint64 `json:"malformed"`
	Units      uint64 `json:"units"`
	Alerts     uint64 `json:"alerts"`
	Suppressed uint64 `json:"suppressed"`
	Failed     uint64 `json:"failed"`
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:   p.received.Load(),
		Removed:    p.removed.Load(),
		Malformed:  p.malformed.Load(),
		Units:      p.units.Load(),
		Alerts:     p.alerts.Load(),
		Suppressed: p.suppressed.Load(),
		Failed:     p.failed.Load(),
	}
}
