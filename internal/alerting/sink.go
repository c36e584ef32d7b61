// Package alerting turns engine output into delivered notifications: the
// dedup guard drops repeats, and the emitter fans each admitted alert out to
// the configured sinks.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"chainwatch/internal/detection"
	"chainwatch/internal/metrics"
)

// AlertSink delivers a finalized alert to one channel. Implementations own
// any retry or persistence beyond the single Deliver call.
type AlertSink interface {
	Name() string
	Deliver(ctx context.Context, alert detection.Alert) error
}

// SinkError records a delivery failure for one sink.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Sink, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// DefaultSinkTimeout bounds one Deliver call when no timeout is configured.
const DefaultSinkTimeout = 30 * time.Second

// Emitter hands each alert to every sink in registration order.
type Emitter struct {
	sinks   []AlertSink
	timeout time.Duration
	logger  *slog.Logger
}

// NewEmitter creates an emitter. A non-positive timeout uses DefaultSinkTimeout.
func NewEmitter(timeout time.Duration, logger *slog.Logger, sinks ...AlertSink) *Emitter {
	if timeout <= 0 {
		timeout = DefaultSinkTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		sinks:   sinks,
		timeout: timeout,
		logger:  logger.With("component", "emitter"),
	}
}

// Sinks returns the names of the registered sinks.
func (e *Emitter) Sinks() []string {
	names := make([]string, len(e.sinks))
	for i, s := range e.sinks {
		names[i] = s.Name()
	}
	return names
}

// Emit delivers alert to all sinks. A failing sink does not stop the
// others; every failure is returned as a *SinkError joined into one error.
func (e *Emitter) Emit(ctx context.Context, alert detection.Alert) error {
	var errs []error
	for _, sink := range e.sinks {
		if err := e.deliver(ctx, sink, alert); err != nil {
			errs = append(errs, err)
		}
	}
	metrics.AlertsEmitted.WithLabelValues(alert.RuleID, alert.Severity.String()).Inc()
	return errors.Join(errs...)
}

func (e *Emitter) deliver(ctx context.Context, sink AlertSink, alert detection.Alert) (err error) {
	name := sink.Name()
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = &SinkError{Sink: name, Err: fmt.Errorf("panic: %v", r)}
		}
		metrics.SinkLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.SinkDeliveries.WithLabelValues(name, "error").Inc()
			e.logger.Error("alert delivery failed",
				"sink", name,
				"alert_id", alert.ID,
				"rule_id", alert.RuleID,
				"fingerprint", alert.Fingerprint,
				"error", err,
			)
			return
		}
		metrics.SinkDeliveries.WithLabelValues(name, "ok").Inc()
	}()

	if derr := sink.Deliver(ctx, alert); derr != nil {
		return &SinkError{Sink: name, Err: derr}
	}
	return nil
}

// Close closes every sink that holds resources.
func (e *Emitter) Close() error {
	var errs []error
	for _, sink := range e.sinks {
		if c, ok := sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, &SinkError{Sink: sink.Name(), Err: err})
			}
		}
	}
	return errors.Join(errs...)
}
