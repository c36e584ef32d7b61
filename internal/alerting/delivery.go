package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chainwatch/internal/detection"
	"chainwatch/internal/metrics"

	"github.com/google/uuid"
)

// DeliveryStatus represents the delivery state of an alert on one sink.
type DeliveryStatus string

const (
	DeliveryDeadLetter DeliveryStatus = "dead_letter"
)

// DeliveryRecord tracks the delivery of an alert to one sink.
type DeliveryRecord struct {
	AlertID     uuid.UUID      `json:"alert_id"`
	RuleID      string         `json:"rule_id"`
	Fingerprint string         `json:"fingerprint"`
	Sink        string         `json:"sink"`
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	LastAttempt time.Time      `json:"last_attempt"`
	LastError   string         `json:"last_error,omitempty"`
}

// DeliveryConfig configures retries for a RetrySink.
type DeliveryConfig struct {
	MaxRetries     int           // retries after the first attempt
	InitialBackoff time.Duration // first retry delay
	MaxBackoff     time.Duration
	BackoffFactor  float64
	RetryTimeout   time.Duration // per-attempt timeout
	// DeadLetterSize caps the in-memory dead letter list; the oldest records are dropped.
	DeadLetterSize int
}

// DefaultDeliveryConfig returns sensible delivery defaults.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		RetryTimeout:   10 * time.Second,
		DeadLetterSize: 1000,
	}
}

// RetrySink retries a wrapped sink with exponential backoff. When all
// attempts fail the alert is recorded as a dead letter and the dead letter
// hook, if any, is called.
type RetrySink struct {
	sink   AlertSink
	config DeliveryConfig
	logger *slog.Logger

	onDeadLetter func(DeliveryRecord, detection.Alert)

	mu         sync.Mutex
	deadLetter []DeliveryRecord
}

// RetryOption configures a RetrySink.
type RetryOption func(*RetrySink)

// WithDeadLetterHook is called once per alert that exhausted its retries.
func WithDeadLetterHook(fn func(DeliveryRecord, detection.Alert)) RetryOption {
	return func(r *RetrySink) {
		r.onDeadLetter = fn
	}
}

// NewRetrySink wraps sink.
func NewRetrySink(sink AlertSink, cfg DeliveryConfig, logger *slog.Logger, opts ...RetryOption) *RetrySink {
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1
	}
	if cfg.DeadLetterSize <= 0 {
		cfg.DeadLetterSize = DefaultDeliveryConfig().DeadLetterSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &RetrySink{
		sink:   sink,
		config: cfg,
		logger: logger.With("component", "retry", "sink", sink.Name()),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RetrySink) Name() string {
	return r.sink.Name()
}

// Unwrap returns the wrapped sink.
func (r *RetrySink) Unwrap() AlertSink {
	return r.sink
}

func (r *RetrySink) Deliver(ctx context.Context, alert detection.Alert) error {
	record := DeliveryRecord{
		AlertID:     alert.ID,
		RuleID:      alert.RuleID,
		Fingerprint: alert.Fingerprint,
		Sink:        r.sink.Name(),
	}

	backoff := r.config.InitialBackoff
	attempts := r.config.MaxRetries + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		record.Attempts = attempt
		record.LastAttempt = time.Now()

		err := r.attempt(ctx, alert)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("alert delivered after retry", "alert_id", alert.ID, "attempts", attempt)
			}
			return nil
		}
		lastErr = err
		record.LastError = err.Error()

		r.logger.Warn("alert delivery attempt failed",
			"alert_id", alert.ID,
			"attempt", attempt,
			"max_retries", r.config.MaxRetries,
			"error", err,
		)

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			r.moveToDeadLetter(record, alert, "context cancelled")
			return fmt.Errorf("delivery abandoned after %d attempts: %w", attempt, ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * r.config.BackoffFactor)
		if r.config.MaxBackoff > 0 && backoff > r.config.MaxBackoff {
			backoff = r.config.MaxBackoff
		}
	}

	r.moveToDeadLetter(record, alert, record.LastError)
	return fmt.Errorf("delivery failed after %d attempts: %w", attempts, lastErr)
}

func (r *RetrySink) attempt(ctx context.Context, alert detection.Alert) error {
	if r.config.RetryTimeout <= 0 {
		return r.sink.Deliver(ctx, alert)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, r.config.RetryTimeout)
	defer cancel()
	return r.sink.Deliver(attemptCtx, alert)
}

func (r *RetrySink) moveToDeadLetter(record DeliveryRecord, alert detection.Alert, reason string) {
	record.Status = DeliveryDeadLetter
	record.LastError = reason

	r.mu.Lock()
	r.deadLetter = append(r.deadLetter, record)
	if over := len(r.deadLetter) - r.config.DeadLetterSize; over > 0 {
		r.deadLetter = append([]DeliveryRecord(nil), r.deadLetter[over:]...)
	}
	r.mu.Unlock()

	metrics.DeadLetters.WithLabelValues(record.Sink).Inc()
	r.logger.Error("alert moved to dead letter queue",
		"alert_id", record.AlertID,
		"rule_id", record.RuleID,
		"attempts", record.Attempts,
		"reason", reason,
	)

	if r.onDeadLetter != nil {
		r.onDeadLetter(record, alert)
	}
}

// DeadLetterQueue returns the recorded failures, oldest first.
func (r *RetrySink) DeadLetterQueue() []DeliveryRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DeliveryRecord, len(r.deadLetter))
	copy(out, r.deadLetter)
	return out
}

// Close closes the wrapped sink if it holds resources.
func (r *RetrySink) Close() error {
	if c, ok := r.sink.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
