package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chainwatch/internal/detection"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const alertsTable = "alerts"

const insertAlertsQuery = `INSERT INTO alerts (
	alert_id, rule_id, severity, title, message, fingerprint,
	chain_id, block_number, block_hash, block_time, tx_hash, log_index,
	contract, event_name, protocol, details
)`

// BatchWriterConfig holds configuration for the batch writer.
type BatchWriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
}

// DefaultBatchWriterConfig returns the default batch writer configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     100,
		FlushInterval: 2 * time.Second,
		MaxRetries:    3,
		RetryDelay:    500 * time.Millisecond,
	}
}

// batchPreparer is satisfied by ClickHouseClient.
type batchPreparer interface {
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
}

// BatchWriter buffers alerts and inserts them into the alerts table in batches.
// A batch is sent when it reaches BatchSize or when FlushInterval elapses.
type BatchWriter struct {
	client batchPreparer
	config BatchWriterConfig
	logger *slog.Logger

	mu         sync.Mutex
	buffer     []detection.Alert
	flushTimer *time.Timer
	closed     bool

	totalWritten atomic.Uint64
	totalFailed  atomic.Uint64
	batchCount   atomic.Uint64
}

// NewBatchWriter creates a new BatchWriter.
func NewBatchWriter(client batchPreparer, cfg BatchWriterConfig, logger *slog.Logger) *BatchWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchWriterConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultBatchWriterConfig().FlushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	bw := &BatchWriter{
		client: client,
		config: cfg,
		logger: logger,
		buffer: make([]detection.Alert, 0, cfg.BatchSize),
	}
	bw.flushTimer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)
	return bw
}

// WriteAlert buffers an alert. When the buffer is full the batch is sent
// before WriteAlert returns and any insert error is reported to the caller.
func (bw *BatchWriter) WriteAlert(ctx context.Context, alert detection.Alert) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return ErrWriterClosed
	}

	bw.buffer = append(bw.buffer, alert)
	if len(bw.buffer) >= bw.config.BatchSize {
		return bw.flushLocked(ctx)
	}
	return nil
}

func (bw *BatchWriter) timerFlush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return
	}
	if len(bw.buffer) > 0 {
		if err := bw.flushLocked(context.Background()); err != nil {
			bw.logger.Error("timer flush failed", "error", err)
		}
	}
	bw.flushTimer.Reset(bw.config.FlushInterval)
}

// flushLocked sends the buffer. Caller must hold the lock.
func (bw *BatchWriter) flushLocked(ctx context.Context) error {
	if len(bw.buffer) == 0 {
		return nil
	}

	alerts := bw.buffer
	bw.buffer = make([]detection.Alert, 0, bw.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				bw.totalFailed.Add(uint64(len(alerts)))
				return &OpError{Op: "insert", Table: alertsTable, Retries: attempt, Kind: ErrBatchInsertFailed, Err: ctx.Err()}
			case <-time.After(bw.config.RetryDelay * time.Duration(attempt)):
			}
		}

		if err := bw.insertBatch(ctx, alerts); err != nil {
			lastErr = err
			bw.logger.Warn("alert batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", bw.config.MaxRetries,
				"error", err,
			)
			continue
		}

		bw.totalWritten.Add(uint64(len(alerts)))
		bw.batchCount.Add(1)
		return nil
	}

	bw.totalFailed.Add(uint64(len(alerts)))
	return &OpError{Op: "insert", Table: alertsTable, Retries: bw.config.MaxRetries, Kind: ErrBatchInsertFailed, Err: lastErr}
}

func (bw *BatchWriter) insertBatch(ctx context.Context, alerts []detection.Alert) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	batch, err := bw.client.PrepareBatch(ctx, insertAlertsQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, a := range alerts {
		if err := batch.Append(alertRow(a)...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append alert %s: %w", a.ID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	bw.logger.Debug("alert batch inserted", "count", len(alerts))
	return nil
}

// alertRow flattens an alert into the column order of insertAlertsQuery.
func alertRow(a detection.Alert) []any {
	details := "{}"
	if len(a.Details) > 0 {
		m := make(map[string]string, len(a.Details))
		for _, d := range a.Details {
			m[d.Key] = d.Value
		}
		if b, err := json.Marshal(m); err == nil {
			details = string(b)
		}
	}
	return []any{
		a.ID,
		a.RuleID,
		a.Severity.String(),
		a.Title,
		a.Message,
		a.Fingerprint,
		a.Event.ChainID,
		a.Event.BlockNumber,
		a.Event.BlockHash.Hex(),
		a.CreatedAt.UTC(),
		a.Event.TxHash.Hex(),
		uint32(a.Event.LogIndex),
		a.Event.Address.Hex(),
		a.Event.EventName,
		a.Protocol,
		details,
	}
}

// Flush forces a flush of the current buffer.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked(ctx)
}

// Close stops the flush timer and sends whatever is still buffered.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.flushTimer.Stop()
	err := bw.flushLocked(context.Background())
	bw.mu.Unlock()
	return err
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	bw.mu.Lock()
	pending := len(bw.buffer)
	bw.mu.Unlock()
	return BatchWriterMetrics{
		Written: bw.totalWritten.Load(),
		Failed:  bw.totalFailed.Load(),
		Batches: bw.batchCount.Load(),
		Pending: pending,
	}
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
