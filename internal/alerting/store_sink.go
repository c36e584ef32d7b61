package alerting

import (
	"context"
	"fmt"

	"chainwatch/internal/detection"
	s3archive "chainwatch/internal/storage/s3"
)

// AlertWriter is satisfied by storage.BatchWriter.
type AlertWriter interface {
	WriteAlert(ctx context.Context, alert detection.Alert) error
}

// ClickHouseSink stores alerts in the alerts table.
type ClickHouseSink struct {
	writer AlertWriter
}

// NewClickHouseSink creates a new ClickHouse sink.
func NewClickHouseSink(writer AlertWriter) *ClickHouseSink {
	return &ClickHouseSink{writer: writer}
}

func (c *ClickHouseSink) Name() string {
	return "clickhouse"
}

func (c *ClickHouseSink) Deliver(ctx context.Context, alert detection.Alert) error {
	return c.writer.WriteAlert(ctx, alert)
}

func (c *ClickHouseSink) Close() error {
	if cl, ok := c.writer.(interface{ Close() error }); ok {
		return cl.Close()
	}
	return nil
}

// ObjectPutter is satisfied by the s3 archive client.
type ObjectPutter interface {
	PutJSON(ctx context.Context, key string, v any, metadata map[string]string) error
}

// S3Sink writes each alert as its own JSON object keyed by block date and rule.
type S3Sink struct {
	putter ObjectPutter
}

// NewS3Sink creates a new S3 sink.
func NewS3Sink(putter ObjectPutter) *S3Sink {
	return &S3Sink{putter: putter}
}

func (s *S3Sink) Name() string {
	return "s3"
}

func (s *S3Sink) Deliver(ctx context.Context, alert detection.Alert) error {
	key := s3archive.AlertKey(alert.CreatedAt, alert.RuleID, alert.ID.String())
	meta := map[string]string{
		"rule-id":     alert.RuleID,
		"severity":    alert.Severity.String(),
		"fingerprint": alert.Fingerprint,
		"chain-id":    fmt.Sprintf("%d", alert.Event.ChainID),
	}
	return s.putter.PutJSON(ctx, key, alert, meta)
}
