package alerting

import (
	"context"
	"encoding/json"
	"fmt"

	"chainwatch/internal/detection"

	"github.com/redis/go-redis/v9"
)

// RedisStreamSink appends alerts to a Redis stream, trimmed approximately to maxLen.
type RedisStreamSink struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisStreamSink creates a new Redis stream sink. maxLen 0 disables trimming.
func NewRedisStreamSink(client redis.Cmdable, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (r *RedisStreamSink) Name() string {
	return "redis_stream"
}

func (r *RedisStreamSink) Deliver(ctx context.Context, alert detection.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if err := r.client.XAdd(ctx, r.xaddArgs(alert, payload)).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}

func (r *RedisStreamSink) xaddArgs(alert detection.Alert, payload []byte) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: r.stream,
		ID:     "*",
		Values: []string{
			"id", alert.ID.String(),
			"rule_id", alert.RuleID,
			"severity", alert.Severity.String(),
			"fingerprint", alert.Fingerprint,
			"alert", string(payload),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	return args
}

func (r *RedisStreamSink) Close() error {
	if c, ok := r.client.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
