package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chainwatch/internal/detection"

	"github.com/nats-io/nats.go"
)

// JetStreamPublisher is satisfied by nats.JetStreamContext.
type JetStreamPublisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSSink publishes alerts to JetStream under <subject>.<rule id>. The
// alert ID is the message ID, so the stream drops redelivered alerts within
// its duplicate window.
type NATSSink struct {
	conn    *nats.Conn
	js      JetStreamPublisher
	subject string
}

// NewNATSSink connects to url and creates stream if it does not exist.
func NewNATSSink(url, stream, subject string, logger *slog.Logger) (*NATSSink, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(url,
		nats.Name("chainwatch"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.Timeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if _, err := js.StreamInfo(stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			conn.Close()
			return nil, fmt.Errorf("failed to look up stream %s: %w", stream, err)
		}
		logger.Info("creating alert stream", "stream", stream, "subject", subject+".>")
		_, err = js.AddStream(&nats.StreamConfig{
			Name:       stream,
			Subjects:   []string{subject + ".>"},
			Retention:  nats.LimitsPolicy,
			Storage:    nats.FileStorage,
			MaxAge:     7 * 24 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create stream: %w", err)
		}
	}

	s := NewNATSSinkWithPublisher(js, subject)
	s.conn = conn
	return s, nil
}

// NewNATSSinkWithPublisher uses an existing JetStream context.
func NewNATSSinkWithPublisher(js JetStreamPublisher, subject string) *NATSSink {
	return &NATSSink{js: js, subject: subject}
}

func (s *NATSSink) Name() string {
	return "nats"
}

func (s *NATSSink) Deliver(ctx context.Context, alert detection.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	_, err = s.js.Publish(s.subject+"."+alert.RuleID, data,
		nats.MsgId(alert.ID.String()),
		nats.Context(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}
	return nil
}

func (s *NATSSink) Close() error {
	if s.conn != nil {
		return s.conn.Drain()
	}
	return nil
}
