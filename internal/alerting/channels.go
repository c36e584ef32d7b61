package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chainwatch/internal/detection"
	"chainwatch/internal/redact"
)

// WebhookSink posts each alert as JSON.
type WebhookSink struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookSink creates a new webhook sink.
func NewWebhookSink(name, url string, headers map[string]string) *WebhookSink {
	return &WebhookSink{
		name:    name,
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookSink) Name() string {
	return w.name
}

func (w *WebhookSink) Deliver(ctx context.Context, alert detection.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	return postJSON(ctx, w.client, w.url, w.headers, payload, "webhook")
}

// SlackSink posts alerts to a Slack incoming webhook.
type SlackSink struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
}

// NewSlackSink creates a new Slack sink.
func NewSlackSink(webhookURL, channel, username string) *SlackSink {
	if username == "" {
		username = "chainwatch"
	}
	return &SlackSink{
		webhookURL: webhookURL,
		channel:    channel,
		username:   username,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *SlackSink) Name() string {
	return "slack"
}

func (s *SlackSink) Deliver(ctx context.Context, alert detection.Alert) error {
	data, err := json.Marshal(s.payload(alert))
	if err != nil {
		return err
	}
	return postJSON(ctx, s.client, s.webhookURL, nil, data, "slack")
}

func (s *SlackSink) payload(alert detection.Alert) map[string]interface{} {
	payload := map[string]interface{}{
		"username": s.username,
		"attachments": []map[string]interface{}{
			{
				"color":  severityColor(alert.Severity),
				"title":  fmt.Sprintf("[%s] %s", strings.ToUpper(alert.Severity.String()), alert.Title),
				"text":   alert.Message,
				"fields": s.buildFields(alert),
				"footer": fmt.Sprintf("Alert ID: %s | Rule: %s", alert.ID.String()[:8], alert.RuleID),
				"ts":     alert.CreatedAt.Unix(),
			},
		},
	}
	if s.channel != "" {
		payload["channel"] = s.channel
	}
	return payload
}

func severityColor(sev detection.Severity) string {
	switch sev {
	case detection.SeverityCritical:
		return "#FF0000"
	case detection.SeverityWarning:
		return "#FFA500"
	default:
		return "#808080"
	}
}

func (s *SlackSink) buildFields(alert detection.Alert) []map[string]interface{} {
	fields := []map[string]interface{}{
		{"title": "Contract", "value": alert.Event.Address.Hex(), "short": false},
		{"title": "Block", "value": fmt.Sprintf("%d", alert.Event.BlockNumber), "short": true},
		{"title": "Log index", "value": fmt.Sprintf("%d", alert.Event.LogIndex), "short": true},
		{"title": "Transaction", "value": alert.Event.TxHash.Hex(), "short": false},
	}
	if alert.Protocol != "" {
		fields = append(fields, map[string]interface{}{
			"title": "Protocol", "value": alert.Protocol, "short": true,
		})
	}
	for _, d := range alert.Details {
		fields = append(fields, map[string]interface{}{
			"title": d.Key, "value": d.Value, "short": true,
		})
	}
	return fields
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload []byte, kind string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return redact.Error(fmt.Errorf("%s request failed: %w", kind, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned %d: %s", kind, resp.StatusCode, redact.String(string(body)))
	}
	return nil
}
