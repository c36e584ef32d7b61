package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chainwatch/internal/detection"

	"github.com/go-redis/redismock/v9"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	name string
	err  error

	mu     sync.Mutex
	alerts []detection.Alert
	calls  *[]string
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(_ context.Context, a detection.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls != nil {
		*s.calls = append(*s.calls, s.name)
	}
	s.alerts = append(s.alerts, a)
	return s.err
}

func (s *recordingSink) received() []detection.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]detection.Alert(nil), s.alerts...)
}

type blockingSink struct{}

func (blockingSink) Name() string { return "slow" }

func (blockingSink) Deliver(ctx context.Context, _ detection.Alert) error {
	<-ctx.Done()
	return ctx.Err()
}

type panicSink struct{}

func (panicSink) Name() string { return "broken" }

func (panicSink) Deliver(context.Context, detection.Alert) error { panic("nil map") }

type closingSink struct {
	recordingSink
	closed bool
}

func (c *closingSink) Close() error {
	c.closed = true
	return nil
}

func TestEmitterPartialFailure(t *testing.T) {
	var calls []string
	first := &recordingSink{name: "first", err: errors.New("connection refused"), calls: &calls}
	second := &recordingSink{name: "second", calls: &calls}
	e := NewEmitter(time.Second, nil, first, second)

	err := e.Emit(context.Background(), testAlert("upgrade"))
	require.Error(t, err)

	var se *SinkError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "first", se.Sink)
	assert.Equal(t, []string{"first", "second"}, calls)
	assert.Len(t, second.received(), 1)
	assert.Equal(t, []string{"first", "second"}, e.Sinks())
}

func TestEmitterJoinsFailures(t *testing.T) {
	a := &recordingSink{name: "a", err: errors.New("boom")}
	b := &recordingSink{name: "b", err: errors.New("bang")}
	err := NewEmitter(time.Second, nil, a, b).Emit(context.Background(), testAlert("pause"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink a: boom")
	assert.Contains(t, err.Error(), "sink b: bang")
}

func TestEmitterSinkTimeout(t *testing.T) {
	after := &recordingSink{name: "after"}
	e := NewEmitter(20*time.Millisecond, nil, blockingSink{}, after)

	start := time.Now()
	err := e.Emit(context.Background(), testAlert("pause"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Len(t, after.received(), 1)
}

func TestEmitterRecoversSinkPanic(t *testing.T) {
	after := &recordingSink{name: "after"}
	err := NewEmitter(time.Second, nil, panicSink{}, after).Emit(context.Background(), testAlert("pause"))

	var se *SinkError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "broken", se.Sink)
	assert.Len(t, after.received(), 1)
}

func TestEmitterClose(t *testing.T) {
	c := &closingSink{recordingSink: recordingSink{name: "c"}}
	e := NewEmitter(0, nil, c, &recordingSink{name: "plain"})
	require.NoError(t, e.Close())
	assert.True(t, c.closed)
}

func TestConsoleSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewConsoleSink(&buf, false)
	a := testAlert("role-change")
	a.Details = []detection.Detail{{Key: "role", Value: "DEFAULT_ADMIN_ROLE"}}

	require.NoError(t, s.Deliver(context.Background(), a))

	line := buf.String()
	assert.True(t, strings.HasSuffix(line, "\n"))
	assert.Contains(t, line, "CRITICAL")
	assert.Contains(t, line, "[role-change]")
	assert.Contains(t, line, "Role granted: admin role granted")
	assert.Contains(t, line, "block=19000000")
	assert.Contains(t, line, "role=DEFAULT_ADMIN_ROLE")
	assert.Contains(t, line, "2023-11-14T22:13:20Z")
}

func TestWebhookSink(t *testing.T) {
	var got detection.Alert
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewWebhookSink("ops", srv.URL, map[string]string{"Authorization": "Bearer t"})
	a := testAlert("upgrade")
	require.NoError(t, s.Deliver(context.Background(), a))

	assert.Equal(t, "ops", s.Name())
	assert.Equal(t, "Bearer t", auth)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, detection.SeverityCritical, got.Severity)
}

func TestWebhookSinkErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookSink("ops", srv.URL, nil).Deliver(context.Background(), testAlert("upgrade"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook returned 502")
}

func TestWebhookSinkRedactsURL(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/services/T0/B0/not-for-logs"
	srv.Close()

	err := NewWebhookSink("ops", url, nil).Deliver(context.Background(), testAlert("upgrade"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook request failed")
	assert.NotContains(t, err.Error(), "not-for-logs")
}

func TestSlackSink(t *testing.T) {
	var payload map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
	}))
	defer srv.Close()

	a := testAlert("role-change")
	a.Protocol = "Aave"
	require.NoError(t, NewSlackSink(srv.URL, "#alerts", "").Deliver(context.Background(), a))

	assert.Equal(t, "#alerts", payload["channel"])
	assert.Equal(t, "chainwatch", payload["username"])
	att := payload["attachments"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "#FF0000", att["color"])
	assert.Equal(t, "[CRITICAL] Role granted", att["title"])
	assert.Len(t, att["fields"], 5)
}

type flakySink struct {
	failures int
	calls    int
}

func (f *flakySink) Name() string { return "flaky" }

func (f *flakySink) Deliver(context.Context, detection.Alert) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("temporary")
	}
	return nil
}

func fastRetry(maxRetries int) DeliveryConfig {
	return DeliveryConfig{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
		RetryTimeout:   time.Second,
	}
}

func TestRetrySinkRecovers(t *testing.T) {
	inner := &flakySink{failures: 2}
	r := NewRetrySink(inner, fastRetry(3), nil)

	require.NoError(t, r.Deliver(context.Background(), testAlert("pause")))
	assert.Equal(t, 3, inner.calls)
	assert.Empty(t, r.DeadLetterQueue())
	assert.Equal(t, "flaky", r.Name())
}

func TestRetrySinkDeadLetter(t *testing.T) {
	inner := &flakySink{failures: 10}
	var hooked []DeliveryRecord
	r := NewRetrySink(inner, fastRetry(2), nil, WithDeadLetterHook(func(rec DeliveryRecord, _ detection.Alert) {
		hooked = append(hooked, rec)
	}))

	a := testAlert("pause")
	err := r.Deliver(context.Background(), a)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, inner.calls)

	dlq := r.DeadLetterQueue()
	require.Len(t, dlq, 1)
	assert.Equal(t, DeliveryDeadLetter, dlq[0].Status)
	assert.Equal(t, a.ID, dlq[0].AlertID)
	assert.Equal(t, 3, dlq[0].Attempts)
	assert.Equal(t, dlq, hooked)
}

func TestRetrySinkContextCancelled(t *testing.T) {
	inner := &flakySink{failures: 10}
	cfg := fastRetry(5)
	cfg.InitialBackoff = time.Hour
	r := NewRetrySink(inner, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Deliver(ctx, testAlert("pause"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, inner.calls)
	assert.Len(t, r.DeadLetterQueue(), 1)
}

type fakeProducer struct {
	topic      string
	key, value []byte
}

func (f *fakeProducer) ProduceWithTopic(_ context.Context, topic string, key, value []byte) error {
	f.topic, f.key, f.value = topic, key, value
	return nil
}

func TestKafkaSink(t *testing.T) {
	p := &fakeProducer{}
	a := testAlert("large-transfer")
	require.NoError(t, NewKafkaSink(p, "chainwatch.alerts").Deliver(context.Background(), a))

	assert.Equal(t, "chainwatch.alerts", p.topic)
	assert.Equal(t, a.Fingerprint, string(p.key))
	var got detection.Alert
	require.NoError(t, json.Unmarshal(p.value, &got))
	assert.Equal(t, a.ID, got.ID)
}

type fakeJetStream struct {
	subjects []string
	err      error
}

func (f *fakeJetStream) Publish(subj string, _ []byte, _ ...nats.PubOpt) (*nats.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.subjects = append(f.subjects, subj)
	return &nats.PubAck{Stream: "ALERTS", Sequence: uint64(len(f.subjects))}, nil
}

func TestNATSSink(t *testing.T) {
	js := &fakeJetStream{}
	s := NewNATSSinkWithPublisher(js, "chainwatch.alerts")

	require.NoError(t, s.Deliver(context.Background(), testAlert("upgrade")))
	assert.Equal(t, []string{"chainwatch.alerts.upgrade"}, js.subjects)
	require.NoError(t, s.Close())

	js.err = nats.ErrNoStreamResponse
	assert.ErrorIs(t, s.Deliver(context.Background(), testAlert("upgrade")), nats.ErrNoStreamResponse)
}

func TestRedisStreamSink(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewRedisStreamSink(db, "chainwatch:alerts", 10000)
	a := testAlert("role-change")

	payload, err := json.Marshal(a)
	require.NoError(t, err)
	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: "chainwatch:alerts",
		MaxLen: 10000,
		Approx: true,
		ID:     "*",
		Values: []string{
			"id", a.ID.String(),
			"rule_id", "role-change",
			"severity", "critical",
			"fingerprint", a.Fingerprint,
			"alert", string(payload),
		},
	}).SetVal("1700000000000-0")

	require.NoError(t, s.Deliver(context.Background(), a))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStreamSinkError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewRedisStreamSink(db, "alerts", 0)
	a := testAlert("pause")

	payload, _ := json.Marshal(a)
	mock.ExpectXAdd(s.xaddArgs(a, payload)).SetErr(errors.New("READONLY"))

	err := s.Deliver(context.Background(), a)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xadd alerts")
}

type fakeWriter struct{ alerts []detection.Alert }

func (f *fakeWriter) WriteAlert(_ context.Context, a detection.Alert) error {
	f.alerts = append(f.alerts, a)
	return nil
}

func TestClickHouseSink(t *testing.T) {
	w := &fakeWriter{}
	s := NewClickHouseSink(w)
	require.NoError(t, s.Deliver(context.Background(), testAlert("upgrade")))
	assert.Len(t, w.alerts, 1)
	assert.NoError(t, s.Close())
}

type fakePutter struct {
	key  string
	meta map[string]string
}

func (f *fakePutter) PutJSON(_ context.Context, key string, _ any, meta map[string]string) error {
	f.key, f.meta = key, meta
	return nil
}

func TestS3Sink(t *testing.T) {
	p := &fakePutter{}
	a := testAlert("upgrade")
	require.NoError(t, NewS3Sink(p).Deliver(context.Background(), a))

	assert.Equal(t, "2023/11/14/upgrade/"+a.ID.String()+".json", p.key)
	assert.Equal(t, "critical", p.meta["severity"])
	assert.Equal(t, "1", p.meta["chain-id"])
}

func TestRecentSink(t *testing.T) {
	r := NewRecentSink(3)
	ctx := context.Background()

	assert.Empty(t, r.Recent(0))

	for _, key := range []string{"a", "b"} {
		require.NoError(t, r.Deliver(ctx, testAlert("rule", key)))
	}
	got := r.Recent(0)
	require.Len(t, got, 2)
	assert.Equal(t, testAlert("rule", "b").Fingerprint, got[0].Fingerprint)

	for _, key := range []string{"c", "d"} {
		require.NoError(t, r.Deliver(ctx, testAlert("rule", key)))
	}
	got = r.Recent(0)
	require.Len(t, got, 3)
	assert.Equal(t, testAlert("rule", "d").Fingerprint, got[0].Fingerprint)
	assert.Equal(t, testAlert("rule", "b").Fingerprint, got[2].Fingerprint)

	assert.Len(t, r.Recent(1), 1)
	assert.Equal(t, uint64(4), r.Total())
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster()
	ctx := context.Background()

	require.NoError(t, b.Deliver(ctx, testAlert("pause")))

	ch, cancel := b.Subscribe()
	assert.Equal(t, 1, b.Subscribers())

	require.NoError(t, b.Deliver(ctx, testAlert("pause", "x")))
	got := <-ch
	assert.Equal(t, testAlert("pause", "x").Fingerprint, got.Fingerprint)

	for i := 0; i < subscriberBuffer+5; i++ {
		require.NoError(t, b.Deliver(ctx, testAlert("pause")))
	}
	assert.Equal(t, uint64(5), b.Dropped())

	cancel()
	cancel()
	assert.Zero(t, b.Subscribers())
	for range ch {
	}
}
