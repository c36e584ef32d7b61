package status

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainwatch/internal/alerting"
	"chainwatch/internal/chainlog"
	"chainwatch/internal/detection"
	"chainwatch/internal/pipeline"
	"chainwatch/internal/registry"
)

type fixedStats pipeline.Stats

func (f fixedStats) Stats() pipeline.Stats { return pipeline.Stats(f) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.FromSpecs([]registry.ProtocolSpec{{
		Name:      "Vault",
		Addresses: []string{"0x1111111111111111111111111111111111111111"},
	}})
	require.NoError(t, err)
	return reg
}

func testAlert(key string) detection.Alert {
	ev := chainlog.LogEvent{
		ChainID:     1,
		BlockNumber: 10,
		BlockTime:   time.Unix(1_700_000_000, 0).UTC(),
		TxHash:      common.HexToHash("0x01"),
		Address:     common.HexToAddress("0x1111111111111111111111111111111111111111"),
		EventName:   "Paused",
	}
	return *detection.NewAlert("pause", detection.SeverityWarning, ev, "Paused", "contract paused", key)
}

func get(t *testing.T, h http.Handler, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func TestStats(t *testing.T) {
	recent := alerting.NewRecentSink(10)
	require.NoError(t, recent.Deliver(context.Background(), testAlert("a")))

	srv := New(Info{Source: "evm", ChainID: 1, Sinks: []string{"console"}},
		fixedStats{Received: 7, Units: 5, Alerts: 2, Suppressed: 1},
		testRegistry(t), recent, func() int { return 3 }, quietLogger())

	var resp StatsResponse
	code := get(t, srv.Handler(), "/api/stats", &resp)
	require.Equal(t, http.StatusOK, code)

	assert.True(t, resp.Healthy)
	assert.Equal(t, "evm", resp.Source)
	assert.Equal(t, uint64(7), resp.Pipeline.Received)
	assert.Equal(t, uint64(1), resp.AlertsTotal)
	assert.Equal(t, 3, resp.GuardEntries)
	assert.Equal(t, []string{"Vault"}, resp.Protocols)
	assert.Equal(t, 1, resp.Addresses)
}

func TestHealthBeforeRegistryLoads(t *testing.T) {
	srv := New(Info{}, fixedStats{}, registry.New(), nil, nil, quietLogger())

	var body map[string]string
	code := get(t, srv.Handler(), "/healthz", &body)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "starting", body["status"])

	srv = New(Info{}, fixedStats{}, testRegistry(t), nil, nil, quietLogger())
	assert.Equal(t, http.StatusOK, get(t, srv.Handler(), "/healthz", nil))
}

func TestAlerts(t *testing.T) {
	recent := alerting.NewRecentSink(10)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, recent.Deliver(context.Background(), testAlert(k)))
	}
	srv := New(Info{}, fixedStats{}, testRegistry(t), recent, nil, quietLogger())

	var resp AlertsResponse
	require.Equal(t, http.StatusOK, get(t, srv.Handler(), "/api/alerts?limit=2", &resp))
	assert.Len(t, resp.Alerts, 2)
	assert.Equal(t, uint64(3), resp.TotalCount)
	assert.Equal(t, testAlert("c").Fingerprint, resp.Alerts[0].Fingerprint)

	assert.Equal(t, http.StatusBadRequest, get(t, srv.Handler(), "/api/alerts?limit=x", nil))
}

func TestAlertsWithoutLog(t *testing.T) {
	srv := New(Info{}, fixedStats{}, testRegistry(t), nil, nil, quietLogger())

	var resp AlertsResponse
	require.Equal(t, http.StatusOK, get(t, srv.Handler(), "/api/alerts", &resp))
	assert.NotNil(t, resp.Alerts)
	assert.Empty(t, resp.Alerts)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := New(Info{}, fixedStats{}, testRegistry(t), nil, nil, quietLogger())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ListenAndServe(ctx, "127.0.0.1:0", http.NotFoundHandler(), quietLogger())
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestAlertStream(t *testing.T) {
	feed := alerting.NewBroadcaster()
	srv := New(Info{}, fixedStats{}, testRegistry(t), nil, nil, quietLogger()).WithFeed(feed)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/alerts/stream?severity=warning"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return feed.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	info := testAlert("low")
	info.Severity = detection.SeverityInfo
	require.NoError(t, feed.Deliver(context.Background(), info))
	require.NoError(t, feed.Deliver(context.Background(), testAlert("high")))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got detection.Alert
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, testAlert("high").Fingerprint, got.Fingerprint)
	assert.Equal(t, detection.SeverityWarning, got.Severity)

	conn.Close()
	require.Eventually(t, func() bool { return feed.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestAlertStreamDisabled(t *testing.T) {
	srv := New(Info{}, fixedStats{}, testRegistry(t), nil, nil, quietLogger())
	assert.Equal(t, http.StatusNotFound, get(t, srv.Handler(), "/api/alerts/stream", nil))

	srv.WithFeed(alerting.NewBroadcaster())
	assert.Equal(t, http.StatusBadRequest, get(t, srv.Handler(), "/api/alerts/stream?severity=loud", nil))
}
