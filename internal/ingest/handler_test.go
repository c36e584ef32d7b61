package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"chainwatch/internal/chainlog"
	"chainwatch/internal/config"
	"chainwatch/internal/pipeline"
)

const (
	goodAddr = "0x1111111111111111111111111111111111111111"
	badAddr  = "0x2222222222222222222222222222222222222222"
	goneAddr = "0x3333333333333333333333333333333333333333"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testHTTPConfig() config.HTTPSourceConfig {
	return config.HTTPSourceConfig{
		Addr:       "127.0.0.1:0",
		Path:       "/v1/logs",
		MaxPayload: 64 * 1024,
		MaxBatch:   10,
		Auth:       config.AuthConfig{APIKeyHeader: "X-API-Key"},
	}
}

func logJSON(address string, logIndex int) string {
	return fmt.Sprintf(`{"chainId":1,"blockNumber":"0x10","blockHash":"0x%064x","txHash":"0x%064x","txIndex":0,"logIndex":%d,"address":%q,"topics":[],"data":"0x"}`,
		16, 1, logIndex, address)
}

func pushBody(logs ...string) string {
	return `{"logs":[` + strings.Join(logs, ",") + `]}`
}

// drain plays the pipeline: it takes deliveries from src and completes them
// according to the log's address.
func drain(t *testing.T, src *HTTPSource) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		for {
			d, err := src.Next(ctx)
			if err != nil {
				return
			}
			switch d.Log.Address {
			case badAddr:
				d.Done(&chainlog.DecodeError{Field: "topics", Reason: "bad"})
			case goneAddr:
				d.Done(pipeline.ErrAbandoned)
			default:
				d.Done(nil)
			}
		}
	}()
}

func post(t *testing.T, h http.Handler, path, body string, headers map[string]string) (*httptest.ResponseRecorder, PushResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp PushResponse
	json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&resp)
	return rec, resp
}

func TestHTTPSource_HandleLogs(t *testing.T) {
	src := NewHTTPSource(testHTTPConfig(), testLogger())
	drain(t, src)
	handler := http.HandlerFunc(src.HandleLogs)

	t.Run("single valid log", func(t *testing.T) {
		rec, resp := post(t, handler, "/v1/logs", pushBody(logJSON(goodAddr, 0)), nil)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if !resp.Success || resp.Accepted != 1 || resp.Rejected != 0 {
			t.Errorf("response = %+v", resp)
		}
		if resp.RequestID == "" {
			t.Error("expected a request ID")
		}
	})

	t.Run("partial success", func(t *testing.T) {
		rec, resp := post(t, handler, "/v1/logs", pushBody(logJSON(goodAddr, 0), logJSON(badAddr, 1), logJSON(goodAddr, 2)), nil)
		if rec.Code != http.StatusMultiStatus {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusMultiStatus)
		}
		if resp.Success || resp.Accepted != 2 || resp.Rejected != 1 {
			t.Errorf("response = %+v", resp)
		}
		if len(resp.Errors) != 1 || !strings.HasPrefix(resp.Errors[0], "log[1]") {
			t.Errorf("Errors = %v", resp.Errors)
		}
	})

	t.Run("all rejected", func(t *testing.T) {
		rec, resp := post(t, handler, "/v1/logs", pushBody(logJSON(badAddr, 0)), nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
		if resp.Rejected != 1 {
			t.Errorf("Rejected = %d, want 1", resp.Rejected)
		}
	})

	t.Run("abandoned", func(t *testing.T) {
		rec, resp := post(t, handler, "/v1/logs", pushBody(logJSON(goodAddr, 0), logJSON(goneAddr, 1)), nil)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
		}
		if resp.Accepted != 1 || resp.Rejected != 1 {
			t.Errorf("response = %+v", resp)
		}
	})

	t.Run("empty logs", func(t *testing.T) {
		rec, _ := post(t, handler, "/v1/logs", `{"logs":[]}`, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		rec, resp := post(t, handler, "/v1/logs", `{"logs":`, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
		if len(resp.Errors) == 0 || !strings.Contains(resp.Errors[0], "invalid JSON") {
			t.Errorf("Errors = %v", resp.Errors)
		}
	})

	t.Run("batch too large", func(t *testing.T) {
		logs := make([]string, 11)
		for i := range logs {
			logs[i] = logJSON(goodAddr, i)
		}
		rec, _ := post(t, handler, "/v1/logs", pushBody(logs...), nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})

	t.Run("payload too large", func(t *testing.T) {
		body := `{"logs":[],"pad":"` + strings.Repeat("x", 65*1024) + `"}`
		rec, _ := post(t, handler, "/v1/logs", body, nil)
		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/logs", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
		}
	})
}

func TestHTTPSource_BlocksUntilProcessed(t *testing.T) {
	src := NewHTTPSource(testHTTPConfig(), testLogger())
	handler := http.HandlerFunc(src.HandleLogs)

	done := make(chan int, 1)
	go func() {
		rec, _ := post(t, handler, "/v1/logs", pushBody(logJSON(goodAddr, 0)), nil)
		done <- rec.Code
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	select {
	case <-done:
		t.Fatal("request finished before the log was processed")
	case <-time.After(50 * time.Millisecond):
	}

	d.Done(nil)
	select {
	case code := <-done:
		if code != http.StatusOK {
			t.Errorf("status = %d, want %d", code, http.StatusOK)
		}
	case <-time.After(time.Second):
		t.Fatal("request did not finish")
	}
}

func TestHTTPSource_Close(t *testing.T) {
	src := NewHTTPSource(testHTTPConfig(), testLogger())
	src.Close()
	src.Close()

	if _, err := src.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Next after Close = %v, want io.EOF", err)
	}

	rec, resp := post(t, http.HandlerFunc(src.HandleLogs), "/v1/logs", pushBody(logJSON(goodAddr, 0)), nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if resp.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", resp.Rejected)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	health := httptest.NewRecorder()
	src.HandleHealth(health, req)
	if health.Code != http.StatusServiceUnavailable {
		t.Errorf("health status = %d, want %d", health.Code, http.StatusServiceUnavailable)
	}
}

func TestHTTPSource_Auth(t *testing.T) {
	cfg := testHTTPConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.APIKeys = []string{"key-one", "key-two"}
	src := NewHTTPSource(cfg, testLogger())
	drain(t, src)
	h := src.Handler()

	tests := []struct {
		name string
		key  string
		want int
	}{
		{"missing key", "", http.StatusUnauthorized},
		{"invalid key", "nope", http.StatusUnauthorized},
		{"first key", "key-one", http.StatusOK},
		{"second key", "key-two", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.key != "" {
				headers["X-API-Key"] = tt.key
			}
			rec, _ := post(t, h, "/v1/logs", pushBody(logJSON(goodAddr, 0)), headers)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	t.Run("health skips auth", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
		}
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	h := WithMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), testHTTPConfig(), nil, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/v1/logs", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}
