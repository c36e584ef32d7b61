// Package ingest provides the log sources that feed the pipeline besides the
// EVM poller: an HTTP push endpoint, a Kafka topic and JSONL replay files.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"chainwatch/internal/chainlog"
	"chainwatch/internal/config"
	"chainwatch/internal/metrics"
	"chainwatch/internal/pipeline"
)

// HTTPSource accepts raw logs pushed over HTTP and hands them to the pipeline
// one at a time. A request blocks until every log in it has been processed,
// so a slow pipeline slows down its callers instead of queueing.
type HTTPSource struct {
	cfg        config.HTTPSourceConfig
	logger     *slog.Logger
	deliveries chan pipeline.Delivery
	closed     chan struct{}
	closeOnce  sync.Once
	limiter    *RateLimiter
}

// NewHTTPSource creates a push source.
func NewHTTPSource(cfg config.HTTPSourceConfig, logger *slog.Logger) *HTTPSource {
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = 10 * 1024 * 1024
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 1000
	}
	s := &HTTPSource{
		cfg:        cfg,
		logger:     logger.With("component", "http_source"),
		deliveries: make(chan pipeline.Delivery),
		closed:     make(chan struct{}),
	}
	if cfg.RateLimit.Enabled {
		s.limiter = NewRateLimiter(cfg.RateLimit, s.logger)
	}
	return s
}

// Next blocks until a pushed log arrives.
func (s *HTTPSource) Next(ctx context.Context) (pipeline.Delivery, error) {
	select {
	case d := <-s.deliveries:
		return d, nil
	case <-s.closed:
		return pipeline.Delivery{}, io.EOF
	case <-ctx.Done():
		return pipeline.Delivery{}, ctx.Err()
	}
}

// Close stops accepting pushes. Next reports io.EOF afterwards.
func (s *HTTPSource) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.limiter != nil {
			s.limiter.Stop()
		}
	})
}

// PushRequest is the request body for log ingestion.
type PushRequest struct {
	Logs []chainlog.RawLog `json:"logs"`
}

// PushResponse is the response for log ingestion.
type PushResponse struct {
	Success   bool     `json:"success"`
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

type outcome struct {
	index int
	err   error
}

// HandleLogs handles POST on the configured path.
func (s *HTTPSource) HandleLogs(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxPayload))
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	var req PushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), requestID)
		return
	}
	if len(req.Logs) == 0 {
		respondError(w, http.StatusBadRequest, "no logs provided", requestID)
		return
	}
	if len(req.Logs) > s.cfg.MaxBatch {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", s.cfg.MaxBatch), requestID)
		return
	}

	results := make(chan outcome, len(req.Logs))
	sent := 0
	for i, l := range req.Logs {
		idx := i
		d := pipeline.Delivery{
			Log:  l,
			Done: func(err error) { results <- outcome{index: idx, err: err} },
		}
		if !s.send(r.Context(), d) {
			break
		}
		sent++
	}

	var (
		accepted, rejected int
		unavailable        bool
		errs               []string
	)
	for range sent {
		var o outcome
		select {
		case o = <-results:
		case <-r.Context().Done():
			s.logger.Warn("client went away before processing finished", "request_id", requestID)
			return
		}
		var decodeErr *chainlog.DecodeError
		switch {
		case o.err == nil:
			accepted++
		case errors.As(o.err, &decodeErr):
			rejected++
			errs = append(errs, fmt.Sprintf("log[%d]: %s", o.index, o.err))
		case errors.Is(o.err, pipeline.ErrAbandoned):
			rejected++
			unavailable = true
			errs = append(errs, fmt.Sprintf("log[%d]: not processed", o.index))
		default:
			// Evaluated, but a rule or sink failed. The pipeline logs those.
			accepted++
		}
	}
	if sent < len(req.Logs) {
		unavailable = true
		rejected += len(req.Logs) - sent
	}

	resp := PushResponse{
		Success:   rejected == 0,
		Accepted:  accepted,
		Rejected:  rejected,
		Errors:    errs,
		RequestID: requestID,
	}

	status := http.StatusOK
	switch {
	case unavailable:
		status = http.StatusServiceUnavailable
	case accepted == 0 && rejected > 0:
		status = http.StatusBadRequest
	case rejected > 0:
		status = http.StatusMultiStatus
	}
	respondJSON(w, status, resp)
}

// send hands d to the pipeline. It reports false when the request or the
// source went away first.
func (s *HTTPSource) send(ctx context.Context, d pipeline.Delivery) bool {
	select {
	case s.deliveries <- d:
		return true
	case <-s.closed:
		return false
	case <-ctx.Done():
		return false
	}
}

// HandleHealth handles GET /healthz.
func (s *HTTPSource) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	select {
	case <-s.closed:
		status = "closed"
		code = http.StatusServiceUnavailable
	default:
	}
	respondJSON(w, code, map[string]string{"status": status})
}

// Handler returns the routes of the push source wrapped in its middleware.
func (s *HTTPSource) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.HandleLogs)
	mux.HandleFunc("/healthz", s.HandleHealth)
	return WithMiddleware(mux, s.cfg, s.limiter, s.logger)
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
	metrics.HTTPRequests.WithLabelValues(strconv.Itoa(status)).Inc()
}

// respondError writes an error response.
func respondError(w http.ResponseWriter, status int, message, requestID string) {
	respondJSON(w, status, PushResponse{
		Success:   false,
		Errors:    []string{message},
		RequestID: requestID,
	})
}
