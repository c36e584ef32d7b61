// Package status serves the daemon's operational endpoints: Prometheus
// metrics, health, pipeline statistics, recent alerts and a live alert
// stream over websocket.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chainwatch/internal/detection"
	"chainwatch/internal/pipeline"
	"chainwatch/internal/registry"
)

// StatsSource reports pipeline counters.
type StatsSource interface {
	Stats() pipeline.Stats
}

// AlertLog returns recently delivered alerts, newest first.
type AlertLog interface {
	Recent(limit int) []detection.Alert
	Total() uint64
}

// Info describes the running process.
type Info struct {
	Version string   `json:"version"`
	Source  string   `json:"source"`
	ChainID uint64   `json:"chain_id"`
	Sinks   []string `json:"sinks"`
	Rules   []string `json:"rules"`
}

// Server exposes the status endpoints.
type Server struct {
	info      Info
	stats     StatsSource
	registry  *registry.Registry
	alerts    AlertLog
	feed      AlertFeed
	guardSize func() int
	logger    *slog.Logger
	startTime time.Time
	now       func() time.Time
}

// New creates a status server. alerts and guardSize may be nil.
func New(info Info, stats StatsSource, reg *registry.Registry, alerts AlertLog, guardSize func() int, logger *slog.Logger) *Server {
	return &Server{
		info:      info,
		stats:     stats,
		registry:  reg,
		alerts:    alerts,
		guardSize: guardSize,
		logger:    logger.With("component", "status"),
		startTime: time.Now(),
		now:       time.Now,
	}
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Info
	Healthy       bool           `json:"healthy"`
	HealthStatus  string         `json:"health_status"`
	StatusReason  string         `json:"status_reason,omitempty"`
	Pipeline      pipeline.Stats `json:"pipeline"`
	AlertsTotal   uint64         `json:"alerts_total"`
	GuardEntries  int            `json:"guard_entries"`
	Protocols     []string       `json:"protocols"`
	Addresses     int            `json:"addresses"`
	RegistryAt    time.Time      `json:"registry_loaded_at"`
	Uptime        string         `json:"uptime"`
	UptimeSeconds int            `json:"uptime_seconds"`
}

// AlertsResponse is the body of GET /api/alerts.
type AlertsResponse struct {
	Alerts     []detection.Alert `json:"alerts"`
	TotalCount uint64            `json:"total_count"`
}

// Handler returns the status routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	mux.HandleFunc("GET /api/alerts/stream", s.handleStream)
	return mux
}

// Serve runs an HTTP server on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	return ListenAndServe(ctx, addr, s.Handler(), s.logger)
}

func (s *Server) health() (bool, string, string) {
	if !s.registry.Loaded() {
		return false, "starting", "protocol registry not loaded"
	}
	return true, "healthy", ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ok, status, reason := s.health()
	code := http.StatusOK
	if !ok {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]string{"status": status, "reason": reason})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ok, status, reason := s.health()
	snap := s.registry.Snapshot()
	uptime := s.now().Sub(s.startTime).Truncate(time.Second)

	resp := StatsResponse{
		Info:          s.info,
		Healthy:       ok,
		HealthStatus:  status,
		StatusReason:  reason,
		Pipeline:      s.stats.Stats(),
		Protocols:     snap.Protocols(),
		Addresses:     snap.Len(),
		RegistryAt:    snap.LoadedAt,
		Uptime:        uptime.String(),
		UptimeSeconds: int(uptime.Seconds()),
	}
	if s.alerts != nil {
		resp.AlertsTotal = s.alerts.Total()
	}
	if s.guardSize != nil {
		resp.GuardEntries = s.guardSize()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	resp := AlertsResponse{Alerts: []detection.Alert{}}
	if s.alerts != nil {
		resp.Alerts = s.alerts.Recent(limit)
		resp.TotalCount = s.alerts.Total()
	}
	respondJSON(w, http.StatusOK, resp)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ListenAndServe serves handler on addr and shuts the server down
// gracefully when ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
		return err
	}
	return nil
}
