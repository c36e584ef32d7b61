package ingest

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"chainwatch/internal/config"
)

type middleware func(http.Handler) http.Handler

// WithMiddleware wraps handler so that requests pass, in order, through
// panic recovery, access logging, rate limiting and API key checks. A nil
// limiter disables rate limiting.
func WithMiddleware(handler http.Handler, cfg config.HTTPSourceConfig, limiter *RateLimiter, logger *slog.Logger) http.Handler {
	chain := []middleware{
		func(h http.Handler) http.Handler { return recoverPanics(h, logger) },
		func(h http.Handler) http.Handler { return logRequests(h, logger) },
	}
	if limiter != nil {
		chain = append(chain, func(h http.Handler) http.Handler {
			return rateLimitMiddleware(h, limiter, cfg.RateLimit, logger)
		})
	}
	if cfg.Auth.Enabled {
		chain = append(chain, func(h http.Handler) http.Handler { return requireAPIKey(h, cfg.Auth) })
	}

	for i := len(chain) - 1; i >= 0; i-- {
		handler = chain[i](handler)
	}
	return handler
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr)
	})
}

// requireAPIKey rejects requests without a configured key. Health and
// metrics stay open for health checks.
func requireAPIKey(next http.Handler, cfg config.AuthConfig) http.Handler {
	keys := make([][]byte, len(cfg.APIKeys))
	for i, k := range cfg.APIKeys {
		keys[i] = []byte(k)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz", "/metrics":
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get(cfg.APIKeyHeader)
		switch {
		case got == "":
			respondError(w, http.StatusUnauthorized, "missing API key", "")
		case !validKey(keys, []byte(got)):
			respondError(w, http.StatusUnauthorized, "invalid API key", "")
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// validKey compares against every key so timing does not reveal which
// one matched.
func validKey(keys [][]byte, candidate []byte) bool {
	match := 0
	for _, k := range keys {
		match |= subtle.ConstantTimeCompare(k, candidate)
	}
	return match == 1
}

func recoverPanics(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				logger.Error("panic in http handler", "panic", v, "path", r.URL.Path)
				respondError(w, http.StatusInternalServerError, "internal server error", "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
