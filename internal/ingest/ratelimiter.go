package ingest

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"chainwatch/internal/config"
	"chainwatch/internal/metrics"
)

// RateLimiter allows RequestsPerIP+BurstSize requests per client in each
// fixed window. Windows start on a client's first request.
type RateLimiter struct {
	limit  int
	window time.Duration
	exempt map[string]struct{}
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window

	done     chan struct{}
	stopOnce sync.Once
}

type window struct {
	used  int
	reset time.Time
}

// NewRateLimiter starts a janitor goroutine when CleanupPeriod is set.
// Call Stop to end it.
func NewRateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		limit:   cfg.RequestsPerIP + cfg.BurstSize,
		window:  cfg.WindowSize,
		exempt:  make(map[string]struct{}, len(cfg.ExemptPaths)),
		logger:  logger,
		now:     time.Now,
		windows: make(map[string]*window),
		done:    make(chan struct{}),
	}
	for _, p := range cfg.ExemptPaths {
		rl.exempt[p] = struct{}{}
	}
	if cfg.CleanupPeriod > 0 {
		go rl.janitor(cfg.CleanupPeriod)
	}
	return rl
}

// Allow consumes one request for client. It returns whether the request
// fits, what is left in the window and when the window resets.
func (rl *RateLimiter) Allow(client string) (ok bool, remaining int, reset time.Time) {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w := rl.windows[client]
	if w == nil || now.After(w.reset) {
		w = &window{reset: now.Add(rl.window)}
		rl.windows[client] = w
	}
	if w.used >= rl.limit {
		return false, 0, w.reset
	}
	w.used++
	return true, rl.limit - w.used, w.reset
}

func (rl *RateLimiter) janitor(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-t.C:
			rl.cleanup()
		}
	}
}

// cleanup forgets clients whose window ended more than a window ago.
func (rl *RateLimiter) cleanup() {
	cutoff := rl.now().Add(-rl.window)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	before := len(rl.windows)
	for c, w := range rl.windows {
		if w.reset.Before(cutoff) {
			delete(rl.windows, c)
		}
	}
	if n := before - len(rl.windows); n > 0 {
		rl.logger.Debug("rate limiter pruned clients", "removed", n, "tracked", len(rl.windows))
	}
}

func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

// TrackedIPs is the number of clients with a live window.
func (rl *RateLimiter) TrackedIPs() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

func rateLimitMiddleware(next http.Handler, rl *RateLimiter, cfg config.RateLimitConfig, logger *slog.Logger) http.Handler {
	limit := strconv.Itoa(rl.limit)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, skip := rl.exempt[r.URL.Path]; skip {
			next.ServeHTTP(w, r)
			return
		}
		ip := getClientIP(r, cfg.TrustProxy)
		ok, remaining, reset := rl.Allow(ip)

		h := w.Header()
		h.Set("X-RateLimit-Limit", limit)
		h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		metrics.HTTPRateLimited.Inc()
		logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path)
		wait := int(time.Until(reset).Seconds()) + 1
		h.Set("Retry-After", strconv.Itoa(wait))
		respondError(w, http.StatusTooManyRequests, "too many requests", "")
	})
}

// getClientIP honours X-Forwarded-For and X-Real-IP only behind a
// trusted proxy.
func getClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
		if real := r.Header.Get("X-Real-IP"); real != "" {
			return real
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
