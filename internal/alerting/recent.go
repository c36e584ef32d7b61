package alerting

import (
	"context"
	"sync"

	"chainwatch/internal/detection"
)

// DefaultRecentSize is the number of alerts a RecentSink keeps by default.
const DefaultRecentSize = 200

// RecentSink keeps the last N delivered alerts in memory for the status API.
type RecentSink struct {
	mu    sync.RWMutex
	buf   []detection.Alert
	next  int
	full  bool
	total uint64
}

// NewRecentSink creates a sink holding up to size alerts.
func NewRecentSink(size int) *RecentSink {
	if size < 1 {
		size = DefaultRecentSize
	}
	return &RecentSink{buf: make([]detection.Alert, size)}
}

func (r *RecentSink) Name() string {
	return "recent"
}

func (r *RecentSink) Deliver(_ context.Context, alert detection.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = alert
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.total++
	return nil
}

// Recent returns up to limit alerts, newest first. A non-positive limit
// returns everything held.
func (r *RecentSink) Recent(limit int) []detection.Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.next
	if r.full {
		n = len(r.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]detection.Alert, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// Total returns the number of alerts delivered since start.
func (r *RecentSink) Total() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}
