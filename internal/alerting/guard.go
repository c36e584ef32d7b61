package alerting

import (
	"sync"
	"time"

	"chainwatch/internal/detection"
)

// Guard suppresses repeats of the same rule and fingerprint within a cooldown.
// Entries older than the cooldown are replaced on lookup, and a full sweep of
// expired entries runs at most once per cooldown, so memory is bounded by the
// fingerprints seen in one window. State is lost on restart.
type Guard struct {
	cooldown time.Duration
	now      func() time.Time

	mu        sync.Mutex
	seen      map[string]time.Time
	lastSweep time.Time
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		g.now = now
	}
}

// NewGuard creates a guard. A zero cooldown admits everything.
func NewGuard(cooldown time.Duration, opts ...GuardOption) *Guard {
	g := &Guard{
		cooldown: cooldown,
		now:      time.Now,
		seen:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit reports whether alert should be emitted and records it if so.
func (g *Guard) Admit(alert detection.Alert) bool {
	if g.cooldown <= 0 {
		return true
	}
	key := alert.RuleID + "|" + alert.Fingerprint
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Sub(g.lastSweep) >= g.cooldown {
		for k, t := range g.seen {
			if now.Sub(t) >= g.cooldown {
				delete(g.seen, k)
			}
		}
		g.lastSweep = now
	}

	if last, ok := g.seen[key]; ok && now.Sub(last) < g.cooldown {
		return false
	}
	g.seen[key] = now
	return true
}

// Len returns the number of tracked fingerprints.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
