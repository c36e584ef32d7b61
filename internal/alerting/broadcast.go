package alerting

import (
	"context"
	"sync"

	"chainwatch/internal/detection"
)

const subscriberBuffer = 64

// Broadcaster fans delivered alerts out to live subscribers. Slow
// subscribers drop alerts rather than block delivery.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[chan detection.Alert]struct{}
	dropped uint64
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan detection.Alert]struct{})}
}

func (b *Broadcaster) Name() string {
	return "broadcast"
}

func (b *Broadcaster) Deliver(_ context.Context, alert detection.Alert) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- alert:
		default:
			b.dropped++
		}
	}
	return nil
}

// Subscribe registers a subscriber. The returned cancel func must be
// called to release it; the channel is closed afterwards.
func (b *Broadcaster) Subscribe() (<-chan detection.Alert, func()) {
	ch := make(chan detection.Alert, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many alerts were skipped for full subscribers.
func (b *Broadcaster) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
