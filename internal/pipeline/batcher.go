package pipeline

import (
	"time"

	"chainwatch/internal/chainlog"
)

// Batcher groups consecutive events of one transaction into a unit. A group
// is flushed when an event of another transaction arrives, when it reaches
// maxSize, or when window has passed since its first event. It is used from
// a single goroutine.
type Batcher struct {
	maxSize int
	window  time.Duration

	pending Unit
	started time.Time
}

// NewBatcher creates a batcher. A non-positive maxSize means one event per
// unit.
func NewBatcher(maxSize int, window time.Duration) *Batcher {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Batcher{maxSize: maxSize, window: window}
}

// Add appends ev and returns the units that became ready, oldest first.
func (b *Batcher) Add(ev chainlog.LogEvent, done func(error), now time.Time) []Unit {
	var ready []Unit
	if len(b.pending.Events) > 0 && b.pending.Events[0].TxHash != ev.TxHash {
		ready = append(ready, b.take())
	}
	if len(b.pending.Events) == 0 {
		b.started = now
	}
	b.pending.add(ev, done)
	if len(b.pending.Events) >= b.maxSize {
		ready = append(ready, b.take())
	}
	return ready
}

// Deadline returns when the pending group expires. ok is false when nothing
// is pending.
func (b *Batcher) Deadline() (deadline time.Time, ok bool) {
	if len(b.pending.Events) == 0 {
		return time.Time{}, false
	}
	return b.started.Add(b.window), true
}

// Expire flushes the pending group if its window has passed at now.
func (b *Batcher) Expire(now time.Time) (Unit, bool) {
	deadline, ok := b.Deadline()
	if !ok || now.Before(deadline) {
		return Unit{}, false
	}
	return b.take(), true
}

// Flush returns the pending group regardless of its age.
func (b *Batcher) Flush() (Unit, bool) {
	if len(b.pending.Events) == 0 {
		return Unit{}, false
	}
	return b.take(), true
}

// Pending returns the number of buffered events.
func (b *Batcher) Pending() int {
	return len(b.pending.Events)
}

func (b *Batcher) take() Unit {
	u := b.pending
	b.pending = Unit{}
	b.started = time.Time{}
	return u
}
