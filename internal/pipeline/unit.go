package pipeline

import (
	"context"
	"io"

	"chainwatch/internal/chainlog"
)

// Delivery is one raw log handed over by a Source. Done, when set, is called
// exactly once after the log has been processed or dropped; a source uses it
// to acknowledge the record upstream.
type Delivery struct {
	Log  chainlog.RawLog
	Done func(error)
}

// Source yields raw logs. Next blocks until a log is available and returns
// io.EOF when the source is exhausted.
type Source interface {
	Next(ctx context.Context) (Delivery, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Delivery, error)

func (f SourceFunc) Next(ctx context.Context) (Delivery, error) { return f(ctx) }

// SliceSource replays a fixed list of raw logs, then reports io.EOF.
type SliceSource struct {
	logs []chainlog.RawLog
	pos  int
}

// NewSliceSource creates a source over logs.
func NewSliceSource(logs ...chainlog.RawLog) *SliceSource {
	return &SliceSource{logs: logs}
}

func (s *SliceSource) Next(ctx context.Context) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return Delivery{}, err
	}
	if s.pos >= len(s.logs) {
		return Delivery{}, io.EOF
	}
	l := s.logs[s.pos]
	s.pos++
	return Delivery{Log: l}, nil
}

// Unit is one evaluation unit: a single event, or the ordered events of one
// transaction when batching is enabled.
type Unit struct {
	Events []chainlog.LogEvent
	done   []func(error)
}

// NewUnit creates a unit without completion callbacks.
func NewUnit(events ...chainlog.LogEvent) Unit {
	return Unit{Events: events}
}

func (u *Unit) add(ev chainlog.LogEvent, done func(error)) {
	u.Events = append(u.Events, ev)
	if done != nil {
		u.done = append(u.done, done)
	}
}

// complete acknowledges every delivery folded into the unit.
func (u Unit) complete(err error) {
	for _, fn := range u.done {
		fn(err)
	}
}
