// Package observability carries routekeeper's structured events and leveled
// logging. The core components consume the Sink interface only; the bus,
// metrics, and tracing wiring behind it are optional. A sink failure is never
// allowed to fail the operation that emitted the event.
package observability

import (
	"context"
	"io"
	"log/slog"
)

// Sink receives structured events and leveled log lines from the core
// components. EmitEvent is semantically non-blocking; implementations must
// not stall the routing path. Sinks never receive key material.
type Sink interface {
	EmitEvent(e Event) error
	Log(level slog.Level, msg string, attrs ...slog.Attr)
}

// BusSink publishes events to a Bus and logs through a redacting slog logger.
type BusSink struct {
	bus    *Bus
	logger *slog.Logger
}

// NewBusSink builds a Sink over the given bus and logger. A nil logger
// falls back to slog.Default().
func NewBusSink(bus *Bus, logger *slog.Logger) *BusSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &BusSink{bus: bus, logger: logger}
}

// EmitEvent publishes e on the bus. Publishing is non-blocking and never
// fails; the error return exists to satisfy Sink for fallible sinks.
func (s *BusSink) EmitEvent(e Event) error {
	s.bus.Publish(e)
	return nil
}

// Log writes a leveled, redacted log line.
func (s *BusSink) Log(level slog.Level, msg string, attrs ...slog.Attr) {
	s.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// Bus exposes the underlying bus for subscribers (metrics, SSE handlers).
func (s *BusSink) Bus() *Bus { return s.bus }

// NopSink discards all events and logs. Useful as a default so components
// never need nil checks on their sink.
type NopSink struct{}

func (NopSink) EmitEvent(Event) error                { return nil }
func (NopSink) Log(slog.Level, string, ...slog.Attr) {}

// NewTestSink returns a BusSink over a fresh bus with logging discarded,
// for tests that assert on emitted events.
func NewTestSink() *BusSink {
	logger := slog.New(NewRedactingHandler(slog.NewJSONHandler(io.Discard, nil)))
	return NewBusSink(NewBus(), logger)
}

// EmitOrWarn publishes e and downgrades any emission failure to a warning
// log line. Event emission must never fail the calling operation.
func EmitOrWarn(s Sink, e Event) {
	if err := s.EmitEvent(e); err != nil {
		s.Log(slog.LevelWarn, "event emission failed",
			slog.String("event_type", string(e.Type)),
			slog.String("error", err.Error()),
		)
	}
}
