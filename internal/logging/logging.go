// Package logging wires structured log/slog output to both the
// process's stderr handler and the EventBus's log_entry ring buffer
// (spec §4.2), so a ControlApi subscriber can tail the daemon's log the
// same way it tails avrcp_event/mpris_event. Grounded on
// ampli-pi4/cmd/amplipi/main.go's slog.SetDefault(slog.New(...)) setup,
// generalized with a second handler that republishes every record.
package logging

import (
	"context"
	"io"
	"log/slog"

	"github.com/btaudio/btaudiod/internal/eventbus"
	"github.com/btaudio/btaudiod/internal/model"
)

// Entry is the payload published on eventbus.TopicLogEntry.
type Entry struct {
	Time    string `json:"time"`
	Level   string `json:"level"`
	Message string `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// busHandler wraps a slog.Handler, forwarding every record to bus in
// addition to the wrapped handler's own output.
type busHandler struct {
	next slog.Handler
	bus  *eventbus.Bus
}

// Wrap returns a handler that writes through to next and republishes
// every record to bus as a log_entry event.
func Wrap(next slog.Handler, bus *eventbus.Bus) slog.Handler {
	return &busHandler{next: next, bus: bus}
}

func (h *busHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *busHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]any, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	h.bus.Publish(eventbus.TopicLogEntry, Entry{
		Time:    r.Time.Format("2006-01-02T15:04:05.000Z07:00"),
		Level:   r.Level.String(),
		Message: r.Message,
		Attrs:   attrs,
	})
	return h.next.Handle(ctx, r)
}

func (h *busHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &busHandler{next: h.next.WithAttrs(attrs), bus: h.bus}
}

func (h *busHandler) WithGroup(name string) slog.Handler {
	return &busHandler{next: h.next.WithGroup(name), bus: h.bus}
}

// New builds the process-wide *slog.Logger: a JSON handler over w at
// level, wrapped so every record also lands on bus's log_entry ring.
// level is a *slog.LevelVar rather than a fixed slog.Level so a
// GlobalSettings.log_level change can be applied live (spec §6's one
// field that reloads without a restart) by mutating it in place.
func New(w io.Writer, level *slog.LevelVar, bus *eventbus.Bus) *slog.Logger {
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(Wrap(base, bus))
}

// LevelFor maps a GlobalSettings.LogLevel to its slog.Level.
func LevelFor(l model.LogLevel) slog.Level {
	switch l {
	case model.LogDebug:
		return slog.LevelDebug
	case model.LogWarning:
		return slog.LevelWarn
	case model.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
