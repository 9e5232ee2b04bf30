package config

import (
	"context"
	"log/slog"
)

// recordingHandler is a minimal slog.Handler that records formatted
// messages with their attributes for assertions in tests.
type recordingHandler struct {
	messages []string
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	msg := r.Message
	r.Attrs(func(a slog.Attr) bool {
		msg += " " + a.Key + "=" + a.Value.String()
		return true
	})
	h.messages = append(h.messages, msg)
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func newLoggerForTest(h slog.Handler) *slog.Logger {
	return slog.New(h)
}
