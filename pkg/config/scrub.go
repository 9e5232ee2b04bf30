package config

import (
	"context"
	"log/slog"
	"strings"
)

// ScrubbingHandler wraps a slog.Handler and substitutes every occurrence
// of a configured secret in attribute values (and the message) with an
// empty string before the record reaches the wrapped handler. This
// runs once at the logging facade rather than at every call site that
// might log a database error.
type ScrubbingHandler struct {
	next   slog.Handler
	secret string
}

// NewScrubbingHandler wraps next, scrubbing secret from every record.
// An empty secret makes this a transparent passthrough.
func NewScrubbingHandler(next slog.Handler, secret string) *ScrubbingHandler {
	return &ScrubbingHandler{next: next, secret: secret}
}

func (h *ScrubbingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *ScrubbingHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.secret == "" {
		return h.next.Handle(ctx, r)
	}
	scrubbed := r.Clone()
	scrubbed.Message = h.scrub(r.Message)
	newRecord := slog.NewRecord(scrubbed.Time, scrubbed.Level, scrubbed.Message, scrubbed.PC)
	r.Attrs(func(a slog.Attr) bool {
		newRecord.AddAttrs(h.scrubAttr(a))
		return true
	})
	return h.next.Handle(ctx, newRecord)
}

func (h *ScrubbingHandler) scrubAttr(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.scrub(v.String()))
	case slog.KindGroup:
		group := v.Group()
		scrubbed := make([]any, len(group))
		for i, ga := range group {
			scrubbed[i] = h.scrubAttr(ga)
		}
		return slog.Group(a.Key, scrubbed...)
	default:
		if s := v.String(); h.secret != "" && strings.Contains(s, h.secret) {
			return slog.String(a.Key, h.scrub(s))
		}
		return a
	}
}

func (h *ScrubbingHandler) scrub(s string) string {
	if h.secret == "" {
		return s
	}
	return strings.ReplaceAll(s, h.secret, "")
}

func (h *ScrubbingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ScrubbingHandler{next: h.next.WithAttrs(attrs), secret: h.secret}
}

func (h *ScrubbingHandler) WithGroup(name string) slog.Handler {
	return &ScrubbingHandler{next: h.next.WithGroup(name), secret: h.secret}
}
