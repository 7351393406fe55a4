package logctx

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// Redacted replaces the value of sensitive attributes when PII logging is off.
const Redacted = "[redacted]"

// sensitive lists attribute keys that may carry tokens or personal data.
var sensitive = map[string]struct{}{
	"token":         {},
	"id_token":      {},
	"access_token":  {},
	"refresh_token": {},
	"code":          {},
	"claims":        {},
	"sub":           {},
	"nonce":         {},
	"state":         {},
	"upn":           {},
	"email":         {},
}

// Handler decorates records with request data from the context, drops records
// below Level and, when NoPII is set, redacts sensitive attributes.
type Handler struct {
	slog.Handler
	Level slog.Leveler
	NoPII bool
}

// New wraps base (slog.Default() when nil) in a Handler and returns a logger.
func New(base *slog.Logger, level slog.Leveler, noPII bool) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if level == nil {
		level = slog.LevelInfo
	}
	return slog.New(Handler{Handler: base.Handler(), Level: level, NoPII: noPII})
}

func (h Handler) Enabled(ctx context.Context, l slog.Level) bool {
	if h.Level != nil && l < h.Level.Level() {
		return false
	}
	return h.Handler.Enabled(ctx, l)
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redact(a))
		return true
	})

	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		out.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("path", rd.Path),
			slog.String("remote_addr", rd.RemoteAddr),
		))
	}

	return h.Handler.Handle(ctx, out)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	red := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		red[i] = h.redact(a)
	}
	return Handler{Handler: h.Handler.WithAttrs(red), Level: h.Level, NoPII: h.NoPII}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name), Level: h.Level, NoPII: h.NoPII}
}

func (h Handler) redact(a slog.Attr) slog.Attr {
	if !h.NoPII {
		return a
	}
	if _, ok := sensitive[a.Key]; ok {
		return slog.String(a.Key, Redacted)
	}
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		red := make([]any, len(group))
		for i, ga := range group {
			red[i] = h.redact(ga)
		}
		return slog.Group(a.Key, red...)
	}
	return a
}

type requestDataKey struct{}

// RequestData is attached to every record logged with a context carrying it.
type RequestData struct {
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
}

// WithRequestData returns a context carrying data.
func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

// WithRequest derives RequestData from r unless r's context already has some.
// The X-Request-Id header is reused when present.
func WithRequest(r *http.Request) context.Context {
	ctx := r.Context()
	if _, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		return ctx
	}
	id := r.Header.Get("X-Request-Id")
	if id == "" {
		id = uuid.NewString()
	}
	return WithRequestData(ctx, &RequestData{
		RequestID:  id,
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
	})
}
