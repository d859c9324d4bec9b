package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// PrivacyAttrKeys are attribute keys whose string values are masked before
// they reach the output.
var PrivacyAttrKeys = []string{
	"password",
	"token",
	"access_token",
	"refresh_token",
	"authorization",
	"secretkey",
	"accesskey",
}

// Options configures NewHandler.
type Options struct {
	Level     slog.Leveler
	AddSource bool
	JSON      bool
}

// ParseLevel maps debug/info/warn/error to a slog level. Unknown names are
// treated as info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewHandler returns a slog handler that masks secrets and appends the trace
// id of the record's span.
func NewHandler(w io.Writer, o Options) slog.Handler {
	sets := make(map[string]struct{}, len(PrivacyAttrKeys))
	for _, v := range PrivacyAttrKeys {
		sets[v] = struct{}{}
	}
	lvl := o.Level
	if lvl == nil {
		lvl = slog.LevelInfo
	}
	opt := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: o.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String(slog.TimeKey, a.Value.Time().Format("2006-01-02 15:04:05"))
			}
			if _, ok := sets[strings.ToLower(a.Key)]; ok && a.Value.Kind() == slog.KindString {
				return slog.String(a.Key, Mask(a.Value.String()))
			}
			return a
		},
	}
	var h slog.Handler
	if o.JSON {
		h = slog.NewJSONHandler(w, opt)
	} else {
		h = slog.NewTextHandler(w, opt)
	}
	return &traceHandler{Handler: h}
}

// New is shorthand for slog.New(NewHandler(w, o)).
func New(w io.Writer, o Options) *slog.Logger {
	return slog.New(NewHandler(w, o))
}

// Mask hides the middle third of s. Values shorter than three runes keep
// only their first rune.
func Mask(s string) string {
	p := []rune(s)
	n := len(p)
	if n == 0 {
		return s
	}
	if n < 3 {
		return string(p[0]) + "*"
	}
	start := n / 3
	for i := start; i < n-start; i++ {
		p[i] = '*'
	}
	return string(p)
}

type traceHandler struct {
	slog.Handler
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	span := trace.SpanContextFromContext(ctx)
	if span.IsValid() {
		r.AddAttrs(slog.String("traceid", span.TraceID().String()))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithGroup(name)}
}
