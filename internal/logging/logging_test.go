package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestMask(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"":           "",
		"a":          "a*",
		"ab":         "a*",
		"abc":        "a*c",
		"abcdef":     "ab**ef",
		"secret-tok": "sec****tok",
		"密码密码密码":     "密码**密码",
	}
	for in, want := range cases {
		assert.Equal(t, want, Mask(in), in)
	}
}

func TestHandler_MasksSecrets(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := New(&buf, Options{JSON: true})
	log.Info("login", slog.String("access_token", "abcdefghi"), slog.String("user", "alice"))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "abc***ghi", rec["access_token"])
	assert.Equal(t, "alice", rec["user"])
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`, rec["time"])
}

func TestHandler_LevelFilter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := New(&buf, Options{Level: slog.LevelWarn})
	log.Info("hidden")
	assert.Empty(t, buf.String())
	log.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestHandler_AddsTraceID(t *testing.T) {
	t.Parallel()
	tid, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	sid, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
	}))

	var buf bytes.Buffer
	log := New(&buf, Options{}).With(slog.String("component", "test"))
	log.InfoContext(ctx, "traced")
	assert.Contains(t, buf.String(), "traceid=4bf92f3577b34da6a3ce929d0e0e4736")
	assert.Contains(t, buf.String(), "component=test")

	buf.Reset()
	log.Info("untraced")
	assert.NotContains(t, buf.String(), "traceid")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}
