package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "INFO": slog.LevelInfo, "warn": slog.LevelWarn, "error": slog.LevelError}
	for in, want := range cases {
		got, ok := ParseLevel(in)
		if !ok || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, ok)
		}
	}
	if _, ok := ParseLevel("loud"); ok {
		t.Fatalf("expected unknown level to report !ok")
	}
}

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New("warn", "json", &buf)
	l.Info("hidden")
	l.Warn("shown", "tenant", "t1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["msg"] != "shown" || rec["tenant"] != "t1" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestNewWarnsOnUnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	_ = New("loud", "text", &buf)
	if !strings.Contains(buf.String(), "invalid log level") {
		t.Fatalf("expected warning, got %q", buf.String())
	}
}
