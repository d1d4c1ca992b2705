package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v want %v", in, got, want)
		}
	}
}

func TestNewWithWriter_JSONFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "warn", "json")

	logger.Info("dropped")
	logger.Warn("kept", slog.String("job_id", "abc"))

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info line should be filtered: %s", out)
	}
	if !strings.Contains(out, `"job_id":"abc"`) {
		t.Fatalf("expected json field in output: %s", out)
	}
}

func TestRedact(t *testing.T) {
	in := map[string]any{
		"documentId": "d1",
		"password":   "hunter2",
		"nested":     map[string]any{"refreshToken": "x", "ok": 1},
	}
	out := Redact(in)

	if out["password"] != "[REDACTED]" {
		t.Fatalf("password not redacted: %v", out["password"])
	}
	nested := out["nested"].(map[string]any)
	if nested["refreshToken"] != "[REDACTED]" || nested["ok"] != 1 {
		t.Fatalf("unexpected nested redaction: %v", nested)
	}
	if in["password"] != "hunter2" {
		t.Fatalf("input map must not be mutated")
	}
}
