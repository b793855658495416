package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestWithContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	old := Logger
	Logger = slog.New(slog.NewTextHandler(&buf, nil))
	defer func() { Logger = old }()

	ctx := ContextWithRunID(context.Background(), "run-1234")
	ctx = ContextWithDevice(ctx, "router_a")

	WithContext(ctx).Warn("poll result skipped", "ts", 1345125600)

	out := buf.String()
	if !strings.Contains(out, "run_id=run-1234") {
		t.Errorf("run_id missing from output: %s", out)
	}
	if !strings.Contains(out, "device=router_a") {
		t.Errorf("device missing from output: %s", out)
	}

	// A bare context adds nothing.
	buf.Reset()
	WithContext(context.Background()).Info("started")
	if strings.Contains(buf.String(), "run_id") || strings.Contains(buf.String(), "device") {
		t.Errorf("unexpected attrs on bare context: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
