package internal

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestHandler_PlainOutput(t *testing.T) {
	var buf bytes.Buffer
	var level slog.LevelVar
	logger := slog.New(NewHandler(&buf, &ColorOptions{Level: &level}))

	logger.With("channel", "en").WithGroup("conn").Info("listener connected",
		"subscriber", "abc",
		"error", errors.New("boom"),
	)

	line := buf.String()
	for _, want := range []string{"INFO", "listener connected", "channel=en", "conn.subscriber=abc", `conn.error="boom"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("output %q missing %q", line, want)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("output to a non-terminal contains escape codes: %q", line)
	}
}

func TestHandler_Level(t *testing.T) {
	var buf bytes.Buffer
	var level slog.LevelVar
	level.Set(slog.LevelWarn)
	logger := slog.New(NewHandler(&buf, &ColorOptions{Level: &level}))

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %q", buf.String())
	}

	level.Set(slog.LevelDebug)
	logger.Debug("shown", "n", 1)
	if !strings.Contains(buf.String(), "shown n=1") {
		t.Fatalf("debug line missing after level change: %q", buf.String())
	}
}
