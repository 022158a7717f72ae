package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := parseLevel(tc.in); got != tc.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestConsoleWriterPath(t *testing.T) {
	dir := t.TempDir()

	w := Config{Dir: dir}.ConsoleWriter("worker")
	if w == nil {
		t.Fatal("writer nil with Dir set")
	}
	if _, err := w.Write([]byte("line\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "worker.console.log"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "line") {
		t.Fatalf("content %q", b)
	}
}

func TestConsoleWriterNilWithoutDestination(t *testing.T) {
	if w := (Config{}).ConsoleWriter("worker"); w != nil {
		t.Fatal("writer must be nil when no destination is configured")
	}
}

func TestConsoleWriterExplicitPathWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.log")
	w := Config{Dir: filepath.Join(dir, "ignored"), Path: path}.ConsoleWriter("worker")
	if _, err := w.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	_ = w.Close()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("explicit path not used: %v", err)
	}
}
