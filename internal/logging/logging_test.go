package logging

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
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeToken(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "****"},
		{"short", "****"},
		{"12345678", "****"},
		{"abcd1234efgh5678", "abcd...5678"},
	}
	for _, tt := range tests {
		if got := SanitizeToken(tt.in); got != tt.want {
			t.Errorf("SanitizeToken(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizePath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		t.Skip("no home directory")
	}
	if got := SanitizePath(filepath.Join(home, "exports", "a.mp4")); !strings.HasPrefix(got, "~") {
		t.Errorf("SanitizePath = %q, want ~ prefix", got)
	}
	if got := SanitizePath("/opt/render/a.mp4"); got != "/opt/render/a.mp4" && !strings.HasPrefix(home, "/opt/render") {
		t.Errorf("SanitizePath changed an unrelated path: %q", got)
	}
}

func TestNewFileLogger_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "render.log")
	logger, closer, err := NewFileLogger("info", path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	WithExportID(logger, "exp-1").Info("export complete")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"export_id":"exp-1"`) {
		t.Errorf("log file = %s, want export_id attribute", data)
	}
}

func TestNewFileLogger_NoPath(t *testing.T) {
	logger, closer, err := NewFileLogger("warn", "")
	if err != nil || logger == nil || closer == nil {
		t.Fatalf("NewFileLogger(\"\") = %v, %v, %v", logger, closer, err)
	}
	if err := closer.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
