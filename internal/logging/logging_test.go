package logging

import (
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for input, want := range cases {
		if got := parseLevel(input); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestInitReturnsLoggerWithInfoEnabled(t *testing.T) {
	logger := Init("test-service")
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	if !logger.Enabled(nil, slog.LevelInfo) {
		t.Fatal("expected info level enabled by default")
	}
}
