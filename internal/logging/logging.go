// Package logging provides the structured logger shared by every binary in this repo.
package logging

import (
	"log/slog"
	"os"
)

// Init builds the process-wide default logger for service, honoring
// AIFLOW_JSON_LOG (JSON output unless it is set to "false", which selects text)
// and AIFLOW_LOG_LEVEL (debug|info|warn|error, default info).
func Init(service string) *slog.Logger {
	level := parseLevel(os.Getenv("AIFLOW_LOG_LEVEL"))

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if os.Getenv("AIFLOW_JSON_LOG") == "false" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(v string) slog.Level {
	switch v {
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
