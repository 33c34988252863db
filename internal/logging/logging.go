// Package logging configures the scheduler's single process-wide slog
// logger.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// level is shared with every logger returned by Init so that the
// set_verbosity command (§4.8) can adjust log level at runtime without
// rebuilding handlers.
var level = new(slog.LevelVar)

// Init configures the default slog logger for the named scheduler
// instance. JSON output if CYCLESCHED_JSON_LOG is 1/true/json, text
// otherwise. Initial level comes from CYCLESCHED_LOG_LEVEL.
func Init(service string) *slog.Logger {
	level.Set(levelFromEnv())
	mode := strings.ToLower(os.Getenv("CYCLESCHED_JSON_LOG"))
	var handler slog.Handler
	opts := &slog.HandlerOptions{AddSource: false, Level: level}
	if mode == "1" || mode == "true" || mode == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", mode == "1" || mode == "true" || mode == "json", "level", level.Level())
	return logger
}

// SetLevel changes the active log level at runtime; backs the
// set_verbosity command.
func SetLevel(l slog.Level) { level.Set(l) }

func levelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv("CYCLESCHED_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps a user-facing verbosity token (as accepted by the
// set_verbosity command) to a slog.Level.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return 0, false
	}
}
