// Package logging builds the process-wide slog.Logger. File output is
// rotated with lumberjack so long-running loops never fill a disk.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/perpdex/syncd/internal/config"
)

// New returns a logger tagged with the service name. Invalid settings are
// configuration errors and abort startup.
func New(service string, cfg *config.Config) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	writer, err := openWriter(service, cfg)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.Log.Format)) {
	case "", "text":
		handler = slog.NewTextHandler(writer, opts)
	case "json":
		handler = slog.NewJSONHandler(writer, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q (expected text|json)", cfg.Log.Format)
	}

	return slog.New(handler).With("service", service), nil
}

func openWriter(service string, cfg *config.Config) (io.Writer, error) {
	output := strings.ToLower(strings.TrimSpace(cfg.Log.Output))
	if output == "" {
		output = "console"
	}

	switch output {
	case "console":
		return os.Stdout, nil
	case "file":
		return rotatingFile(service, cfg.Log.FilePath), nil
	case "both":
		return io.MultiWriter(os.Stdout, rotatingFile(service, cfg.Log.FilePath)), nil
	default:
		return nil, fmt.Errorf("invalid log output %q (expected console|file|both)", cfg.Log.Output)
	}
}

func rotatingFile(service, path string) io.Writer {
	if strings.TrimSpace(path) == "" {
		path = "logs/" + service + ".log"
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", raw)
	}
}
