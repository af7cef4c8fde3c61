package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// SetupLogging installs the global slog logger for args. Samples own
// stdout, so records go to stderr, or only to the --log file when one is
// given. The returned file, if any, must be closed by the caller.
func SetupLogging(args Args) (*os.File, error) {
	var w io.Writer = os.Stderr
	var logFile *os.File
	if args.Log != "" {
		f, err := os.OpenFile(args.Log, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		logFile, w = f, f
	}

	slog.SetDefault(slog.New(newHandler(w, args)))
	return logFile, nil
}

// newHandler matches the log format to the output mode: JSON records next
// to JSON samples, key=value text otherwise.
func newHandler(w io.Writer, args Args) slog.Handler {
	level := parseLogLevel(args.LogLevel)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
		// Source paths are long and machine specific, keep file:line.
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				if src, ok := a.Value.Any().(*slog.Source); ok {
					src.File = filepath.Base(src.File)
				}
			}
			return a
		},
	}
	if args.Json {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// parseLogLevel converts string to slog.Level, defaulting to info
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
