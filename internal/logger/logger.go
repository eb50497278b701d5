// Package logger wraps charmbracelet/log behind a process-wide default logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	charm "github.com/charmbracelet/log"
)

// defaultLogger is the global default logger stored atomically.
var defaultLogger atomic.Value

func init() {
	defaultLogger.Store(charm.NewWithOptions(os.Stderr, charm.Options{ReportTimestamp: false}))
}

// Default returns the global default logger.
func Default() *charm.Logger {
	return defaultLogger.Load().(*charm.Logger)
}

// SetDefault sets a new global default logger.
func SetDefault(l *charm.Logger) {
	if l != nil {
		defaultLogger.Store(l)
	}
}

// Options configures the default logger.
type Options struct {
	Level string
	File  string
}

// Configure builds a logger from opts and installs it as the default.
// The returned closer releases the log file, if one was opened.
func Configure(opts Options) (io.Closer, error) {
	var (
		w      io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)

	switch opts.File {
	case "", "/dev/stderr":
	case "/dev/stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(opts.File, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w, closer = f, f
	}

	level := strings.ToLower(strings.TrimSpace(opts.Level))
	if level == "off" {
		w = io.Discard
		level = ""
	}
	if level == "" {
		level = "info"
	}
	parsed, err := charm.ParseLevel(level)
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	SetDefault(charm.NewWithOptions(w, charm.Options{Level: parsed, ReportTimestamp: false}))
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// With returns a child of the default logger carrying keyvals.
func With(keyvals ...any) *charm.Logger { return Default().With(keyvals...) }

func Debug(msg string, keyvals ...any) { Default().Debug(msg, keyvals...) }

func Info(msg string, keyvals ...any) { Default().Info(msg, keyvals...) }

func Warn(msg string, keyvals ...any) { Default().Warn(msg, keyvals...) }

func Error(msg string, keyvals ...any) { Default().Error(msg, keyvals...) }
