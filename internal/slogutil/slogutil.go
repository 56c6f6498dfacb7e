package slogutil

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LevelSilent is above every standard level.
const LevelSilent = slog.Level(100)

// Format names accepted by Setup
const (
	FormatText = "text"
	FormatJSON = "json"
)

// NewLogger creates a line-format logger.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(NewLineHandler(w, &LineOptions{Level: level}))
}

// NewDiscardLogger creates a logger that drops everything.
func NewDiscardLogger() *slog.Logger {
	return slog.New(NewLineHandler(io.Discard, &LineOptions{Level: LevelSilent}))
}

// NewHandler creates a handler in the named format.
func NewHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	if strings.EqualFold(format, FormatJSON) {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return NewLineHandler(w, &LineOptions{Level: level})
}

// LevelFromString converts debug, info, warn or error (any case) to a level.
// Anything else is info.
func LevelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "silent", "off":
		return LevelSilent
	default:
		return slog.LevelInfo
	}
}

// LevelFromVerbosity maps -q and repeated -v to a level. Without flags only
// warnings and errors are shown.
func LevelFromVerbosity(verbosity int, quiet bool) slog.Level {
	if quiet {
		return LevelSilent
	}
	switch verbosity {
	case 0:
		return slog.LevelWarn
	case 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// Options describes where logs go.
type Options struct {
	Level      slog.Level
	Format     string
	File       string
	MaxSize    string
	MaxBackups int
	// Stderr also writes to standard error when File is set
	Stderr bool
}

// Setup builds a logger from opts. The returned closer releases the log
// file, if any, and is never nil.
func Setup(opts Options) (*slog.Logger, io.Closer, error) {
	if opts.File == "" {
		return slog.New(NewHandler(os.Stderr, opts.Format, opts.Level)), nopCloser{}, nil
	}

	w, err := OpenLogFile(opts.File, opts.MaxSize, opts.MaxBackups)
	if err != nil {
		return nil, nil, err
	}
	h := NewHandler(w, opts.Format, opts.Level)
	if opts.Stderr {
		h = NewTeeHandler(h, NewLineHandler(os.Stderr, &LineOptions{Level: opts.Level, LocalTime: true}))
	}
	return slog.New(h), w, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// TeeHandler fans records out to several handlers.
type TeeHandler struct {
	handlers []slog.Handler
}

// NewTeeHandler creates a handler that writes to all handlers.
func NewTeeHandler(handlers ...slog.Handler) *TeeHandler {
	return &TeeHandler{handlers: handlers}
}

// Enabled is true if any handler is enabled for level.
func (t *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle passes r to every enabled handler and returns the first error.
func (t *TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range t.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WithAttrs applies attrs to every handler.
func (t *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return t.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

// WithGroup applies name to every handler.
func (t *TeeHandler) WithGroup(name string) slog.Handler {
	return t.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (t *TeeHandler) each(fn func(slog.Handler) slog.Handler) *TeeHandler {
	out := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		out[i] = fn(h)
	}
	return &TeeHandler{handlers: out}
}
