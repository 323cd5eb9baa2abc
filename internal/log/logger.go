// Package log holds the structured logger shared by every hookctx package.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu     sync.Mutex
	logger *slog.Logger
)

// ParseLevel maps a level name to a slog level. Unknown names are INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a JSON logger writing to w at the given level.
func New(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// Setup replaces the package logger with a stderr JSON logger at level.
func Setup(level string) {
	mu.Lock()
	defer mu.Unlock()
	logger = New(os.Stderr, level)
}

// Set replaces the package logger. Tests use it to capture output.
func Set(l *slog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

// Get returns the configured logger, or an INFO logger if nothing was set.
func Get() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = New(os.Stderr, "INFO")
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithInstance returns a logger tagged with an interception library instance.
func WithInstance(name, version string) *slog.Logger {
	return Get().With(
		slog.String("component", "hookctx"),
		slog.String("instance", name),
		slog.String("version", version),
	)
}

// WithLevel returns l restricted to records at level or above. It can only
// raise the threshold of l's handler, never lower it.
func WithLevel(l *slog.Logger, level string) *slog.Logger {
	return slog.New(&levelHandler{level: ParseLevel(level), handler: l.Handler()})
}

type levelHandler struct {
	level   slog.Leveler
	handler slog.Handler
}

func (h *levelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level() && h.handler.Enabled(ctx, level)
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithGroup(name)}
}
