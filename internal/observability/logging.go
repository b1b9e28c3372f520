package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"oprlmbatch/internal/layout"
	"os"
	"path/filepath"
)

// LogConfig selects where run logs go.
type LogConfig struct {
	Console io.Writer // human-readable stream, usually stderr
	Dir     string    // run logs directory; empty writes console only
	Verbose bool      // DEBUG instead of INFO for console and batch.log
}

// NewLogger builds a logger writing text to the console, JSON to
// Dir/batch.log and ERROR records only to Dir/errors.log. The returned
// close func closes the log files.
func NewLogger(cfg LogConfig) (*slog.Logger, func() error, error) {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	console := cfg.Console
	if console == nil {
		console = os.Stderr
	}

	handlers := []slog.Handler{
		slog.NewTextHandler(console, &slog.HandlerOptions{Level: level}),
	}
	if cfg.Dir == "" {
		return slog.New(newFanout(handlers...)), func() error { return nil }, nil
	}

	if err := layout.Ensure(cfg.Dir); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	batch, err := openLog(filepath.Join(cfg.Dir, layout.BatchLog))
	if err != nil {
		return nil, nil, err
	}
	errorsLog, err := openLog(filepath.Join(cfg.Dir, layout.ErrorsLog))
	if err != nil {
		batch.Close()
		return nil, nil, err
	}

	handlers = append(handlers,
		slog.NewJSONHandler(batch, &slog.HandlerOptions{Level: level}),
		slog.NewJSONHandler(errorsLog, &slog.HandlerOptions{Level: slog.LevelError, AddSource: true}),
	)
	closeFn := func() error {
		return errors.Join(batch.Close(), errorsLog.Close())
	}
	return slog.New(newFanout(handlers...)), closeFn, nil
}

func openLog(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	return f, nil
}

// fanoutHandler passes each record to every handler that accepts its level.
type fanoutHandler struct {
	handlers []slog.Handler
}

func newFanout(handlers ...slog.Handler) *fanoutHandler {
	return &fanoutHandler{handlers: handlers}
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, c := range h.handlers {
		if c.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, c := range h.handlers {
		if !c.Enabled(ctx, r.Level) {
			continue
		}
		if err := c.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, c := range h.handlers {
		next[i] = c.WithAttrs(attrs)
	}
	return newFanout(next...)
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, c := range h.handlers {
		next[i] = c.WithGroup(name)
	}
	return newFanout(next...)
}
