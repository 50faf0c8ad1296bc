// Package logging configures the process-wide slog logger: JSON lines
// appended to DATA_DIR/logs/app.jsonl plus a console handler on stderr
// (colorized via tint when stderr is a terminal).
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

const stampLayout = "2006-01-02T15:04:05.000Z"

// Setup opens the JSON log file, builds the combined handler, and installs
// it as the slog default. The returned close func flushes the file handle.
func Setup(logFile, level string) (*slog.Logger, func() error, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, nil, err
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating log dir: %w", err)
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String("ts", a.Value.Time().UTC().Format(stampLayout))
			}
			return a
		},
	})

	var consoleHandler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) {
		consoleHandler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: time.Kitchen,
		})
	} else {
		consoleHandler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	}

	logger := slog.New(fanout{fileHandler, consoleHandler})
	slog.SetDefault(logger)
	return logger, f.Close, nil
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARNING", "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown LOG_LEVEL: %q", level)
	}
}

// fanout duplicates records to each wrapped handler.
type fanout []slog.Handler

func (h fanout) Enabled(ctx context.Context, lvl slog.Level) bool {
	for _, sub := range h {
		if sub.Enabled(ctx, lvl) {
			return true
		}
	}
	return false
}

func (h fanout) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, sub := range h {
		if !sub.Enabled(ctx, r.Level) {
			continue
		}
		if err := sub.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(fanout, len(h))
	for i, sub := range h {
		next[i] = sub.WithAttrs(attrs)
	}
	return next
}

func (h fanout) WithGroup(name string) slog.Handler {
	next := make(fanout, len(h))
	for i, sub := range h {
		next[i] = sub.WithGroup(name)
	}
	return next
}
