// Package logger builds the settler's process-wide structured logger:
// tint-colored slog output with UTC millisecond timestamps and empty
// string attributes elided.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// New returns the logger every component is handed at wiring time.
// verbose lowers the level to Debug.
func New(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:       level,
		ReplaceAttr: replaceAttr,
	}))
}

func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Value = slog.StringValue(formatTimestamp(a.Value.Time()))
	}
	if s, ok := a.Value.Any().(string); ok && s == "" {
		return slog.Attr{}
	}
	return a
}

// formatTimestamp renders t as UTC RFC3339 with exactly three fractional
// digits, so log lines align and sort lexically.
func formatTimestamp(t time.Time) string {
	t = t.UTC()
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", t.Format("2006-01-02T15:04:05"), ms)
}
