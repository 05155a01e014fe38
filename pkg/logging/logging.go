// Package logging configures the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// ParseLevel converts debug, info, warn or error to a slog.Level
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// NewHandler returns a tint handler writing to w. Colors are used only
// when w is a terminal.
func NewHandler(w io.Writer, level slog.Level) slog.Handler {
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
	}

	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
		NoColor:    noColor,
	})
}

// Setup installs the default logger at the named level
func Setup(w io.Writer, level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(NewHandler(w, lvl)))
	return nil
}
