package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Options configures the daemon's slog logger.
type Options struct {
	Level   string    // debug, info, warn, error
	Console io.Writer // defaults to os.Stderr
	// Color forces ANSI colors on or off; nil colors only when Console is a terminal.
	Color *bool
	// File, when set, receives every record as plain text as well.
	File io.Writer
}

// ParseLevel maps a level name to slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// New builds the daemon logger: console output (colored on a TTY) fanned out
// to the daemon log file when one is configured.
func New(opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: level}

	var consoleHandler slog.Handler
	if useColor(console, opts.Color) {
		consoleHandler = NewColorTextHandler(console, hopts)
	} else {
		consoleHandler = slog.NewTextHandler(console, hopts)
	}
	var fileHandler slog.Handler
	if opts.File != nil {
		fileHandler = slog.NewTextHandler(opts.File, hopts)
	}
	return slog.New(NewFanoutHandler(consoleHandler, fileHandler)), nil
}

func useColor(w io.Writer, force *bool) bool {
	if force != nil {
		return *force
	}
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
