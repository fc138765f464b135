package logger

import (
	"io"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults for child process logs.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes where a supervised child's stdout and stderr go.
// With only Dir set, files are Dir/<name>.stdout.log and Dir/<name>.stderr.log.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Dir        string
	StdoutPath string // overrides Dir for stdout
	StderrPath string // overrides Dir for stderr
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Enabled reports whether any stream would be written to a file.
func (c Config) Enabled() bool {
	return c.Dir != "" || c.StdoutPath != "" || c.StderrPath != ""
}

// Writers returns rotating writers for the child's stdout and stderr.
// A nil writer means that stream is not captured.
func (c Config) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	return c.rotating(c.StdoutPath, name, "stdout"), c.rotating(c.StderrPath, name, "stderr"), nil
}

func (c Config) rotating(explicit, name, stream string) io.WriteCloser {
	path := explicit
	if path == "" && c.Dir != "" {
		path = filepath.Join(c.Dir, name+"."+stream+".log")
	}
	if path == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
