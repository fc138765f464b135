package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Daemon log files are named DaemonLogPrefix + <UTC timestamp with ':' as '-'> + ".log".
const (
	DaemonLogPrefix      = "peerd_daemon_"
	DaemonLogSuffix      = ".log"
	DefaultDaemonLogKeep = 5
	DefaultDaemonLogMB   = 20

	// TimestampLayout prefixes every daemon log line, wrapped in brackets.
	TimestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

// DaemonLogName returns the file name for a run started at t.
func DaemonLogName(t time.Time) string {
	stamp := t.UTC().Format("2006-01-02T15:04:05.000Z")
	return DaemonLogPrefix + strings.ReplaceAll(stamp, ":", "-") + DaemonLogSuffix
}

// ListDaemonLogs returns the daemon logs in dir, oldest first.
func ListDaemonLogs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasPrefix(n, DaemonLogPrefix) || !strings.HasSuffix(n, DaemonLogSuffix) {
			continue
		}
		names = append(names, n)
	}
	// the embedded timestamp sorts lexically
	sort.Strings(names)
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = filepath.Join(dir, n)
	}
	return out, nil
}

// DaemonLog is the per-run log file. Every line written through it is
// prefixed with "[<timestamp>] " and writes beyond the size cap are dropped.
type DaemonLog struct {
	Path string

	mu        sync.Mutex
	f         *os.File
	written   int64
	limit     int64
	lineStart bool
	now       func() time.Time
}

// OpenDaemonLog prunes the oldest daemon logs so that, including the new one,
// at most keep files remain, then creates a fresh log for this run.
func OpenDaemonLog(dir string, keep, maxSizeMB int) (*DaemonLog, error) {
	if keep <= 0 {
		keep = DefaultDaemonLogKeep
	}
	if maxSizeMB <= 0 {
		maxSizeMB = DefaultDaemonLogMB
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	existing, err := ListDaemonLogs(dir)
	if err != nil {
		return nil, err
	}
	for len(existing) >= keep {
		if err := os.Remove(existing[0]); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("prune %s: %w", existing[0], err)
		}
		existing = existing[1:]
	}
	path := filepath.Join(dir, DaemonLogName(time.Now()))
	// #nosec G304
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	return &DaemonLog{Path: path, f: f, limit: int64(maxSizeMB) << 20, lineStart: true, now: time.Now}, nil
}

// Write stamps the start of each line. It always reports len(p) so that a
// full log never breaks writers teed into it.
func (d *DaemonLog) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil || d.written >= d.limit {
		return len(p), nil
	}
	var buf []byte
	stamp := "[" + d.now().UTC().Format(TimestampLayout) + "] "
	rest := p
	for len(rest) > 0 {
		if d.lineStart {
			buf = append(buf, stamp...)
			d.lineStart = false
		}
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			buf = append(buf, rest...)
			break
		}
		buf = append(buf, rest[:i+1]...)
		rest = rest[i+1:]
		d.lineStart = true
	}
	n, err := d.f.Write(buf)
	d.written += int64(n)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the file; later writes are discarded.
func (d *DaemonLog) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}

// Tee returns a writer that writes to w and the daemon log.
func (d *DaemonLog) Tee(w io.Writer) io.Writer {
	if d == nil {
		return w
	}
	return io.MultiWriter(w, d)
}
