// Package logview reads the daemon's per-run log files: latest file lookup,
// timestamp filtering, tailing by entry, and following appended output.
package logview

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/peerd/internal/logger"
)

// ErrNoLogs means the log directory holds no daemon log yet.
var ErrNoLogs = errors.New("no daemon log files found")

var (
	stampRe    = regexp.MustCompile(`^\[(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z)\] `)
	relativeRe = regexp.MustCompile(`^(\d+)([smhd])$`)
)

// Entry is one timestamped log line plus its continuation lines. Lines that
// precede the first timestamp form entries with a zero Time.
type Entry struct {
	Time  time.Time
	Lines []string
}

// Latest returns the newest daemon log in dir.
func Latest(dir string) (string, error) {
	logs, err := logger.ListDaemonLogs(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("log directory does not exist: %s (has the daemon been started?)", dir)
		}
		return "", err
	}
	if len(logs) == 0 {
		return "", fmt.Errorf("%w in %s (has the daemon been started?)", ErrNoLogs, dir)
	}
	return logs[len(logs)-1], nil
}

// ParseTime accepts a relative age (30s, 42m, 2h, 1d) measured back from now,
// or an absolute ISO 8601 timestamp.
func ParseTime(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if m := relativeRe.FindStringSubmatch(value); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, err
		}
		unit := map[string]time.Duration{"s": time.Second, "m": time.Minute, "h": time.Hour, "d": 24 * time.Hour}[m[2]]
		return now.Add(-time.Duration(n) * unit), nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q: use ISO 8601 (e.g. 2026-01-02T13:23:37Z) or relative time (e.g. 30s, 42m, 2h, 1d)", value)
}

// ParseTail parses "all" (returns -1) or a non-negative entry count.
func ParseTail(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" || strings.EqualFold(value, "all") {
		return -1, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid tail value %q: must be a non-negative integer or \"all\"", value)
	}
	return n, nil
}

func lineTime(line string) (time.Time, bool) {
	m := stampRe.FindStringSubmatch(line)
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02T15:04:05.000Z", m[1])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Parse groups lines into entries.
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for sc.Scan() {
		line := sc.Text()
		if t, ok := lineTime(line); ok {
			entries = append(entries, Entry{Time: t, Lines: []string{line}})
			continue
		}
		if n := len(entries); n > 0 {
			entries[n-1].Lines = append(entries[n-1].Lines, line)
			continue
		}
		entries = append(entries, Entry{Lines: []string{line}})
	}
	return entries, sc.Err()
}

// Filter keeps entries within [since, until]; a zero bound is open. Untimed
// entries survive only when since is unset.
func Filter(entries []Entry, since, until time.Time) []Entry {
	if since.IsZero() && until.IsZero() {
		return entries
	}
	out := entries[:0:0]
	for _, e := range entries {
		if e.Time.IsZero() {
			if since.IsZero() {
				out = append(out, e)
			}
			continue
		}
		if !since.IsZero() && e.Time.Before(since) {
			continue
		}
		if !until.IsZero() && e.Time.After(until) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Tail keeps the last n entries; n < 0 keeps all.
func Tail(entries []Entry, n int) []Entry {
	if n < 0 || n >= len(entries) {
		return entries
	}
	return entries[len(entries)-n:]
}

// Write prints entries one line per line.
func Write(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		for _, l := range e.Lines {
			if _, err := bw.WriteString(l + "\n"); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// Options select what Dump and Follow print.
type Options struct {
	Since time.Time
	Until time.Time
	Tail  int // -1 for all
}

// Dump prints the filtered, tailed content of path and returns the offset
// Follow should resume from.
func Dump(w io.Writer, path string, opts Options) (int64, error) {
	// #nosec G304
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	entries, err := Parse(f)
	if err != nil {
		return 0, err
	}
	off, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	return off, Write(w, Tail(Filter(entries, opts.Since, opts.Until), opts.Tail))
}
