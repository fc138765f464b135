package logview

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/peerd/internal/logger"
)

const sample = `legacy header line
[2026-01-02T13:00:00.000Z] first
[2026-01-02T13:10:00.000Z] second
  stack frame 1
  stack frame 2
[2026-01-02T13:20:00.000Z] third
`

func parseSample(t *testing.T) []Entry {
	t.Helper()
	entries, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	return entries
}

func TestParse_GroupsContinuationLines(t *testing.T) {
	entries := parseSample(t)
	require.Len(t, entries, 4)
	require.True(t, entries[0].Time.IsZero())
	require.Equal(t, []string{"[2026-01-02T13:10:00.000Z] second", "  stack frame 1", "  stack frame 2"}, entries[2].Lines)
	require.Equal(t, time.Date(2026, 1, 2, 13, 20, 0, 0, time.UTC), entries[3].Time)
}

func TestFilter(t *testing.T) {
	entries := parseSample(t)
	since := time.Date(2026, 1, 2, 13, 5, 0, 0, time.UTC)
	until := time.Date(2026, 1, 2, 13, 15, 0, 0, time.UTC)

	got := Filter(entries, since, time.Time{})
	require.Len(t, got, 2, "legacy line must be dropped when since is set")

	got = Filter(entries, time.Time{}, until)
	require.Len(t, got, 3, "legacy line kept with only until")

	got = Filter(entries, since, until)
	require.Len(t, got, 1)
	require.Equal(t, "[2026-01-02T13:10:00.000Z] second", got[0].Lines[0])

	require.Len(t, Filter(entries, time.Time{}, time.Time{}), 4)
}

func TestTailAndParseTail(t *testing.T) {
	entries := parseSample(t)
	n, err := ParseTail("all")
	require.NoError(t, err)
	require.Len(t, Tail(entries, n), 4)

	n, err = ParseTail("2")
	require.NoError(t, err)
	got := Tail(entries, n)
	require.Len(t, got, 2)
	require.Equal(t, "[2026-01-02T13:20:00.000Z] third", got[1].Lines[0])

	n, err = ParseTail("0")
	require.NoError(t, err)
	require.Empty(t, Tail(entries, n))

	require.Len(t, Tail(entries, 99), 4)

	_, err = ParseTail("-1")
	require.Error(t, err)
	_, err = ParseTail("ten")
	require.Error(t, err)
}

func TestParseTime(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	cases := map[string]time.Time{
		"30s":                  now.Add(-30 * time.Second),
		"42m":                  now.Add(-42 * time.Minute),
		"2h":                   now.Add(-2 * time.Hour),
		"1d":                   now.Add(-24 * time.Hour),
		"2026-01-02T13:23:37Z": time.Date(2026, 1, 2, 13, 23, 37, 0, time.UTC),
	}
	for in, want := range cases {
		got, err := ParseTime(in, now)
		require.NoError(t, err, in)
		require.True(t, want.Equal(got), "%s: got %v want %v", in, got, want)
	}
	_, err := ParseTime("yesterday", now)
	require.Error(t, err)
	_, err = ParseTime("5w", now)
	require.Error(t, err)
}

func TestLatest(t *testing.T) {
	dir := t.TempDir()
	_, err := Latest(dir)
	require.True(t, errors.Is(err, ErrNoLogs))

	_, err = Latest(filepath.Join(dir, "missing"))
	require.Error(t, err)

	older := filepath.Join(dir, logger.DaemonLogName(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	newer := filepath.Join(dir, logger.DaemonLogName(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, os.WriteFile(newer, nil, 0o600))
	require.NoError(t, os.WriteFile(older, nil, 0o600))
	got, err := Latest(dir)
	require.NoError(t, err)
	require.Equal(t, newer, got)
}

func TestDump(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.log")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	var out bytes.Buffer
	off, err := Dump(&out, path, Options{Tail: 1})
	require.NoError(t, err)
	require.Equal(t, int64(len(sample)), off)
	require.Equal(t, "[2026-01-02T13:20:00.000Z] third\n", out.String())
}

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestFollower_StreamsCompleteLinesOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.log")
	require.NoError(t, os.WriteFile(path, []byte("[2026-01-02T13:00:00.000Z] old\n"), 0o600))
	st, err := os.Stat(path)
	require.NoError(t, err)

	f := &Follower{Path: path, Offset: st.Size(), Poll: 20 * time.Millisecond}
	var out lockedBuffer
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, &out) }()

	fh, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, _ = fh.WriteString("[2026-01-02T13:01:00.000Z] new line\n[2026-01-02T13:02:00.000Z] partial")
	waitFor(t, 3*time.Second, func() bool { return strings.Contains(out.String(), "new line") })
	require.NotContains(t, out.String(), "partial")
	require.NotContains(t, out.String(), "old")

	_, _ = fh.WriteString(" done\n")
	_ = fh.Close()
	waitFor(t, 3*time.Second, func() bool { return strings.Contains(out.String(), "partial done\n") })

	cancel()
	require.NoError(t, <-done)
}

func TestFollower_FiltersWhenBounded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.log")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	f := &Follower{
		Path: path,
		Opts: Options{Since: time.Date(2026, 1, 2, 13, 30, 0, 0, time.UTC)},
		Poll: 20 * time.Millisecond,
	}
	var out lockedBuffer
	require.NoError(t, os.WriteFile(path, []byte("[2026-01-02T13:00:00.000Z] too early\n[2026-01-02T14:00:00.000Z] in range\n"), 0o600))
	require.NoError(t, f.readNew(&out))
	require.Equal(t, "[2026-01-02T14:00:00.000Z] in range\n", out.String())
}
