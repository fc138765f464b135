package logview

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPollInterval backs up fsnotify on filesystems that do not deliver events.
const DefaultPollInterval = 300 * time.Millisecond

// Follower streams complete lines appended to a log file after an offset.
type Follower struct {
	Path   string
	Offset int64
	Opts   Options
	Poll   time.Duration

	pending []byte
}

// Run copies new complete lines to w until ctx ends. A trailing partial line
// is held back until its newline arrives.
func (f *Follower) Run(ctx context.Context, w io.Writer) error {
	poll := f.Poll
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	var events <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer func() { _ = watcher.Close() }()
		if err := watcher.Add(f.Path); err == nil {
			events = watcher.Events
		} else {
			slog.Debug("fsnotify watch failed, polling only", "path", f.Path, "error", err)
		}
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if err := f.readNew(w); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-events:
		case <-ticker.C:
		}
	}
}

func (f *Follower) readNew(w io.Writer) error {
	// #nosec G304
	file, err := os.Open(f.Path)
	if err != nil {
		// rotated away or not yet recreated; keep waiting
		return nil
	}
	defer func() { _ = file.Close() }()
	st, err := file.Stat()
	if err != nil || st.Size() <= f.Offset {
		return nil
	}
	buf := make([]byte, st.Size()-f.Offset)
	n, err := file.ReadAt(buf, f.Offset)
	if err != nil && err != io.EOF {
		return nil
	}
	f.Offset += int64(n)

	chunk := append(f.pending, buf[:n]...)
	last := bytes.LastIndexByte(chunk, '\n')
	if last < 0 {
		f.pending = chunk
		return nil
	}
	complete := chunk[:last+1]
	f.pending = append([]byte(nil), chunk[last+1:]...)

	if f.Opts.Since.IsZero() && f.Opts.Until.IsZero() {
		_, err := w.Write(complete)
		return err
	}
	entries, err := Parse(bytes.NewReader(complete))
	if err != nil {
		return err
	}
	return Write(w, Filter(entries, f.Opts.Since, f.Opts.Until))
}
