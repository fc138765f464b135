package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of supervision event.
type EventType string

const (
	EventSpawned  EventType = "spawned"  // a process was started and adopted
	EventExited   EventType = "exited"   // an owned process exited
	EventExternal EventType = "external" // the port is held by a healthy foreign process
	EventConflict EventType = "conflict" // the port is held by something unhealthy
	EventStopped  EventType = "stopped"  // teardown during shutdown finished
)

// Event is one supervision lifecycle event.
type Event struct {
	RunID      string    `json:"run_id"`
	Type       EventType `json:"type"`
	Subsystem  string    `json:"subsystem"`
	OccurredAt time.Time `json:"occurred_at"`
	PID        int       `json:"pid"`
	Endpoint   string    `json:"endpoint"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder stamps events with the daemon's run id and fans them out to sinks.
// Delivery is best-effort: failures are logged and never reach the caller.
// A nil *Recorder discards everything.
type Recorder struct {
	runID   string
	sinks   []Sink
	timeout time.Duration
	log     *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewRecorder returns a recorder with a fresh run id.
func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		runID:   uuid.NewString(),
		sinks:   sinks,
		timeout: 5 * time.Second,
		log:     log.With("component", "history"),
	}
}

// RunID identifies this daemon run in every event.
func (r *Recorder) RunID() string {
	if r == nil {
		return ""
	}
	return r.runID
}

// Record delivers e to every sink, filling RunID and OccurredAt when unset.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed || len(r.sinks) == 0 {
		return
	}
	if e.RunID == "" {
		e.RunID = r.runID
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	for _, s := range r.sinks {
		if err := s.Send(ctx, e); err != nil {
			r.log.Warn("history sink failed", "type", e.Type, "subsystem", e.Subsystem, "error", err)
		}
	}
}

// Close closes every sink that implements io.Closer. Later Records are dropped.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	var first error
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
