package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loykin/peerd/internal/history"
	"github.com/loykin/peerd/internal/metrics"
)

// core holds what both supervisors share: the state machine, the in-flight
// marker and the exit token.
type core struct {
	name  string
	log   *slog.Logger
	token *Token
	hist  *history.Recorder

	mu      sync.Mutex
	state   State
	pending chan struct{} // non-nil while a start is in flight; closed when it settles
}

func (c *core) init(name string, log *slog.Logger, token *Token, hist *history.Recorder) {
	if log == nil {
		log = slog.Default()
	}
	if token == nil {
		token = NewToken()
	}
	c.name = name
	c.log = log.With("component", name)
	c.token = token
	c.hist = hist
	c.state = Idle
	metrics.RecordStateTransition(name, "", Idle.String())
}

func (c *core) setStateLocked(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	metrics.RecordStateTransition(c.name, from.String(), to.String())
	c.log.Debug("state change", "from", from.String(), "to", to.String())
}

func (c *core) setState(to State) {
	c.mu.Lock()
	c.setStateLocked(to)
	c.mu.Unlock()
}

// State returns the current state.
func (c *core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// claim marks a start as in flight unless the token is set, another start is
// pending, or busy (evaluated under the lock) says there is nothing to do.
func (c *core) claim(busy func() bool) (chan struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.IsSet() || c.pending != nil || (busy != nil && busy()) {
		return nil, false
	}
	ch := make(chan struct{})
	c.pending = ch
	return ch, true
}

func (c *core) release(ch chan struct{}) {
	c.mu.Lock()
	if c.pending == ch {
		c.pending = nil
	}
	c.mu.Unlock()
	close(ch)
}

// awaitPending blocks until an in-flight start settles or ctx ends.
func (c *core) awaitPending(ctx context.Context) error {
	c.mu.Lock()
	ch := c.pending
	c.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight %s start: %w", c.name, ctx.Err())
	}
}

func (c *core) record(ctx context.Context, e history.Event) {
	e.Subsystem = c.name
	c.hist.Record(ctx, e)
}
