package supervisor

import (
	"sync"
	"sync/atomic"
)

// State is the lifecycle state of one supervised subsystem.
type State int

const (
	Idle            State = iota // nothing owned, nothing in flight
	Starting                     // a spawn is in flight
	Owned                        // we started it and hold its handle
	ExternallyOwned              // a healthy foreign process serves the endpoint
	Stopping                     // teardown in progress
	Stopped                      // terminal
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Owned:
		return "owned"
	case ExternallyOwned:
		return "external"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Token is the daemon-wide exit flag. It is set once and never cleared; every
// supervisor and the poll loop share the same *Token.
type Token struct {
	once sync.Once
	set  atomic.Bool
	done chan struct{}
}

func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Set trips the token and reports whether this call was the one that did.
func (t *Token) Set() bool {
	first := false
	t.once.Do(func() {
		t.set.Store(true)
		close(t.done)
		first = true
	})
	return first
}

func (t *Token) IsSet() bool { return t.set.Load() }

// Done is closed when the token is set.
func (t *Token) Done() <-chan struct{} { return t.done }
