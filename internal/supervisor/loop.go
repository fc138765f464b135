package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultPollInterval is the reconciliation period.
const DefaultPollInterval = 5 * time.Second

// PollLoop runs tick every interval until stopped. Tick errors are logged and
// never end the loop. Stop does not interrupt a tick that is already running.
type PollLoop struct {
	interval time.Duration
	tick     func(ctx context.Context) error
	log      *slog.Logger

	kick chan struct{}
	stop chan struct{}
	done chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
}

func NewPollLoop(interval time.Duration, tick func(ctx context.Context) error, log *slog.Logger) *PollLoop {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &PollLoop{
		interval: interval,
		tick:     tick,
		log:      log.With("component", "poll"),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the loop. Calling it again, or after Stop, does nothing.
func (l *PollLoop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.stopped {
		return
	}
	l.started = true
	go l.run(ctx)
}

// Stop prevents further ticks. It does not block.
func (l *PollLoop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	close(l.stop)
	if !l.started {
		close(l.done)
	}
}

// Kick asks for a tick now instead of at the next interval.
func (l *PollLoop) Kick() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// Done is closed once the loop has returned (after Stop, once any running tick finishes).
func (l *PollLoop) Done() <-chan struct{} { return l.done }

func (l *PollLoop) run(ctx context.Context) {
	defer close(l.done)
	t := time.NewTicker(l.interval)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
		case <-l.kick:
		}
		// stop may race with a ready tick
		select {
		case <-l.stop:
			return
		default:
		}
		if err := l.tick(ctx); err != nil {
			l.log.Warn("reconcile failed", "error", err)
		}
	}
}
