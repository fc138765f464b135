package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/peerd/internal/metrics"
)

// DefaultShutdownWait bounds the whole shutdown sequence.
const DefaultShutdownWait = 2 * time.Minute

// Teardowner releases whatever a supervisor owns.
type Teardowner interface {
	Teardown(ctx context.Context) error
}

// ShutdownOptions wires a Coordinator.
type ShutdownOptions struct {
	Loop    interface{ Stop() }
	Token   *Token
	RPC     Teardowner
	Storage Teardowner
	MaxWait time.Duration
	Logger  *slog.Logger
}

// Coordinator runs the shutdown sequence exactly once. Every caller of
// Shutdown waits for that single run.
type Coordinator struct {
	opts ShutdownOptions
	log  *slog.Logger

	once sync.Once
	done chan struct{}
	err  error
}

func NewCoordinator(opts ShutdownOptions) *Coordinator {
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultShutdownWait
	}
	if opts.Token == nil {
		opts.Token = NewToken()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{opts: opts, log: log.With("component", "shutdown"), done: make(chan struct{})}
}

// Shutdown starts the sequence on first call and waits for it to finish.
// ctx only bounds this caller's wait. It returns ErrShutdownTimeout when the
// sequence outlived its budget.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() { go c.run() })
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the sequence has finished or timed out.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

type step struct {
	name string
	fn   func(ctx context.Context) error
}

func (c *Coordinator) run() {
	start := time.Now()
	defer func() {
		metrics.ObserveShutdown(time.Since(start).Seconds())
		close(c.done)
	}()
	c.log.Info("shutting down", "max_wait", c.opts.MaxWait)

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.MaxWait)
	defer cancel()

	steps := []step{
		{"stop poll loop", func(context.Context) error {
			if c.opts.Loop != nil {
				c.opts.Loop.Stop()
			}
			return nil
		}},
		{"set exit token", func(context.Context) error {
			c.opts.Token.Set()
			return nil
		}},
		{"destroy rpc server", teardownStep(c.opts.RPC)},
		{"stop storage node", teardownStep(c.opts.Storage)},
	}

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for _, s := range steps {
			c.safeStep(ctx, s)
		}
	}()

	select {
	case <-finished:
		c.log.Info("shutdown complete", "elapsed", time.Since(start).Round(time.Millisecond))
	case <-ctx.Done():
		c.err = fmt.Errorf("%w after %s", ErrShutdownTimeout, c.opts.MaxWait)
		c.log.Error("shutdown did not finish in time", "max_wait", c.opts.MaxWait)
	}
}

func teardownStep(t Teardowner) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if t == nil {
			return nil
		}
		return t.Teardown(ctx)
	}
}

// safeStep runs one step, logging its error or panic so the next step still runs.
func (c *Coordinator) safeStep(ctx context.Context, s step) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("shutdown step panicked", "step", s.name, "panic", r)
		}
	}()
	if err := s.fn(ctx); err != nil {
		c.log.Error("shutdown step failed", "step", s.name, "error", err)
		return
	}
	c.log.Debug("shutdown step done", "step", s.name)
}
