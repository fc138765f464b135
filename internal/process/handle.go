package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Handle wraps a single spawned child. A handle covers exactly one process
// lifetime: once it has exited it never runs again, and a restart produces a
// new Handle with a new pid.
type Handle struct {
	name string
	pid  int

	running  atomic.Bool
	done     chan struct{}
	mu       sync.Mutex
	exitedAt time.Time
	exitErr  error
	closers  []io.Closer
}

// Start spawns the process described by spec and begins waiting on it.
func Start(spec Spec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd)

	h := &Handle{name: spec.Name, done: make(chan struct{})}

	outW, errW, err := spec.Log.Writers(spec.Name)
	if err != nil {
		return nil, fmt.Errorf("log writers for %s: %w", spec.Name, err)
	}
	var stdout []io.Writer
	if outW != nil {
		stdout = append(stdout, outW)
		h.closers = append(h.closers, outW)
	}
	if spec.Stdout != nil {
		stdout = append(stdout, spec.Stdout)
	}
	switch len(stdout) {
	case 0:
	case 1:
		cmd.Stdout = stdout[0]
	default:
		cmd.Stdout = io.MultiWriter(stdout...)
	}
	if errW != nil {
		cmd.Stderr = errW
		h.closers = append(h.closers, errW)
	}

	if err := cmd.Start(); err != nil {
		h.closeLogs()
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	h.pid = cmd.Process.Pid
	h.running.Store(true)
	slog.Debug("process started", "name", spec.Name, "pid", h.pid)

	go func() {
		werr := cmd.Wait()
		h.mu.Lock()
		h.exitedAt = time.Now()
		h.exitErr = werr
		h.mu.Unlock()
		h.running.Store(false)
		h.closeLogs()
		close(h.done)
	}()
	return h, nil
}

func (h *Handle) closeLogs() {
	for _, c := range h.closers {
		_ = c.Close()
	}
	h.closers = nil
}

// Name returns the spec name the handle was started with.
func (h *Handle) Name() string { return h.name }

// PID is fixed at spawn.
func (h *Handle) PID() int { return h.pid }

// Running reports whether the child has not yet been reaped.
func (h *Handle) Running() bool { return h.running.Load() }

// Done is closed exactly once, when the child exits.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitedAt returns the time the child was reaped, zero while running.
func (h *Handle) ExitedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitedAt
}

// ExitErr returns the error from Wait, nil for a clean exit or while running.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Signal sends sig to the child's process group. Signalling a process that
// is already gone succeeds.
func (h *Handle) Signal(sig syscall.Signal) error {
	if h == nil || !h.Running() {
		return nil
	}
	err := signalGroup(h.pid, sig)
	if err != nil && errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Terminate asks the child to shut down gracefully (SIGINT).
func (h *Handle) Terminate() error { return h.Signal(syscall.SIGINT) }

// Kill forcefully stops the child's process group.
func (h *Handle) Kill() error { return h.Signal(syscall.SIGKILL) }

// Wait blocks until the child exits or timeout elapses and reports whether it exited.
func (h *Handle) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		<-h.done
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-h.done:
		return true
	case <-t.C:
		return false
	}
}

// Stop terminates the child and waits up to timeout. When force is set and the
// child outlives the timeout it is killed. Returns whether the child exited.
func (h *Handle) Stop(timeout time.Duration, force bool) (bool, error) {
	if h == nil {
		return true, nil
	}
	if err := h.Terminate(); err != nil {
		return false, fmt.Errorf("signal %s (pid %d): %w", h.name, h.pid, err)
	}
	if h.Wait(timeout) {
		return true, nil
	}
	if !force {
		return false, nil
	}
	slog.Warn("process did not exit in time, killing", "name", h.name, "pid", h.pid, "timeout", timeout)
	if err := h.Kill(); err != nil {
		return false, fmt.Errorf("kill %s (pid %d): %w", h.name, h.pid, err)
	}
	return h.Wait(2 * time.Second), nil
}
