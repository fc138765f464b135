// Package kubo spawns and bootstraps the Kubo (ipfs) storage node.
package kubo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/loykin/peerd/internal/env"
	"github.com/loykin/peerd/internal/logger"
	"github.com/loykin/peerd/internal/process"
)

const (
	// RepoDirName is the Kubo repo directory created under the data path.
	RepoDirName = ".ipfs-peerd"
	// ReadyMarker is printed by `ipfs daemon` once its API is serving.
	ReadyMarker = "Daemon is ready"

	DefaultReadyTimeout = 90 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

// RepoPath returns the Kubo repo location for a data path.
func RepoPath(dataPath string) string {
	return filepath.Join(dataPath, RepoDirName)
}

// VersionURL is the health endpoint on a Kubo API base URL.
func VersionURL(api *url.URL) string {
	v := *api
	v.Path = strings.TrimRight(v.Path, "/") + "/version"
	return v.String()
}

// Launcher starts `ipfs daemon` against a repo under the data path.
type Launcher struct {
	Binary       string // defaults to "ipfs"
	Log          logger.Config
	Env          *env.Env
	Logger       *slog.Logger
	ReadyTimeout time.Duration
	// StopTimeout bounds the graceful stop of a daemon that never got ready.
	StopTimeout time.Duration
	// ForceKill sends SIGKILL when the daemon outlives StopTimeout.
	ForceKill bool
	// ExtraArgs are appended to `ipfs daemon`.
	ExtraArgs []string
}

func (l *Launcher) binary() string {
	if l.Binary == "" {
		return "ipfs"
	}
	return l.Binary
}

func (l *Launcher) log() *slog.Logger {
	if l.Logger == nil {
		return slog.Default().With("component", "kubo")
	}
	return l.Logger
}

func (l *Launcher) environ(repo string) []string {
	e := l.Env
	if e == nil {
		e = env.New()
	}
	return e.Merge([]string{"IPFS_PATH=" + repo})
}

// Launch bootstraps the repo when needed and starts the daemon with its API
// and gateway bound to the given endpoints. It returns once the daemon
// reports ready; the child is stopped if it does not.
func (l *Launcher) Launch(ctx context.Context, dataPath string, api, gateway *url.URL) (*process.Handle, error) {
	repo := RepoPath(dataPath)
	if err := l.ensureRepo(ctx, repo, api, gateway); err != nil {
		return nil, err
	}

	ready := newLineWatcher(ReadyMarker)
	base := []string{"daemon", "--migrate", "--enable-pubsub-experiment", "--enable-namesys-pubsub"}
	args := make([]string, 0, len(base)+len(l.ExtraArgs))
	args = append(append(args, base...), l.ExtraArgs...)
	h, err := process.Start(process.Spec{
		Name:   "ipfs",
		Path:   l.binary(),
		Args:   args,
		Env:    l.environ(repo),
		Log:    l.Log,
		Stdout: ready,
	})
	if err != nil {
		return nil, err
	}

	timeout := l.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ready.Found():
		l.log().Info("storage node ready", "pid", h.PID(), "api", api.String(), "repo", repo)
		return h, nil
	case <-h.Done():
		return nil, fmt.Errorf("ipfs daemon exited before ready: %v", h.ExitErr())
	case <-ctx.Done():
		return nil, errors.Join(ctx.Err(), l.abandon(h))
	case <-timer.C:
		return nil, errors.Join(fmt.Errorf("ipfs daemon not ready after %s", timeout), l.abandon(h))
	}
}

// abandon stops a daemon that never became ready, honouring ForceKill.
func (l *Launcher) abandon(h *process.Handle) error {
	timeout := l.StopTimeout
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	exited, err := h.Stop(timeout, l.ForceKill)
	if err != nil {
		return err
	}
	if !exited {
		l.log().Warn("ipfs daemon ignored the stop signal", "pid", h.PID(), "timeout", timeout)
		return fmt.Errorf("ipfs daemon (pid %d) still running after %s", h.PID(), timeout)
	}
	return nil
}

// ensureRepo initialises the repo once and pins its API and gateway
// addresses. A file lock keeps concurrent daemons from racing on init.
func (l *Launcher) ensureRepo(ctx context.Context, repo string, api, gateway *url.URL) error {
	if err := os.MkdirAll(repo, 0o750); err != nil {
		return fmt.Errorf("create kubo repo dir: %w", err)
	}
	lock := flock.New(filepath.Join(repo, "peerd-init.lock"))
	locked, err := lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock kubo repo: %w", err)
	}
	if !locked {
		return errors.New("kubo repo is locked by another process")
	}
	defer func() { _ = lock.Unlock() }()

	// the bootstrap commands below run to completion once started: killing
	// `ipfs init` or `ipfs config` halfway leaves a broken repo config
	if _, err := os.Stat(filepath.Join(repo, "config")); errors.Is(err, os.ErrNotExist) {
		l.log().Info("initialising kubo repo", "repo", repo)
		if err := l.run(ctx, repo, "init"); err != nil {
			return err
		}
	}
	apiMA, err := URLToMultiaddr(api)
	if err != nil {
		return fmt.Errorf("storage api endpoint: %w", err)
	}
	if err := l.run(ctx, repo, "config", "Addresses.API", apiMA); err != nil {
		return err
	}
	if gateway != nil {
		gwMA, err := URLToMultiaddr(gateway)
		if err != nil {
			return fmt.Errorf("gateway endpoint: %w", err)
		}
		if err := l.run(ctx, repo, "config", "Addresses.Gateway", gwMA); err != nil {
			return err
		}
	}
	return nil
}

func (l *Launcher) run(ctx context.Context, repo string, args ...string) error {
	// #nosec G204
	if err := ctx.Err(); err != nil {
		return err
	}
	cmd := exec.Command(l.binary(), args...)
	cmd.Env = l.environ(repo)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", l.binary(), strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return nil
}

// lineWatcher is an io.Writer that signals once a marker appears in the stream.
type lineWatcher struct {
	marker []byte
	mu     sync.Mutex
	tail   []byte
	once   sync.Once
	found  chan struct{}
}

func newLineWatcher(marker string) *lineWatcher {
	return &lineWatcher{marker: []byte(marker), found: make(chan struct{})}
}

func (w *lineWatcher) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.found:
		return len(p), nil
	default:
	}
	buf := append(w.tail, p...)
	if bytes.Contains(buf, w.marker) {
		w.once.Do(func() { close(w.found) })
		w.tail = nil
		return len(p), nil
	}
	// keep enough bytes to match a marker split across writes
	if keep := len(w.marker) - 1; len(buf) > keep {
		buf = buf[len(buf)-keep:]
	}
	w.tail = append([]byte(nil), buf...)
	return len(p), nil
}

func (w *lineWatcher) Found() <-chan struct{} { return w.found }
