package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/loykin/peerd/internal/history"
	"github.com/loykin/peerd/internal/kubo"
	"github.com/loykin/peerd/internal/metrics"
	"github.com/loykin/peerd/internal/probe"
	"github.com/loykin/peerd/internal/process"
)

// Spawner launches the storage node and returns once it is serving.
type Spawner interface {
	Launch(ctx context.Context, dataPath string, api, gateway *url.URL) (*process.Handle, error)
}

// PortProber is satisfied by *probe.Prober.
type PortProber interface {
	PortTaken(ctx context.Context, u *url.URL) (bool, error)
	Probe(ctx context.Context, u *url.URL, method, healthURL string) probe.PortHealth
}

// StorageOptions configures a StorageSupervisor.
type StorageOptions struct {
	DataPath    string
	API         *url.URL // storage node API endpoint (…/api/v0)
	Gateway     *url.URL
	Spawner     Spawner
	Prober      PortProber
	Token       *Token
	StopTimeout time.Duration // graceful stop wait, default 10s
	ForceKill   bool          // SIGKILL after StopTimeout
	Logger      *slog.Logger
	History     *history.Recorder
	Console     io.Writer // user-facing status lines
}

// StorageSupervisor keeps exactly one storage node available: it adopts a
// healthy one already on the port, refuses an unhealthy occupant, and
// otherwise spawns and restarts its own.
type StorageSupervisor struct {
	core
	opts StorageOptions

	// guarded by core.mu
	handle       *process.Handle
	conflict     error
	restarts     int
	needsRestart bool
	gate         func(ctx context.Context) bool
	onExit       func()
}

// NewStorageSupervisor validates opts and returns an idle supervisor.
func NewStorageSupervisor(opts StorageOptions) (*StorageSupervisor, error) {
	if opts.API == nil {
		return nil, fmt.Errorf("storage supervisor requires an API endpoint")
	}
	if opts.Spawner == nil {
		return nil, fmt.Errorf("storage supervisor requires a spawner")
	}
	if opts.Prober == nil {
		opts.Prober = probe.New(probe.DefaultTimeout)
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.Console == nil {
		opts.Console = io.Discard
	}
	s := &StorageSupervisor{opts: opts}
	s.init("storage", opts.Logger, opts.Token, opts.History)
	return s, nil
}

// SetGate installs a check run at the start of each reconcile; when it
// returns true the storage node is considered managed elsewhere.
func (s *StorageSupervisor) SetGate(fn func(ctx context.Context) bool) {
	s.mu.Lock()
	s.gate = fn
	s.mu.Unlock()
}

// SetExitHook installs fn to run after an owned node exits on its own.
func (s *StorageSupervisor) SetExitHook(fn func()) {
	s.mu.Lock()
	s.onExit = fn
	s.mu.Unlock()
}

// Reconcile runs one pass: adopt, refuse, spawn, or do nothing.
func (s *StorageSupervisor) Reconcile(ctx context.Context) error {
	pending, ok := s.claim(func() bool { return s.handle != nil || s.conflict != nil })
	if !ok {
		return nil
	}
	defer s.release(pending)

	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil && gate(ctx) {
		return nil
	}

	api := s.opts.API
	ph := s.opts.Prober.Probe(ctx, api, http.MethodPost, kubo.VersionURL(api))
	switch {
	case ph.Taken && ph.Healthy:
		metrics.RecordProbe(s.name, "healthy")
		s.adoptExternal(ctx)
		return nil
	case ph.Taken && s.State() == ExternallyOwned:
		// a slow answer from an adopted node is not a conflict
		metrics.RecordProbe(s.name, "unhealthy")
		s.log.Debug("external storage node did not answer health check", "api", api.String())
		return nil
	case ph.Taken:
		metrics.RecordProbe(s.name, "unhealthy")
		hp, _ := probe.HostPort(api)
		err := &PortConflictError{Service: "IPFS daemon", Label: "IPFS API", HostPort: hp, Endpoint: api.String()}
		s.mu.Lock()
		s.conflict = err
		s.setStateLocked(Idle)
		s.mu.Unlock()
		s.record(ctx, history.Event{Type: history.EventConflict, Endpoint: api.String(), Detail: err.Error()})
		return err
	}
	metrics.RecordProbe(s.name, "free")
	if s.State() == ExternallyOwned {
		s.log.Warn("external storage node went away, starting our own", "api", api.String())
	}
	return s.spawn(ctx)
}

func (s *StorageSupervisor) adoptExternal(ctx context.Context) {
	s.mu.Lock()
	already := s.state == ExternallyOwned
	s.setStateLocked(ExternallyOwned)
	s.mu.Unlock()
	if already {
		return
	}
	s.log.Info("storage node API already served by another program, using it", "api", s.opts.API.String())
	s.record(ctx, history.Event{Type: history.EventExternal, Endpoint: s.opts.API.String()})
}

func (s *StorageSupervisor) spawn(ctx context.Context) error {
	s.setState(Starting)
	h, err := s.opts.Spawner.Launch(ctx, s.opts.DataPath, s.opts.API, s.opts.Gateway)
	if err != nil {
		metrics.IncSpawnFailure(s.name)
		s.setState(Idle)
		return fmt.Errorf("start storage node: %w", err)
	}

	if s.token.IsSet() {
		// shutdown began while we were spawning; never adopt
		s.log.Info("shutdown in progress, stopping freshly started storage node", "pid", h.PID())
		if _, err := h.Stop(s.opts.StopTimeout, s.opts.ForceKill); err != nil {
			s.log.Error("stop storage node", "pid", h.PID(), "error", err)
		}
		s.setState(Idle)
		return nil
	}

	s.mu.Lock()
	s.handle = h
	restarted := s.needsRestart
	s.needsRestart = false
	if restarted {
		s.restarts++
	}
	s.setStateLocked(Owned)
	s.mu.Unlock()

	metrics.IncSpawn(s.name)
	if restarted {
		metrics.IncRestart(s.name)
	}
	s.log.Info("started storage node", "pid", h.PID())
	_, _ = fmt.Fprintf(s.opts.Console, "Kubo IPFS API listening on: %s\n", s.opts.API)
	if s.opts.Gateway != nil {
		_, _ = fmt.Fprintf(s.opts.Console, "Kubo IPFS Gateway listening on: %s\n", s.opts.Gateway)
	}
	s.record(ctx, history.Event{Type: history.EventSpawned, PID: h.PID(), Endpoint: s.opts.API.String()})
	go s.watch(h)
	return nil
}

// watch waits for h to exit. Unless h was already dropped by teardown, the
// supervisor goes back to Idle so the next reconcile replaces it.
func (s *StorageSupervisor) watch(h *process.Handle) {
	<-h.Done()
	s.mu.Lock()
	if s.handle != h {
		s.mu.Unlock()
		return
	}
	s.handle = nil
	exiting := s.token.IsSet()
	if !exiting {
		s.needsRestart = true
		s.setStateLocked(Idle)
	}
	onExit := s.onExit
	s.mu.Unlock()

	metrics.IncExit(s.name)
	detail := ""
	if err := h.ExitErr(); err != nil {
		detail = err.Error()
	}
	s.record(context.Background(), history.Event{Type: history.EventExited, PID: h.PID(), Endpoint: s.opts.API.String(), Detail: detail})
	if exiting {
		return
	}
	s.log.Warn("storage node exited, will restart it", "pid", h.PID(), "error", h.ExitErr())
	if onExit != nil {
		onExit()
	}
}

// Teardown waits for an in-flight start, then gracefully stops the owned
// node. A node we never started is left alone.
func (s *StorageSupervisor) Teardown(ctx context.Context) error {
	if err := s.awaitPending(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	if h == nil {
		s.setStateLocked(Stopped)
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(Stopping)
	s.mu.Unlock()

	s.log.Info("stopping storage node", "pid", h.PID(), "timeout", s.opts.StopTimeout)
	exited, err := h.Stop(s.opts.StopTimeout, s.opts.ForceKill)
	s.setState(Stopped)
	s.record(ctx, history.Event{Type: history.EventStopped, PID: h.PID(), Endpoint: s.opts.API.String()})
	if err != nil {
		return err
	}
	if !exited {
		return fmt.Errorf("storage node (pid %d) still running after %s", h.PID(), s.opts.StopTimeout)
	}
	return nil
}

// StorageStatus is a point-in-time view for status endpoints.
type StorageStatus struct {
	State    string `json:"state"`
	PID      int    `json:"pid,omitempty"`
	API      string `json:"api"`
	Restarts int    `json:"restarts"`
	Conflict string `json:"conflict,omitempty"`
}

func (s *StorageSupervisor) Status() StorageStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := StorageStatus{State: s.state.String(), API: s.opts.API.String(), Restarts: s.restarts}
	if s.handle != nil {
		st.PID = s.handle.PID()
	}
	if s.conflict != nil {
		st.Conflict = s.conflict.Error()
	}
	return st
}

// PID returns the owned node's pid or 0.
func (s *StorageSupervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return 0
	}
	return s.handle.PID()
}
