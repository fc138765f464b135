package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/peerd/internal/history"
	"github.com/loykin/peerd/internal/metrics"
	"github.com/loykin/peerd/internal/probe"
	"github.com/loykin/peerd/internal/rpcclient"
	"github.com/loykin/peerd/internal/rpcserver"
)

// Server is a self-owned RPC server, satisfied by *rpcserver.Server.
type Server interface {
	AuthKey() string
	Clients() []rpcserver.BundledClient
	Communities() []string
	PID() int
	Destroy(ctx context.Context) error
}

// Monitor watches an RPC server someone else runs, satisfied by *rpcclient.Monitor.
type Monitor interface {
	Ready() <-chan struct{}
	Communities() []string
	Errors() <-chan error
	Close() error
}

// ServerFactory starts a self-owned RPC server.
type ServerFactory func(ctx context.Context, opts rpcserver.Options) (Server, error)

// Connector attaches a monitor to a running RPC server.
type Connector func(ctx context.Context, u *url.URL) (Monitor, error)

// FactoryFunc adapts an *rpcserver.Factory.
func FactoryFunc(f *rpcserver.Factory) ServerFactory {
	return func(ctx context.Context, opts rpcserver.Options) (Server, error) {
		s, err := f.Start(ctx, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// DialMonitor is the Connector backed by rpcclient.Dial.
func DialMonitor(ctx context.Context, u *url.URL) (Monitor, error) {
	m, err := rpcclient.Dial(ctx, u)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RPCOptions configures an RPCSupervisor.
type RPCOptions struct {
	URL          *url.URL // where the RPC server listens
	StorageURL   *url.URL
	GatewayURL   *url.URL
	DataPath     string
	NodeConfig   map[string]any
	Factory      ServerFactory
	Connect      Connector
	Prober       PortProber
	Token        *Token
	ReadyTimeout time.Duration // wait for an external server's first community list, default 30s
	Logger       *slog.Logger
	History      *history.Recorder
	Console      io.Writer
}

// RPCSupervisor starts the RPC server once, or attaches to one that is
// already running. A self-owned server is never restarted.
type RPCSupervisor struct {
	core
	opts RPCOptions

	// guarded by core.mu
	server  Server
	monitor Monitor
}

func NewRPCSupervisor(opts RPCOptions) (*RPCSupervisor, error) {
	if opts.URL == nil {
		return nil, fmt.Errorf("rpc supervisor requires a url")
	}
	if opts.Factory == nil {
		return nil, fmt.Errorf("rpc supervisor requires a server factory")
	}
	if opts.Connect == nil {
		opts.Connect = DialMonitor
	}
	if opts.Prober == nil {
		opts.Prober = probe.New(probe.DefaultTimeout)
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 30 * time.Second
	}
	if opts.Console == nil {
		opts.Console = io.Discard
	}
	s := &RPCSupervisor{opts: opts}
	s.init("rpc", opts.Logger, opts.Token, opts.History)
	return s, nil
}

// Reconcile runs one pass: attach, detach and start, start, or nothing.
func (s *RPCSupervisor) Reconcile(ctx context.Context) error {
	pending, ok := s.claim(func() bool { return s.state == Owned })
	if !ok {
		return nil
	}
	defer s.release(pending)

	taken, err := s.opts.Prober.PortTaken(ctx, s.opts.URL)
	if err != nil {
		return fmt.Errorf("probe rpc port: %w", err)
	}
	if taken {
		metrics.RecordProbe(s.name, "taken")
		if s.State() == ExternallyOwned {
			return nil
		}
		return s.attach(ctx)
	}
	metrics.RecordProbe(s.name, "free")
	if s.State() == ExternallyOwned {
		s.detach()
	}
	return s.startOwn(ctx)
}

func (s *RPCSupervisor) attach(ctx context.Context) error {
	u := s.opts.URL
	_, _ = fmt.Fprintf(s.opts.Console, "Using the already started RPC server at: %s\n", u)
	mon, err := s.opts.Connect(ctx, u)
	if err != nil {
		return fmt.Errorf("connect to rpc server at %s: %w", u, err)
	}

	t := time.NewTimer(s.opts.ReadyTimeout)
	defer t.Stop()
	select {
	case <-mon.Ready():
	case <-s.token.Done():
		_ = mon.Close()
		return nil
	case <-ctx.Done():
		_ = mon.Close()
		return ctx.Err()
	case <-t.C:
		_ = mon.Close()
		return fmt.Errorf("rpc server at %s did not send its community list within %s", u, s.opts.ReadyTimeout)
	}
	if s.token.IsSet() {
		_ = mon.Close()
		return nil
	}

	s.mu.Lock()
	s.monitor = mon
	s.setStateLocked(ExternallyOwned)
	s.mu.Unlock()

	communities := mon.Communities()
	s.log.Info("attached to running rpc server", "url", u.String(), "communities", len(communities))
	_, _ = fmt.Fprintf(s.opts.Console, "Communities in data path: %s\n", strings.Join(communities, ", "))
	s.record(ctx, history.Event{Type: history.EventExternal, Endpoint: u.String()})
	go s.observe(mon)
	return nil
}

// observe logs monitor errors until the monitor is closed.
func (s *RPCSupervisor) observe(mon Monitor) {
	for err := range mon.Errors() {
		s.log.Warn("rpc server error", "error", err)
	}
}

func (s *RPCSupervisor) detach() {
	s.mu.Lock()
	mon := s.monitor
	s.monitor = nil
	s.setStateLocked(Idle)
	s.mu.Unlock()
	if mon != nil {
		_ = mon.Close()
	}
	s.log.Warn("external rpc server went away, starting our own", "url", s.opts.URL.String())
}

func (s *RPCSupervisor) startOwn(ctx context.Context) error {
	s.setState(Starting)
	srv, err := s.opts.Factory(ctx, rpcserver.Options{
		BindURL:    s.opts.URL,
		StorageURL: s.opts.StorageURL,
		GatewayURL: s.opts.GatewayURL,
		DataPath:   s.opts.DataPath,
		NodeConfig: s.opts.NodeConfig,
	})
	if err != nil {
		metrics.IncSpawnFailure(s.name)
		s.setState(Idle)
		return fmt.Errorf("start rpc server: %w", err)
	}
	if s.token.IsSet() {
		s.log.Info("shutdown in progress, destroying freshly started rpc server", "pid", srv.PID())
		if err := srv.Destroy(context.WithoutCancel(ctx)); err != nil {
			s.log.Error("destroy rpc server", "error", err)
		}
		s.setState(Idle)
		return nil
	}

	s.mu.Lock()
	s.server = srv
	s.setStateLocked(Owned)
	s.mu.Unlock()

	metrics.IncSpawn(s.name)
	s.log.Info("started rpc server", "url", s.opts.URL.String(), "pid", srv.PID())
	s.record(ctx, history.Event{Type: history.EventSpawned, PID: srv.PID(), Endpoint: s.opts.URL.String()})
	s.printBanner(srv)
	return nil
}

func (s *RPCSupervisor) printBanner(srv Server) {
	w := s.opts.Console
	base := strings.TrimRight(s.opts.URL.String(), "/")
	_, _ = fmt.Fprintf(w, "rpc: listening on %s (local connections only)\n", base)
	_, _ = fmt.Fprintf(w, "rpc: listening on %s/%s (secret auth key for remote connections)\n", base, srv.AuthKey())
	_, _ = fmt.Fprintf(w, "Data path: %s\n", s.opts.DataPath)
	_, _ = fmt.Fprintf(w, "Communities in data path: %s\n", strings.Join(srv.Communities(), ", "))

	port := s.opts.URL.Port()
	if port == "" {
		if hp, err := probe.HostPort(s.opts.URL); err == nil {
			port = hp[strings.LastIndexByte(hp, ':')+1:]
		}
	}
	lan := probe.LANIPv4()
	for _, c := range srv.Clients() {
		label := c.Name
		if c.Description != "" {
			label += " - " + c.Description
		}
		_, _ = fmt.Fprintf(w, "WebUI (%s): http://localhost:%s%s\n", label, port, c.RemotePath)
		if lan != "" {
			_, _ = fmt.Fprintf(w, "WebUI (%s): http://%s:%s%s\n", label, lan, port, c.RemotePath)
		}
	}
}

// Teardown waits for an in-flight start, closes the monitor of an external
// server and destroys a self-owned one.
func (s *RPCSupervisor) Teardown(ctx context.Context) error {
	if err := s.awaitPending(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	srv, mon := s.server, s.monitor
	s.server, s.monitor = nil, nil
	if srv != nil {
		s.setStateLocked(Stopping)
	}
	s.mu.Unlock()

	if mon != nil {
		_ = mon.Close()
	}
	if srv == nil {
		s.setState(Stopped)
		return nil
	}
	s.log.Info("destroying rpc server", "pid", srv.PID())
	err := srv.Destroy(ctx)
	s.setState(Stopped)
	s.record(ctx, history.Event{Type: history.EventStopped, PID: srv.PID(), Endpoint: s.opts.URL.String()})
	if err != nil {
		return fmt.Errorf("destroy rpc server: %w", err)
	}
	return nil
}

// RPCStatus is a point-in-time view for status endpoints.
type RPCStatus struct {
	State       string   `json:"state"`
	PID         int      `json:"pid,omitempty"`
	URL         string   `json:"url"`
	Communities []string `json:"communities,omitempty"`
}

func (s *RPCSupervisor) Status() RPCStatus {
	s.mu.Lock()
	srv, mon := s.server, s.monitor
	st := RPCStatus{State: s.state.String(), URL: s.opts.URL.String()}
	s.mu.Unlock()
	switch {
	case srv != nil:
		st.PID = srv.PID()
		st.Communities = srv.Communities()
	case mon != nil:
		st.Communities = mon.Communities()
	}
	return st
}

// PID returns the self-owned server's pid or 0.
func (s *RPCSupervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return 0
	}
	return s.server.PID()
}
