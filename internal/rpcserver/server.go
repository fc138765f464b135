// Package rpcserver starts the node RPC server owned by the daemon: an opaque
// backend process on a private loopback port behind a gin front on the
// configured RPC address.
package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/peerd/internal/env"
	"github.com/loykin/peerd/internal/logger"
	"github.com/loykin/peerd/internal/probe"
	"github.com/loykin/peerd/internal/process"
)

// Options are handed to the factory by the RPC supervisor.
type Options struct {
	BindURL    *url.URL // where clients connect, e.g. ws://localhost:9138
	StorageURL *url.URL // storage node API
	GatewayURL *url.URL
	DataPath   string
	NodeConfig map[string]any // merged node options, passed to the backend as JSON
}

// Factory knows how to run the backend.
type Factory struct {
	Command       string // backend command line
	WebClientsDir string
	Log           logger.Config
	Env           *env.Env
	Logger        *slog.Logger
	ReadyTimeout  time.Duration // backend port wait, default 30s
	StopTimeout   time.Duration // backend graceful stop, default 10s
}

// Server is a running, self-owned RPC server.
type Server struct {
	authKey  string
	bindURL  *url.URL
	dataPath string
	clients  []BundledClient
	log      *slog.Logger

	httpSrv     *http.Server
	backend     *process.Handle
	stopTimeout time.Duration
	group       *errgroup.Group
	destroyOnce sync.Once
	destroying  chan struct{}
	destroyErr  error
}

// Start runs the backend, waits for it to listen, then binds the front.
func (f *Factory) Start(ctx context.Context, opts Options) (*Server, error) {
	if strings.TrimSpace(f.Command) == "" {
		return nil, errors.New("rpc.command is not configured")
	}
	if opts.BindURL == nil {
		return nil, errors.New("rpc bind url required")
	}
	log := f.Logger
	if log == nil {
		log = slog.Default().With("component", "rpcserver")
	}
	authKey, err := newAuthKey()
	if err != nil {
		return nil, fmt.Errorf("generate auth key: %w", err)
	}
	if opts.DataPath != "" {
		if err := os.MkdirAll(opts.DataPath, 0o755); err != nil {
			return nil, fmt.Errorf("create data path: %w", err)
		}
	}
	backendAddr, err := freeLoopbackAddr()
	if err != nil {
		return nil, err
	}
	envList, err := f.backendEnv(opts, backendAddr, authKey)
	if err != nil {
		return nil, err
	}
	h, err := process.Start(process.Spec{
		Name:    "rpc",
		Command: f.Command,
		WorkDir: opts.DataPath,
		Env:     envList,
		Log:     f.Log,
	})
	if err != nil {
		return nil, fmt.Errorf("start rpc backend: %w", err)
	}
	stopTimeout := f.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	fail := func(err error) (*Server, error) {
		_, _ = h.Stop(stopTimeout, true)
		return nil, err
	}

	backendURL := &url.URL{Scheme: "http", Host: backendAddr}
	if err := waitListening(ctx, h, backendURL, f.readyTimeout()); err != nil {
		return fail(err)
	}

	bindAddr, err := probe.HostPort(opts.BindURL)
	if err != nil {
		return fail(err)
	}
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return fail(fmt.Errorf("listen %s: %w", bindAddr, err))
	}

	clients := discoverClients(f.WebClientsDir, authKey)
	s := &Server{
		authKey:     authKey,
		bindURL:     opts.BindURL,
		dataPath:    opts.DataPath,
		clients:     clients,
		log:         log,
		backend:     h,
		stopTimeout: stopTimeout,
		destroying:  make(chan struct{}),
		httpSrv: &http.Server{
			Handler:           NewRouter(authKey, backendURL, clients).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
	s.group = new(errgroup.Group)
	s.group.Go(func() error {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("rpc front: %w", err)
		}
		return nil
	})
	s.group.Go(func() error {
		select {
		case <-h.Done():
			select {
			case <-s.destroying:
				return nil
			default:
			}
			s.log.Error("rpc backend exited unexpectedly", "pid", h.PID(), "error", h.ExitErr())
			return fmt.Errorf("rpc backend exited: %v", h.ExitErr())
		case <-s.destroying:
			return nil
		}
	})
	log.Info("rpc server started", "bind", opts.BindURL.String(), "backend", backendAddr, "pid", h.PID())
	return s, nil
}

func (f *Factory) readyTimeout() time.Duration {
	if f.ReadyTimeout <= 0 {
		return 30 * time.Second
	}
	return f.ReadyTimeout
}

func (f *Factory) backendEnv(opts Options, listen, authKey string) ([]string, error) {
	e := f.Env
	if e == nil {
		e = env.New()
	}
	nodeCfg := opts.NodeConfig
	if nodeCfg == nil {
		nodeCfg = map[string]any{}
	}
	b, err := json.Marshal(nodeCfg)
	if err != nil {
		return nil, fmt.Errorf("encode node config: %w", err)
	}
	extra := []string{
		"PEERD_RPC_LISTEN=" + listen,
		"PEERD_RPC_AUTH_KEY=" + authKey,
		"PEERD_DATA_PATH=" + opts.DataPath,
		"PEERD_NODE_CONFIG=" + string(b),
	}
	if opts.StorageURL != nil {
		extra = append(extra, "PEERD_STORAGE_API_URL="+opts.StorageURL.String())
	}
	if opts.GatewayURL != nil {
		extra = append(extra, "PEERD_GATEWAY_URL="+opts.GatewayURL.String())
	}
	return e.Merge(extra), nil
}

func freeLoopbackAddr() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("reserve backend port: %w", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr, nil
}

func waitListening(ctx context.Context, h *process.Handle, u *url.URL, timeout time.Duration) error {
	p := probe.New(500 * time.Millisecond)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if taken, _ := p.PortTaken(ctx, u); taken {
			return nil
		}
		select {
		case <-h.Done():
			return fmt.Errorf("rpc backend exited before listening: %v", h.ExitErr())
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("rpc backend not listening on %s after %s", u.Host, timeout)
		case <-tick.C:
		}
	}
}

// AuthKey is the per-instance secret remote clients put in the URL path.
func (s *Server) AuthKey() string { return s.authKey }

// Clients lists the bundled web UIs.
func (s *Server) Clients() []BundledClient { return append([]BundledClient(nil), s.clients...) }

// Communities lists community databases in the data path.
func (s *Server) Communities() []string { return ListCommunities(s.dataPath) }

// PID of the backend process.
func (s *Server) PID() int { return s.backend.PID() }

// Destroy closes the front and stops the backend. Idempotent.
func (s *Server) Destroy(ctx context.Context) error {
	s.destroyOnce.Do(func() {
		close(s.destroying)
		var errs []error
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown rpc front: %w", err))
			_ = s.httpSrv.Close()
		}
		exited, err := s.backend.Stop(s.stopTimeout, true)
		if err != nil {
			errs = append(errs, err)
		} else if !exited {
			errs = append(errs, fmt.Errorf("rpc backend (pid %d) did not exit", s.backend.PID()))
		}
		if err := s.group.Wait(); err != nil {
			errs = append(errs, err)
		}
		s.destroyErr = errors.Join(errs...)
	})
	return s.destroyErr
}

// LocalURL is the RPC URL for loopback clients.
func (s *Server) LocalURL() string { return s.bindURL.String() }

// RemoteURL is the RPC URL carrying the auth key.
func (s *Server) RemoteURL() string {
	return strings.TrimRight(s.bindURL.String(), "/") + "/" + s.authKey
}

// Port of the front.
func (s *Server) Port() int {
	p, _ := strconv.Atoi(s.bindURL.Port())
	return p
}
