package supervisor

import (
	"bytes"
	"context"
	"net/url"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/peerd/internal/probe"
	"github.com/loykin/peerd/internal/process"
	"github.com/loykin/peerd/internal/rpcserver"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func waitUntil(timeout, step time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(step)
	}
	return false
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

// fakeProber answers from a table keyed by host:port; unknown ports are free.
type fakeProber struct {
	mu    sync.Mutex
	ports map[string]probe.PortHealth
	calls atomic.Int32
}

func newFakeProber() *fakeProber { return &fakeProber{ports: map[string]probe.PortHealth{}} }

func (f *fakeProber) set(u *url.URL, ph probe.PortHealth) {
	f.mu.Lock()
	f.ports[u.Host] = ph
	f.mu.Unlock()
}

func (f *fakeProber) get(u *url.URL) probe.PortHealth {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ports[u.Host]
}

func (f *fakeProber) PortTaken(_ context.Context, u *url.URL) (bool, error) {
	return f.get(u).Taken, nil
}

func (f *fakeProber) Probe(_ context.Context, u *url.URL, _, _ string) probe.PortHealth {
	return f.get(u)
}

// fakeSpawner starts "sleep 30" as the storage node.
type fakeSpawner struct {
	launches atomic.Int32
	entered  chan struct{} // signalled when Launch is entered
	gate     chan struct{} // Launch waits for it to close when non-nil
	fail     error

	mu   sync.Mutex
	last *process.Handle
}

func (f *fakeSpawner) Launch(ctx context.Context, _ string, _, _ *url.URL) (*process.Handle, error) {
	f.launches.Add(1)
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail != nil {
		return nil, f.fail
	}
	h, err := process.Start(process.Spec{Name: "storage", Command: "sleep 30"})
	if err == nil {
		f.mu.Lock()
		f.last = h
		f.mu.Unlock()
	}
	return h, err
}

func (f *fakeSpawner) lastHandle() *process.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type fakeServer struct {
	pid       int
	destroyed atomic.Int32
}

func (s *fakeServer) AuthKey() string { return "secret" }
func (s *fakeServer) Clients() []rpcserver.BundledClient {
	return []rpcserver.BundledClient{{Name: "seedit", Description: "Similar to old reddit UI", RemotePath: "/secret/seedit"}}
}
func (s *fakeServer) Communities() []string { return []string{"a.eth", "b.eth"} }
func (s *fakeServer) PID() int              { return s.pid }
func (s *fakeServer) Destroy(context.Context) error {
	s.destroyed.Add(1)
	return nil
}

type fakeFactory struct {
	mu      sync.Mutex
	servers []*fakeServer
	entered chan struct{}
	gate    chan struct{}
}

func (f *fakeFactory) start(ctx context.Context, _ rpcserver.Options) (Server, error) {
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeServer{pid: 1000 + len(f.servers)}
	f.servers = append(f.servers, s)
	return s, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.servers)
}

func (f *fakeFactory) last() *fakeServer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.servers) == 0 {
		return nil
	}
	return f.servers[len(f.servers)-1]
}

type fakeMonitor struct {
	ready     chan struct{}
	errs      chan error
	closeOnce sync.Once
	closed    atomic.Bool
}

func newFakeMonitor(ready bool) *fakeMonitor {
	m := &fakeMonitor{ready: make(chan struct{}), errs: make(chan error, 1)}
	if ready {
		close(m.ready)
	}
	return m
}

func (m *fakeMonitor) Ready() <-chan struct{} { return m.ready }
func (m *fakeMonitor) Communities() []string  { return []string{"remote.eth"} }
func (m *fakeMonitor) Errors() <-chan error   { return m.errs }
func (m *fakeMonitor) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.errs)
	})
	return nil
}
