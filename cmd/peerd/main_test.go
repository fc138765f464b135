package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/loykin/peerd/internal/admin"
	"github.com/loykin/peerd/internal/config"
	"github.com/loykin/peerd/internal/logger"
	"github.com/loykin/peerd/internal/probe"
	"github.com/loykin/peerd/internal/rpcclient"
	"github.com/loykin/peerd/internal/supervisor"
)

func TestBuildRoot_Commands(t *testing.T) {
	root := buildRoot()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"daemon", "logs", "status", "community", "version"} {
		require.Contains(t, names, want)
	}
	require.NotNil(t, root.PersistentFlags().Lookup("config"))

	daemon, _, err := root.Find([]string{"daemon"})
	require.NoError(t, err)
	for name := range flagKeys {
		require.NotNil(t, daemon.Flags().Lookup(name), "daemon lacks --%s", name)
	}
}

func TestVersionCommand(t *testing.T) {
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	require.Equal(t, "peerd dev\n", out.String())
}

func TestLoadConfig_FlagsOverride(t *testing.T) {
	cmd := createDaemonCommand(&GlobalFlags{})
	require.NoError(t, cmd.Flags().Parse([]string{
		"--rpc-url", "ws://localhost:53812",
		"--poll-interval", "750ms",
		"--force-kill",
	}))
	cfg, err := loadConfig("", cmd)
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:53812", cfg.RPC.URL)
	require.Equal(t, 750*time.Millisecond, cfg.Supervisor.PollInterval)
	require.True(t, cfg.Supervisor.ForceKillOnTimeout)
	// unset flags keep defaults
	require.Equal(t, 10*time.Second, cfg.Supervisor.StopTimeout)
}

func TestApplyNodeOverrides(t *testing.T) {
	got, err := applyNodeOverrides(map[string]any{"keep": true}, []string{
		"publishInterval=20",
		"chainProviders.eth.url=https://ethrpc.com",
		"chainProviders.eth.chainId=1",
		`httpRoutersOptions=["a","b"]`,
	})
	require.NoError(t, err)
	want := map[string]any{
		"keep":            true,
		"publishInterval": float64(20),
		"chainProviders": map[string]any{
			"eth": map[string]any{"url": "https://ethrpc.com", "chainId": float64(1)},
		},
		"httpRoutersOptions": []any{"a", "b"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("node options (-want +got):\n%s", diff)
	}

	for _, bad := range []string{"novalue", "=1", "a..b=1"} {
		_, err := applyNodeOverrides(nil, []string{bad})
		require.Error(t, err, "input %q", bad)
	}
}

func writeDaemonLog(t *testing.T, dir string, at time.Time, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, logger.DaemonLogName(at)), []byte(body), 0o644))
}

func TestRunLogs(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 1, 2, 14, 0, 0, 0, time.UTC)
	writeDaemonLog(t, dir, now.Add(-48*time.Hour), "[2025-12-31T14:00:00.000Z] old run\n")
	writeDaemonLog(t, dir, now.Add(-2*time.Hour), ""+
		"[2026-01-02T12:00:00.000Z] first\n"+
		"  continuation\n"+
		"[2026-01-02T13:30:00.000Z] second\n"+
		"[2026-01-02T13:50:00.000Z] third\n")

	var out bytes.Buffer
	require.NoError(t, runLogs(context.Background(), &out, &LogsFlags{LogPath: dir, Tail: "all"}, now))
	require.NotContains(t, out.String(), "old run")
	require.Contains(t, out.String(), "continuation")

	out.Reset()
	require.NoError(t, runLogs(context.Background(), &out, &LogsFlags{LogPath: dir, Tail: "1"}, now))
	require.Equal(t, "[2026-01-02T13:50:00.000Z] third\n", out.String())

	out.Reset()
	require.NoError(t, runLogs(context.Background(), &out, &LogsFlags{LogPath: dir, Tail: "all", Since: "1h", Until: "2026-01-02T13:45:00Z"}, now))
	require.Equal(t, "[2026-01-02T13:30:00.000Z] second\n", out.String())

	require.Error(t, runLogs(context.Background(), &out, &LogsFlags{LogPath: dir, Tail: "-3"}, now))
	require.Error(t, runLogs(context.Background(), &out, &LogsFlags{LogPath: dir, Tail: "all", Since: "yesterday"}, now))
	require.Error(t, runLogs(context.Background(), &out, &LogsFlags{LogPath: t.TempDir(), Tail: "all"}, now))
}

func TestRenderStatus(t *testing.T) {
	out := renderStatus(supervisor.Status{
		Storage: supervisor.StorageStatus{State: "owned", PID: 4242, API: "http://127.0.0.1:50019/api/v0", Restarts: 2},
		RPC:     supervisor.RPCStatus{State: "external", URL: "ws://localhost:9138", Communities: []string{"a.eth"}},
	})
	for _, want := range []string{"storage", "owned", "4242", "external", "ws://localhost:9138", "Communities: 1"} {
		require.Contains(t, out, want)
	}
}

func TestProbeStatus(t *testing.T) {
	kubo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/v0/version" {
			_, _ = w.Write([]byte(`{"Version":"0.30.0"}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer kubo.Close()

	cfg := &config.Config{DataPath: t.TempDir()}
	cfg.Storage.APIURL = kubo.URL + "/api/v0"
	cfg.RPC.URL = "ws://127.0.0.1:" + freePort(t)

	st, err := probeStatus(context.Background(), cfg, probe.New(time.Second))
	require.NoError(t, err)
	require.Equal(t, "running", st.Storage.State)
	require.Equal(t, "down", st.RPC.State)
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, ln.Close())
	return port
}

// foreignRPC is an RPC server someone else runs.
func foreignRPC(t *testing.T) *url.URL {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = ws.Close() }()
		var req map[string]any
		if err := ws.ReadJSON(&req); err != nil || req["method"] != rpcclient.SubscribeMethod {
			return
		}
		_ = ws.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req["id"], "result": 1})
		b, _ := json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"method":  rpcclient.NotificationMethod,
			"params":  map[string]any{"subscription": 1, "result": []string{"community.eth"}},
		})
		_ = ws.WriteMessage(websocket.TextMessage, b)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse("ws" + strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	return u
}

func TestRunDaemon_AttachesToForeignRPC(t *testing.T) {
	rpcURL := foreignRPC(t)
	adminAddr := "127.0.0.1:" + freePort(t)
	logDir := filepath.Join(t.TempDir(), "logs")

	v := config.New()
	v.Set("data_path", filepath.Join(t.TempDir(), "data"))
	v.Set("log_path", logDir)
	v.Set("rpc.url", rpcURL.String())
	v.Set("admin.listen", adminAddr)
	v.Set("supervisor.poll_interval", "100ms")
	cfg, err := config.Load(v, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- runDaemon(ctx, cfg, &stdout, &stderr) }()

	var st supervisor.Status
	ok := waitUntil(10*time.Second, 50*time.Millisecond, func() bool {
		fctx, fcancel := context.WithTimeout(context.Background(), time.Second)
		defer fcancel()
		st, err = admin.FetchStatus(fctx, adminAddr, "")
		return err == nil && st.RPC.State == "external"
	})
	require.True(t, ok, "daemon never attached: %+v %v", st, err)
	require.Equal(t, "idle", st.Storage.State, "storage must be left to the foreign rpc server")
	require.Equal(t, []string{"community.eth"}, st.RPC.Communities)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("daemon did not shut down")
	}

	logs, err := logger.ListDaemonLogs(logDir)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	b, err := os.ReadFile(logs[0])
	require.NoError(t, err)
	require.Contains(t, string(b), "Using the already started RPC server at: "+rpcURL.String())
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
