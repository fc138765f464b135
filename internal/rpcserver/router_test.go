package rpcserver

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() { gin.SetMode(gin.TestMode) }

const testKey = "k3y"

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "backend:"+r.URL.Path)
	}))
	t.Cleanup(backend.Close)
	u, err := url.Parse(backend.URL)
	require.NoError(t, err)

	webDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(webDir, "seedit"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(webDir, "seedit", "index.html"), []byte("<h1>seedit</h1>"), 0o644))
	return NewRouter(testKey, u, discoverClients(webDir, testKey)).Handler()
}

func serve(h http.Handler, remote, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_LoopbackProxiesWithoutKey(t *testing.T) {
	h := newTestRouter(t)
	rec := serve(h, "127.0.0.1:40000", "/rpc")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "backend:/rpc", rec.Body.String())
}

func TestRouter_RemoteNeedsKey(t *testing.T) {
	h := newTestRouter(t)

	rec := serve(h, "192.168.1.20:40000", "/rpc")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(h, "192.168.1.20:40000", "/wrong/rpc")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(h, "192.168.1.20:40000", "/"+testKey+"/rpc")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "backend:/rpc", rec.Body.String())

	rec = serve(h, "192.168.1.20:40000", "/"+testKey)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "backend:/", rec.Body.String())
}

func TestRouter_ServesWebClients(t *testing.T) {
	h := newTestRouter(t)

	rec := serve(h, "192.168.1.20:40000", "/"+testKey+"/seedit")
	require.Equal(t, http.StatusMovedPermanently, rec.Code)
	require.Equal(t, "/"+testKey+"/seedit/", rec.Header().Get("Location"))

	rec = serve(h, "192.168.1.20:40000", "/"+testKey+"/seedit/")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "<h1>seedit</h1>")

	rec = serve(h, "127.0.0.1:40000", "/seedit/")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "<h1>seedit</h1>")
}

func TestRouter_Healthz(t *testing.T) {
	h := newTestRouter(t)
	rec := serve(h, "10.0.0.1:1", "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
}
