package rpcserver

import (
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/peerd/internal/probe"
)

// Router fronts the RPC backend. Loopback peers may use any path; remote
// peers must prefix the path with /<authKey>. Bundled web clients are served
// from disk, everything else is proxied to the backend (WebSocket included).
type Router struct {
	authKey string
	clients map[string]BundledClient
	proxy   *httputil.ReverseProxy
}

func NewRouter(authKey string, backend *url.URL, clients []BundledClient) *Router {
	m := make(map[string]BundledClient, len(clients))
	for _, c := range clients {
		m[c.Name] = c
	}
	return &Router{authKey: authKey, clients: m, proxy: httputil.NewSingleHostReverseProxy(backend)}
}

// Handler returns the gin engine.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	g.NoRoute(r.dispatch)
	return g
}

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) dispatch(c *gin.Context) {
	rest, authed := r.stripKey(c.Request.URL.Path)
	if !authed && !isLoopbackPeer(c.Request.RemoteAddr) {
		c.JSON(http.StatusForbidden, errorResp{Error: "remote connections require the auth key path"})
		return
	}

	name, _, _ := strings.Cut(strings.TrimPrefix(rest, "/"), "/")
	if client, ok := r.clients[name]; ok {
		if rest == "/"+name {
			// relative asset links need the trailing slash
			c.Redirect(http.StatusMovedPermanently, c.Request.URL.Path+"/")
			return
		}
		prefix := strings.TrimSuffix(c.Request.URL.Path, strings.TrimPrefix(rest, "/"+name))
		http.StripPrefix(prefix, http.FileServer(http.Dir(client.Dir))).ServeHTTP(c.Writer, c.Request)
		return
	}

	req := c.Request.Clone(c.Request.Context())
	req.URL.Path = rest
	req.URL.RawPath = ""
	r.proxy.ServeHTTP(c.Writer, req)
}

// stripKey removes a leading /<authKey> segment.
func (r *Router) stripKey(p string) (string, bool) {
	prefix := "/" + r.authKey
	if p == prefix {
		return "/", true
	}
	if strings.HasPrefix(p, prefix+"/") {
		return p[len(prefix):], true
	}
	if p == "" {
		p = "/"
	}
	return p, false
}

func isLoopbackPeer(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return probe.IsLoopbackHost(host)
}
