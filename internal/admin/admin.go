// Package admin serves the optional local control API: supervisor status,
// Prometheus metrics and a manual reconcile trigger.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/peerd/internal/metrics"
	"github.com/loykin/peerd/internal/supervisor"
)

// Daemon is the part of *supervisor.Daemon the API needs.
type Daemon interface {
	Status() supervisor.Status
	Kick()
}

// Server exposes:
//
//	GET  {base}/status     both supervisors' state
//	POST {base}/reconcile  run a reconcile pass now
//	GET  /metrics          Prometheus exposition
type Server struct {
	e    *echo.Echo
	d    Daemon
	base string
	log  *slog.Logger
}

// New builds the API. A nil gatherer uses the default registry.
func New(d Daemon, basePath string, g prometheus.Gatherer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{e: echo.New(), d: d, base: sanitizeBase(basePath), log: log.With("component", "admin")}
	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.Use(middleware.Recover())
	s.e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))

	grp := s.e.Group(s.base)
	grp.GET("/status", s.handleStatus)
	grp.POST("/reconcile", s.handleReconcile)
	mh := metrics.Handler()
	if g != nil {
		mh = metrics.HandlerFor(g)
	}
	s.e.GET("/metrics", echo.WrapHandler(mh))
	return s
}

// Handler returns the echo instance for mounting or tests.
func (s *Server) Handler() http.Handler { return s.e }

type okResp struct {
	OK bool `json:"ok"`
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.d.Status())
}

func (s *Server) handleReconcile(c echo.Context) error {
	s.d.Kick()
	return c.JSON(http.StatusAccepted, okResp{OK: true})
}

// Serve runs the API on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.e,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.log.Info("admin api listening", "addr", ln.Addr().String())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// FetchStatus asks a running daemon's admin API for its status.
func FetchStatus(ctx context.Context, addr, basePath string) (supervisor.Status, error) {
	var st supervisor.Status
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	target := strings.TrimRight(base, "/") + sanitizeBase(basePath) + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return st, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return st, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("admin api %s: %s", target, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}
