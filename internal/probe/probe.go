// Package probe answers two questions about a configured endpoint: is
// something listening on its port, and does that something respond like the
// service we expect. Results are computed fresh on every call.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds both the port dial and the health request.
const DefaultTimeout = 2 * time.Second

// Health is the outcome of a single health request.
type Health int

const (
	Unreachable Health = iota // connection failed or timed out
	Unhealthy                 // connected but got an unexpected answer
	Healthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unreachable"
	}
}

// PortHealth is the derived view of an endpoint. Never cached.
type PortHealth struct {
	Taken   bool
	Healthy bool
}

// Prober performs bounded, non-retrying checks.
type Prober struct {
	Timeout time.Duration
	Client  *http.Client
}

// New returns a Prober with the given timeout (DefaultTimeout when <= 0).
func New(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{Timeout: timeout, Client: &http.Client{}}
}

func (p *Prober) timeout() time.Duration {
	if p == nil || p.Timeout <= 0 {
		return DefaultTimeout
	}
	return p.Timeout
}

// PortTaken reports whether a TCP listener accepts connections at the
// endpoint's host:port. Any dial failure counts as free; the returned error
// only reports a malformed endpoint.
func (p *Prober) PortTaken(ctx context.Context, u *url.URL) (bool, error) {
	addr, err := HostPort(u)
	if err != nil {
		return false, err
	}
	d := net.Dialer{Timeout: p.timeout()}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false, nil
	}
	_ = conn.Close()
	return true, nil
}

// Health issues one request (method is POST for the storage node's API) and
// maps the answer. Only a 2xx counts as healthy.
func (p *Prober) Health(ctx context.Context, method, target string) Health {
	ctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return Unreachable
	}
	client := http.DefaultClient
	if p != nil && p.Client != nil {
		client = p.Client
	}
	resp, err := client.Do(req)
	if err != nil {
		return Unreachable
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Healthy
	}
	return Unhealthy
}

// Probe combines PortTaken and Health. A free port is never healthy and the
// health request is skipped.
func (p *Prober) Probe(ctx context.Context, u *url.URL, method, healthURL string) PortHealth {
	taken, err := p.PortTaken(ctx, u)
	if err != nil || !taken {
		return PortHealth{}
	}
	return PortHealth{Taken: true, Healthy: p.Health(ctx, method, healthURL) == Healthy}
}

// HostPort returns host:port for u, filling in the scheme's default port.
func HostPort(u *url.URL) (string, error) {
	if u == nil {
		return "", errors.New("nil endpoint")
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("endpoint %q has no host", u.String())
	}
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "http", "ws":
			port = "80"
		case "https", "wss":
			port = "443"
		default:
			return "", fmt.Errorf("endpoint %q has no port", u.String())
		}
	}
	return net.JoinHostPort(host, port), nil
}

// LANIPv4 returns the first non-loopback IPv4 address of an up interface,
// or "" when there is none.
func LANIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip4 := ip.To4(); ip4 != nil && !ip4.IsLoopback() {
				return ip4.String()
			}
		}
	}
	return ""
}

// IsLoopbackHost reports whether host names the local machine.
func IsLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
