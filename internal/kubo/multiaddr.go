package kubo

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// URLToMultiaddr converts an endpoint URL to the multiaddr form Kubo's
// Addresses config expects, e.g. http://127.0.0.1:5001/api/v0 -> /ip4/127.0.0.1/tcp/5001.
// "localhost" maps to the IPv4 loopback address.
func URLToMultiaddr(u *url.URL) (string, error) {
	if u == nil {
		return "", fmt.Errorf("nil url")
	}
	host, port := u.Hostname(), u.Port()
	if host == "" || port == "" {
		return "", fmt.Errorf("endpoint %q needs an explicit host and port", u.String())
	}
	if strings.EqualFold(host, "localhost") {
		host = "127.0.0.1"
	}
	ip := net.ParseIP(host)
	switch {
	case ip == nil:
		return "/dns4/" + host + "/tcp/" + port, nil
	case ip.To4() != nil:
		return "/ip4/" + ip.String() + "/tcp/" + port, nil
	default:
		return "/ip6/" + ip.String() + "/tcp/" + port, nil
	}
}

// MultiaddrToURL converts /ip4|ip6|dns|dns4|dns6/<host>/tcp/<port> into a
// URL with the given scheme and path.
func MultiaddrToURL(ma, scheme, path string) (*url.URL, error) {
	parts := strings.Split(strings.Trim(ma, "/"), "/")
	if len(parts) < 4 || parts[2] != "tcp" {
		return nil, fmt.Errorf("unsupported multiaddr %q", ma)
	}
	host := parts[1]
	switch parts[0] {
	case "ip4", "dns", "dns4", "dns6":
	case "ip6":
		host = "[" + host + "]"
	default:
		return nil, fmt.Errorf("unsupported multiaddr protocol %q in %q", parts[0], ma)
	}
	if host == "0.0.0.0" {
		host = "127.0.0.1"
	} else if host == "[::]" {
		host = "[::1]"
	}
	return &url.URL{Scheme: scheme, Host: host + ":" + parts[3], Path: path}, nil
}
