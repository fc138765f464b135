package rpcserver

import (
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// CommunitiesDir is where the node keeps one database file per community.
const CommunitiesDir = "subplebbits"

var clientDescriptions = map[string]string{
	"plebones": "A bare bones UI client",
	"seedit":   "Similar to old reddit UI",
	"5chan":    "Imageboard-style UI",
}

// BundledClient is a web UI shipped next to the daemon.
type BundledClient struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Dir         string `json:"-"`
	// RemotePath is the path, including the auth key, the client is served at.
	RemotePath string `json:"remote_path"`
}

// newAuthKey returns 32 random bytes, base64url encoded without padding.
func newAuthKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// discoverClients lists subdirectories of dir that hold an index.html.
func discoverClients(dir, authKey string) []BundledClient {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []BundledClient
	for _, e := range entries {
		if !e.IsDir() || !isSafeName(e.Name()) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if _, err := os.Stat(filepath.Join(p, "index.html")); err != nil {
			continue
		}
		out = append(out, BundledClient{
			Name:        e.Name(),
			Description: clientDescriptions[e.Name()],
			Dir:         p,
			RemotePath:  "/" + authKey + "/" + e.Name(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListCommunities returns the community addresses stored under the data path.
func ListCommunities(dataPath string) []string {
	entries, err := os.ReadDir(filepath.Join(dataPath, CommunitiesDir))
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || strings.HasPrefix(n, ".") || strings.HasSuffix(n, "-journal") || strings.HasSuffix(n, ".lock") {
			continue
		}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// isSafeName allows [A-Za-z0-9._-] and rejects "..".
func isSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}
