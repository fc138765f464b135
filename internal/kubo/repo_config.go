package kubo

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

// Endpoints are the API and gateway addresses recorded in a Kubo repo.
type Endpoints struct {
	API     *url.URL
	Gateway *url.URL
}

type repoConfig struct {
	Addresses struct {
		API     json.RawMessage `json:"API"`
		Gateway json.RawMessage `json:"Gateway"`
	} `json:"Addresses"`
}

// ReadConfigEndpoints reads Addresses.API and Addresses.Gateway from the repo's
// config file. The API URL carries the /api/v0 path. Missing entries stay nil.
func ReadConfigEndpoints(repoPath string) (Endpoints, error) {
	// #nosec G304
	b, err := os.ReadFile(filepath.Join(repoPath, "config"))
	if err != nil {
		return Endpoints{}, err
	}
	var cfg repoConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Endpoints{}, fmt.Errorf("parse kubo config: %w", err)
	}
	var out Endpoints
	if ma := firstAddr(cfg.Addresses.API); ma != "" {
		if out.API, err = MultiaddrToURL(ma, "http", "/api/v0"); err != nil {
			return Endpoints{}, err
		}
	}
	if ma := firstAddr(cfg.Addresses.Gateway); ma != "" {
		if out.Gateway, err = MultiaddrToURL(ma, "http", ""); err != nil {
			return Endpoints{}, err
		}
	}
	return out, nil
}

// firstAddr accepts either a single multiaddr string or a list of them.
func firstAddr(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[0]
	}
	return ""
}
