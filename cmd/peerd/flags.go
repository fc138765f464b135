package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps daemon flag names to config keys.
var flagKeys = map[string]string{
	"data-path":       "data_path",
	"log-path":        "log_path",
	"rpc-url":         "rpc.url",
	"rpc-command":     "rpc.command",
	"web-clients-dir": "rpc.web_clients_dir",
	"ipfs-binary":     "storage.binary",
	"storage-api-url": "storage.api_url",
	"gateway-url":     "storage.gateway_url",
	"poll-interval":   "supervisor.poll_interval",
	"probe-timeout":   "supervisor.probe_timeout",
	"stop-timeout":    "supervisor.stop_timeout",
	"shutdown-wait":   "supervisor.shutdown_wait",
	"force-kill":      "supervisor.force_kill_on_timeout",
	"history-dsn":     "history.dsn",
	"admin-listen":    "admin.listen",
	"log-level":       "log.level",
}

// DaemonFlags holds flags that are not plain config keys.
type DaemonFlags struct {
	// Node holds repeated --node path=value overrides.
	Node []string
}

func addDaemonFlags(fs *pflag.FlagSet, df *DaemonFlags) {
	fs.String("data-path", "", "directory for the storage repo and node data")
	fs.String("log-path", "", "directory for daemon log files")
	fs.String("rpc-url", "", "URL the RPC server listens on (default ws://localhost:9138)")
	fs.String("rpc-command", "", "command that runs the RPC server backend")
	fs.String("web-clients-dir", "", "directory of bundled web clients")
	fs.String("ipfs-binary", "", "Kubo binary (default ipfs)")
	fs.String("storage-api-url", "", "Kubo API URL; setting it also disables deferring storage to a foreign RPC server")
	fs.String("gateway-url", "", "Kubo gateway URL")
	fs.Duration("poll-interval", 0, "reconciliation interval (default 5s)")
	fs.Duration("probe-timeout", 0, "port and health probe timeout (default 2s)")
	fs.Duration("stop-timeout", 0, "graceful stop wait for the storage node (default 10s)")
	fs.Duration("shutdown-wait", 0, "upper bound for the whole shutdown (default 2m)")
	fs.Bool("force-kill", false, "SIGKILL the storage node if it outlives --stop-timeout")
	fs.String("history-dsn", "", "lifecycle history sink: sqlite path, postgres:// or clickhouse:// DSN")
	fs.String("admin-listen", "", "address for the admin API, e.g. 127.0.0.1:9139")
	fs.String("log-level", "", "debug, info, warn or error")
	fs.StringArrayVar(&df.Node, "node", nil, "node option as path=value, e.g. --node chainProviders.eth.url=https://ethrpc.com (repeatable)")
}

// bindFlags binds every known flag present in fs to its config key.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return nil
}

// applyNodeOverrides merges path=value pairs into node. Dots in the path
// create nested maps; values are decoded as JSON when possible.
func applyNodeOverrides(node map[string]any, overrides []string) (map[string]any, error) {
	if node == nil {
		node = map[string]any{}
	}
	for _, kv := range overrides {
		path, raw, ok := strings.Cut(kv, "=")
		path = strings.TrimSpace(path)
		if !ok || path == "" {
			return nil, fmt.Errorf("--node %q: expected path=value", kv)
		}
		parts := strings.Split(path, ".")
		cur := node
		for i, p := range parts {
			if p == "" {
				return nil, fmt.Errorf("--node %q: empty path segment", kv)
			}
			if i == len(parts)-1 {
				cur[p] = nodeValue(raw)
				break
			}
			next, ok := cur[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				cur[p] = next
			}
			cur = next
		}
	}
	return node, nil
}

func nodeValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
