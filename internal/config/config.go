// Package config loads peerd settings. Precedence, lowest first: built-in
// defaults, the TOML config file, PEERD_* environment variables, CLI flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/peerd/internal/env"
	"github.com/loykin/peerd/internal/kubo"
	"github.com/loykin/peerd/internal/logger"
)

// Endpoint fallbacks used when neither config nor the Kubo repo name one.
const (
	DefaultRPCURL     = "ws://localhost:9138"
	DefaultStorageAPI = "http://127.0.0.1:50019/api/v0"
	DefaultGatewayURL = "http://127.0.0.1:6473"
)

// EnvPrefix is the prefix for environment overrides, e.g. PEERD_RPC_URL.
const EnvPrefix = "PEERD"

type Config struct {
	DataPath   string           `toml:"data_path" mapstructure:"data_path"`
	LogPath    string           `toml:"log_path" mapstructure:"log_path"`
	Env        []string         `toml:"env" mapstructure:"env"`
	EnvFiles   []string         `toml:"env_files" mapstructure:"env_files"`
	RPC        RPCConfig        `toml:"rpc" mapstructure:"rpc"`
	Storage    StorageConfig    `toml:"storage" mapstructure:"storage"`
	Supervisor SupervisorConfig `toml:"supervisor" mapstructure:"supervisor"`
	Node       map[string]any   `toml:"node" mapstructure:"node"`
	History    HistoryConfig    `toml:"history" mapstructure:"history"`
	Admin      AdminConfig      `toml:"admin" mapstructure:"admin"`
	Log        LogConfig        `toml:"log" mapstructure:"log"`
}

type RPCConfig struct {
	URL           string        `toml:"url" mapstructure:"url"`
	Command       string        `toml:"command" mapstructure:"command"`
	WebClientsDir string        `toml:"web_clients_dir" mapstructure:"web_clients_dir"`
	ReadyTimeout  time.Duration `toml:"ready_timeout" mapstructure:"ready_timeout"`
}

type StorageConfig struct {
	Binary       string        `toml:"binary" mapstructure:"binary"`
	APIURL       string        `toml:"api_url" mapstructure:"api_url"`
	GatewayURL   string        `toml:"gateway_url" mapstructure:"gateway_url"`
	ReadyTimeout time.Duration `toml:"ready_timeout" mapstructure:"ready_timeout"`
}

type SupervisorConfig struct {
	PollInterval       time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	ProbeTimeout       time.Duration `toml:"probe_timeout" mapstructure:"probe_timeout"`
	StopTimeout        time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	ShutdownWait       time.Duration `toml:"shutdown_wait" mapstructure:"shutdown_wait"`
	ForceKillOnTimeout bool          `toml:"force_kill_on_timeout" mapstructure:"force_kill_on_timeout"`
}

type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type AdminConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

type LogConfig struct {
	Level     string         `toml:"level" mapstructure:"level"`
	MaxFiles  int            `toml:"max_files" mapstructure:"max_files"`
	MaxSizeMB int            `toml:"max_size_mb" mapstructure:"max_size_mb"`
	Children  ChildLogConfig `toml:"children" mapstructure:"children"`
}

// ChildLogConfig controls the rotated stdout/stderr files of spawned children.
type ChildLogConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// DefaultDataPath is $XDG_DATA_HOME/peerd, or ~/.local/share/peerd.
func DefaultDataPath() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), "peerd")
}

// DefaultLogPath is $XDG_STATE_HOME/peerd/logs, or ~/.local/state/peerd/logs.
func DefaultLogPath() string {
	return filepath.Join(xdgDir("XDG_STATE_HOME", ".local", "state"), "peerd", "logs")
}

func xdgDir(envVar string, fallback ...string) string {
	if d := os.Getenv(envVar); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(append([]string{home}, fallback...)...)
}

// New returns a viper instance carrying defaults and environment binding.
// CLI flags are bound on top by the caller.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("data_path", DefaultDataPath())
	v.SetDefault("log_path", DefaultLogPath())
	v.SetDefault("rpc.url", DefaultRPCURL)
	v.SetDefault("rpc.ready_timeout", 30*time.Second)
	v.SetDefault("storage.binary", "ipfs")
	v.SetDefault("storage.ready_timeout", time.Minute)
	v.SetDefault("supervisor.poll_interval", 5*time.Second)
	v.SetDefault("supervisor.probe_timeout", 2*time.Second)
	v.SetDefault("supervisor.stop_timeout", 10*time.Second)
	v.SetDefault("supervisor.shutdown_wait", 2*time.Minute)
	v.SetDefault("supervisor.force_kill_on_timeout", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_files", 5)
	v.SetDefault("log.max_size_mb", 20)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// keys without a default are invisible to AutomaticEnv during Unmarshal
	for _, k := range []string{
		"rpc.command", "rpc.web_clients_dir", "storage.api_url", "storage.gateway_url",
		"history.dsn", "admin.listen", "log.children.dir",
	} {
		_ = v.BindEnv(k)
	}
	return v
}

// Load reads path (when non-empty) into v and decodes the merged settings.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks URLs and durations.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DataPath) == "" {
		errs = append(errs, errors.New("data_path must not be empty"))
	}
	check := func(key, raw string) {
		if raw == "" {
			return
		}
		if _, err := parseEndpoint(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	check("rpc.url", c.RPC.URL)
	check("storage.api_url", c.Storage.APIURL)
	check("storage.gateway_url", c.Storage.GatewayURL)
	for key, d := range map[string]time.Duration{
		"supervisor.poll_interval": c.Supervisor.PollInterval,
		"supervisor.probe_timeout": c.Supervisor.ProbeTimeout,
		"supervisor.stop_timeout":  c.Supervisor.StopTimeout,
		"supervisor.shutdown_wait": c.Supervisor.ShutdownWait,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	if c.Log.MaxFiles < 1 {
		errs = append(errs, fmt.Errorf("log.max_files must be at least 1, got %d", c.Log.MaxFiles))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func parseEndpoint(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return nil, fmt.Errorf("%q is not an absolute URL", raw)
	}
	if u.Port() == "" {
		return nil, fmt.Errorf("%q has no port", raw)
	}
	return u, nil
}

// Endpoints are the resolved addresses the supervisors work with.
type Endpoints struct {
	RPC        *url.URL
	StorageAPI *url.URL
	Gateway    *url.URL
	// ExplicitStorage is set when the storage API came from config, env or flags.
	ExplicitStorage bool
}

// Endpoints resolves storage addresses as: explicit setting, then the Kubo
// repo config under the data path, then the built-in default.
func (c *Config) Endpoints() (Endpoints, error) {
	var ep Endpoints
	var err error
	rpcURL := c.RPC.URL
	if rpcURL == "" {
		rpcURL = DefaultRPCURL
	}
	if ep.RPC, err = parseEndpoint(rpcURL); err != nil {
		return ep, fmt.Errorf("rpc.url: %w", err)
	}

	repo, _ := kubo.ReadConfigEndpoints(kubo.RepoPath(c.DataPath))

	switch {
	case c.Storage.APIURL != "":
		ep.ExplicitStorage = true
		ep.StorageAPI, err = parseEndpoint(c.Storage.APIURL)
	case repo.API != nil:
		ep.StorageAPI = repo.API
	default:
		ep.StorageAPI, err = parseEndpoint(DefaultStorageAPI)
	}
	if err != nil {
		return ep, fmt.Errorf("storage.api_url: %w", err)
	}

	switch {
	case c.Storage.GatewayURL != "":
		ep.Gateway, err = parseEndpoint(c.Storage.GatewayURL)
	case repo.Gateway != nil:
		ep.Gateway = repo.Gateway
	default:
		ep.Gateway, err = parseEndpoint(DefaultGatewayURL)
	}
	if err != nil {
		return ep, fmt.Errorf("storage.gateway_url: %w", err)
	}
	return ep, nil
}

// ChildEnv builds the environment for spawned children: the daemon's own
// environment, then env_files in order, then the env list.
func (c *Config) ChildEnv() (*env.Env, error) {
	e := env.New()
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			e.Set(k, v)
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			e.Set(kv[:i], kv[i+1:])
		}
	}
	return e, nil
}

// ChildLog is the log config for spawned children; files land in log_path
// unless log.children.dir says otherwise.
func (c *Config) ChildLog() logger.Config {
	dir := c.Log.Children.Dir
	if dir == "" {
		dir = c.LogPath
	}
	return logger.Config{
		Dir:        dir,
		MaxSizeMB:  c.Log.Children.MaxSizeMB,
		MaxBackups: c.Log.Children.MaxBackups,
		MaxAgeDays: c.Log.Children.MaxAgeDays,
		Compress:   c.Log.Children.Compress,
	}
}

// LoadEnvFile parses a .env file and returns "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines. Blank lines and # comments are
// skipped, an "export " prefix and one pair of surrounding quotes are dropped.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	return parseEnvLines(string(b)), nil
}

func parseEnvLines(s string) map[string]string {
	m := make(map[string]string)
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		v := strings.TrimSpace(line[i+1:])
		if n := len(v); n >= 2 && (v[0] == '"' && v[n-1] == '"' || v[0] == '\'' && v[n-1] == '\'') {
			v = v[1 : n-1]
		}
		if k != "" {
			m[k] = v
		}
	}
	return m
}
