package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/peerd/internal/admin"
	"github.com/loykin/peerd/internal/config"
	"github.com/loykin/peerd/internal/history"
	"github.com/loykin/peerd/internal/history/factory"
	"github.com/loykin/peerd/internal/kubo"
	"github.com/loykin/peerd/internal/logger"
	"github.com/loykin/peerd/internal/metrics"
	"github.com/loykin/peerd/internal/probe"
	"github.com/loykin/peerd/internal/rpcserver"
	"github.com/loykin/peerd/internal/supervisor"
)

func createDaemonCommand(globalFlags *GlobalFlags) *cobra.Command {
	df := &DaemonFlags{}
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the storage node and RPC server",
		Long: `Run a network-connected node. The daemon starts a Kubo storage node and
the RPC server, or uses ones that are already running, and keeps them up until
it receives SIGINT, SIGTERM or SIGHUP.

Examples:
  peerd daemon
  peerd daemon --rpc-url ws://localhost:53812
  peerd daemon --data-path /tmp/peerd-data --node publishInterval=20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(globalFlags.ConfigPath, cmd)
			if err != nil {
				return err
			}
			if cfg.Node, err = applyNodeOverrides(cfg.Node, df.Node); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
			defer stop()
			return runDaemon(ctx, cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	addDaemonFlags(cmd.Flags(), df)
	return cmd
}

// loadConfig merges defaults, the config file, PEERD_* env and cmd's flags.
func loadConfig(path string, cmd *cobra.Command) (*config.Config, error) {
	v := config.New()
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}
	return config.Load(v, path)
}

// runDaemon blocks until ctx ends, then shuts everything down. A shutdown
// that outlives its budget is returned as an error so the process exits 1.
func runDaemon(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) error {
	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		return fmt.Errorf("create data path: %w", err)
	}
	dlog, err := logger.OpenDaemonLog(cfg.LogPath, cfg.Log.MaxFiles, cfg.Log.MaxSizeMB)
	if err != nil {
		return err
	}
	defer func() { _ = dlog.Close() }()

	log, err := logger.New(logger.Options{Level: cfg.Log.Level, Console: stderr, File: dlog})
	if err != nil {
		return err
	}
	slog.SetDefault(log)
	console := dlog.Tee(stdout)
	_, _ = fmt.Fprintf(console, "peerd %s, logging to %s\n", version, dlog.Path)

	ep, err := cfg.Endpoints()
	if err != nil {
		return err
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	var sinks []history.Sink
	if cfg.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			return fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	hist := history.NewRecorder(log, sinks...)
	defer func() { _ = hist.Close() }()

	childEnv, err := cfg.ChildEnv()
	if err != nil {
		return err
	}
	childLog := cfg.ChildLog()
	launcher := &kubo.Launcher{
		Binary:       cfg.Storage.Binary,
		Log:          childLog,
		Env:          childEnv,
		Logger:       log.With("component", "kubo"),
		ReadyTimeout: cfg.Storage.ReadyTimeout,
		StopTimeout:  cfg.Supervisor.StopTimeout,
		ForceKill:    cfg.Supervisor.ForceKillOnTimeout,
	}
	rpcFactory := &rpcserver.Factory{
		Command:       cfg.RPC.Command,
		WebClientsDir: cfg.RPC.WebClientsDir,
		Log:           childLog,
		Env:           childEnv,
		Logger:        log.With("component", "rpcserver"),
		StopTimeout:   cfg.Supervisor.StopTimeout,
	}
	prober := probe.New(cfg.Supervisor.ProbeTimeout)

	d, err := supervisor.NewDaemon(supervisor.DaemonOptions{
		Storage: supervisor.StorageOptions{
			DataPath:    cfg.DataPath,
			API:         ep.StorageAPI,
			Gateway:     ep.Gateway,
			Spawner:     launcher,
			Prober:      prober,
			StopTimeout: cfg.Supervisor.StopTimeout,
			ForceKill:   cfg.Supervisor.ForceKillOnTimeout,
			Console:     console,
		},
		RPC: supervisor.RPCOptions{
			URL:          ep.RPC,
			StorageURL:   ep.StorageAPI,
			GatewayURL:   ep.Gateway,
			DataPath:     cfg.DataPath,
			NodeConfig:   cfg.Node,
			Factory:      supervisor.FactoryFunc(rpcFactory),
			Prober:       prober,
			ReadyTimeout: cfg.RPC.ReadyTimeout,
			Console:      console,
		},
		ExplicitStorage: ep.ExplicitStorage,
		PollInterval:    cfg.Supervisor.PollInterval,
		ShutdownWait:    cfg.Supervisor.ShutdownWait,
		Logger:          log,
		History:         hist,
	})
	if err != nil {
		return err
	}

	// signals reach the children only through Shutdown; runCtx outlives ctx
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	if err := d.Start(runCtx); err != nil {
		return err
	}
	go metrics.NewSampler(cfg.Supervisor.PollInterval, d.PIDs).Run(runCtx)

	if cfg.Admin.Listen != "" {
		ln, err := net.Listen("tcp", cfg.Admin.Listen)
		if err != nil {
			_ = d.Shutdown(context.Background())
			return fmt.Errorf("admin listen %s: %w", cfg.Admin.Listen, err)
		}
		srv := admin.New(d, "", nil, log)
		go func() {
			if err := srv.Serve(runCtx, ln); err != nil {
				log.Error("admin api stopped", "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("signal received, shutting down")
	case <-d.Done():
	}
	if err := d.Shutdown(context.Background()); err != nil {
		if errors.Is(err, supervisor.ErrShutdownTimeout) {
			log.Error("forcing exit", "error", err)
		}
		return err
	}
	return nil
}
