package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/loykin/peerd/internal/admin"
	"github.com/loykin/peerd/internal/config"
	"github.com/loykin/peerd/internal/kubo"
	"github.com/loykin/peerd/internal/probe"
	"github.com/loykin/peerd/internal/supervisor"
)

// StatusFlags holds flags for the status command.
type StatusFlags struct {
	AdminAddr string
	Timeout   time.Duration
}

func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	sf := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the storage node and RPC server state",
		Long: `Show the state of the storage node and the RPC server. With an admin API
configured the running daemon is asked; otherwise the configured ports are probed.

Examples:
  peerd status
  peerd status --admin-listen 127.0.0.1:9139`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(globalFlags.ConfigPath, cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), sf.Timeout)
			defer cancel()
			if cfg.Admin.Listen != "" {
				st, err := admin.FetchStatus(ctx, cfg.Admin.Listen, "")
				if err != nil {
					return err
				}
				_, err = io.WriteString(cmd.OutOrStdout(), renderStatus(st)+"\n")
				return err
			}
			st, err := probeStatus(ctx, cfg, probe.New(cfg.Supervisor.ProbeTimeout))
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), renderStatus(st)+"\n")
			return err
		},
	}
	cmd.Flags().String("admin-listen", "", "admin API address of the running daemon")
	cmd.Flags().DurationVar(&sf.Timeout, "timeout", 10*time.Second, "overall timeout")
	return cmd
}

// probeStatus builds a status from the outside when no admin API is available.
func probeStatus(ctx context.Context, cfg *config.Config, p *probe.Prober) (supervisor.Status, error) {
	ep, err := cfg.Endpoints()
	if err != nil {
		return supervisor.Status{}, err
	}
	st := supervisor.Status{Observed: time.Now().UTC()}

	st.Storage.API = ep.StorageAPI.String()
	ph := p.Probe(ctx, ep.StorageAPI, http.MethodPost, kubo.VersionURL(ep.StorageAPI))
	switch {
	case ph.Healthy:
		st.Storage.State = "running"
	case ph.Taken:
		st.Storage.State = "port in use (not answering)"
	default:
		st.Storage.State = "down"
	}

	st.RPC.URL = ep.RPC.String()
	st.RPC.State = "down"
	if taken, _ := p.PortTaken(ctx, ep.RPC); taken {
		st.RPC.State = "running"
	}
	return st, nil
}

func renderStatus(st supervisor.Status) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Subsystem", "State", "PID", "Endpoint", "Restarts"})
	tw.AppendRow(table.Row{"storage", storageState(st.Storage), pidCell(st.Storage.PID), st.Storage.API, st.Storage.Restarts})
	tw.AppendRow(table.Row{"rpc", st.RPC.State, pidCell(st.RPC.PID), st.RPC.URL, "-"})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 5, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	out := tw.Render()
	if len(st.RPC.Communities) > 0 {
		out += fmt.Sprintf("\nCommunities: %d", len(st.RPC.Communities))
	}
	if st.Exiting {
		out += "\nShutdown in progress"
	}
	return out
}

func storageState(s supervisor.StorageStatus) string {
	if s.Conflict != "" {
		return s.State + " (" + s.Conflict + ")"
	}
	return s.State
}

func pidCell(pid int) string {
	if pid <= 0 {
		return "-"
	}
	return strconv.Itoa(pid)
}
