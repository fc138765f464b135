package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/peerd/internal/logview"
)

// LogsFlags holds flags for the logs command.
type LogsFlags struct {
	LogPath string
	Follow  bool
	Tail    string
	Since   string
	Until   string
}

func createLogsCommand(globalFlags *GlobalFlags) *cobra.Command {
	lf := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the latest daemon log",
		Long: `Print the latest daemon log file. By default the whole log is dumped;
--follow keeps streaming new lines like tail -f.

Examples:
  peerd logs
  peerd logs -f
  peerd logs -n 50
  peerd logs --since 5m
  peerd logs --since 2026-01-02T13:23:37Z --until 2026-01-02T14:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if lf.LogPath == "" {
				cfg, err := loadConfig(globalFlags.ConfigPath, cmd)
				if err != nil {
					return err
				}
				lf.LogPath = cfg.LogPath
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runLogs(ctx, cmd.OutOrStdout(), lf, time.Now())
		},
	}
	cmd.Flags().StringVar(&lf.LogPath, "log-path", "", "directory holding daemon logs (default from config)")
	cmd.Flags().BoolVarP(&lf.Follow, "follow", "f", false, "follow log output")
	cmd.Flags().StringVarP(&lf.Tail, "tail", "n", "all", `number of entries to show from the end, or "all"`)
	cmd.Flags().StringVar(&lf.Since, "since", "", "show entries since an ISO 8601 time or a relative age (30s, 42m, 2h, 1d)")
	cmd.Flags().StringVar(&lf.Until, "until", "", "show entries before an ISO 8601 time or a relative age")
	return cmd
}

func runLogs(ctx context.Context, w io.Writer, lf *LogsFlags, now time.Time) error {
	var opts logview.Options
	var err error
	if lf.Since != "" {
		if opts.Since, err = logview.ParseTime(lf.Since, now); err != nil {
			return err
		}
	}
	if lf.Until != "" {
		if opts.Until, err = logview.ParseTime(lf.Until, now); err != nil {
			return err
		}
	}
	if opts.Tail, err = logview.ParseTail(lf.Tail); err != nil {
		return err
	}

	path, err := logview.Latest(lf.LogPath)
	if err != nil {
		return err
	}
	off, err := logview.Dump(w, path, opts)
	if err != nil || !lf.Follow {
		return err
	}
	f := &logview.Follower{Path: path, Offset: off, Opts: opts}
	return f.Run(ctx, w)
}
