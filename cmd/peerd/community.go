package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/peerd/internal/rpcclient"
)

// CommunityFlags holds flags for the community commands.
type CommunityFlags struct {
	Timeout time.Duration
}

func createCommunityCommand(globalFlags *GlobalFlags) *cobra.Command {
	cf := &CommunityFlags{}
	cmd := &cobra.Command{
		Use:   "community",
		Short: "Manage communities on the running node",
	}
	cmd.PersistentFlags().String("rpc-url", "", "URL of the RPC server (default ws://localhost:9138)")
	cmd.PersistentFlags().DurationVar(&cf.Timeout, "timeout", time.Minute, "overall timeout")
	cmd.AddCommand(createCommunityDeleteCommand(globalFlags, cf))
	return cmd
}

func createCommunityDeleteCommand(globalFlags *GlobalFlags, cf *CommunityFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <address>...",
		Short: "Delete communities permanently",
		Long: `Delete one or more communities permanently. Each deleted address is
printed; the command stops at the first failure.

Examples:
  peerd community delete plebbit.eth
  peerd community delete Qmb99crTbSUfKXamXwZBe829Vf6w5w5TktPkb6WstC9RFW`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(globalFlags.ConfigPath, cmd)
			if err != nil {
				return err
			}
			ep, err := cfg.Endpoints()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cf.Timeout)
			defer cancel()
			return runCommunityDelete(ctx, ep.RPC, args, cmd.OutOrStdout())
		},
	}
}

func runCommunityDelete(ctx context.Context, rpcURL *url.URL, addresses []string, w io.Writer) error {
	c, err := rpcclient.Connect(ctx, rpcURL)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	for _, addr := range addresses {
		if err := c.DeleteCommunity(ctx, addr); err != nil {
			return fmt.Errorf("delete community %s: %w", addr, err)
		}
		_, _ = fmt.Fprintln(w, addr)
	}
	return nil
}
