package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createDaemonCommand(globalFlags),
		createLogsCommand(globalFlags),
		createStatusCommand(globalFlags),
		createCommunityCommand(globalFlags),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "peerd",
		Short: "P2P node daemon launcher",
		Long: `peerd keeps a Kubo storage node and the node RPC server running,
adopting ones that are already running and shutting down what it started.

Examples:
  peerd daemon
  peerd daemon --rpc-url ws://localhost:53812 --data-path /tmp/peerd
  peerd logs -f --since 5m
  peerd status
  peerd community delete plebbit.eth`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the peerd version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "peerd", version)
		},
	}
}
