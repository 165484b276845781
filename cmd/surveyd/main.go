package main

import (
	"fmt"
	"os"

	"github.com/harunnryd/voxpoll/pkg/runner"
	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Commit = "none"
	Date   = "unknown"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "surveyd",
		Short:         "voxpoll outbound phone survey worker",
		Long:          "surveyd places survey calls, runs the consent and question dialogue, and publishes one outcome per contact.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringP("config", "c", "voxpoll.yaml", "path to voxpoll config file")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newDialCmd())
	cmd.AddCommand(newSeedCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "surveyd %s (commit: %s, built: %s)\n", runner.Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
