package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds minimal global/persistent flags for CLI commands
type GlobalFlags struct {
	ConfigPath string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags),
		createBeatCommand(globalFlags),
		createCheckCommand(globalFlags),
		createStatusCommand(globalFlags),
		createClassifyCommand(),
		createHashTokenCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "watchdog",
		Short: "Health-gated supervisor for a long-running worker",
		Long: `Watchdog keeps one worker process alive. It restarts the worker when the
process dies or its liveness record goes stale, within a bounded restart budget.

Examples:
  watchdog run --config=watchdog.toml     # Supervise the worker (production host only)
  watchdog beat --every=30s               # Write liveness records from a shell worker
  watchdog check --watch                  # Report staleness without restarting
  watchdog status -o yaml                 # Query a running supervisor`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}
