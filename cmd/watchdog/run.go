package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/watchdog"
	"github.com/loykin/watchdog/internal/config"
)

// RunFlags holds flags for the run command
type RunFlags struct {
	SkipEnvCheck bool
}

func createRunCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the worker and supervise it",
		Long: `Start the worker and keep it alive until interrupted.
Outside the production environment (see [environment].indicator) the command
prints guidance and exits without starting anything.

Examples:
  watchdog run --config=watchdog.toml
  WATCHDOG_RESTART_MAX_RESTARTS=3 watchdog run
  watchdog run --skip-env-check           # Run on a staging host`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSupervisor(ctx, globalFlags.ConfigPath, *flags, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().BoolVar(&flags.SkipEnvCheck, "skip-env-check", false, "run even when the production indicator is absent")
	return cmd
}

func runSupervisor(ctx context.Context, configPath string, flags RunFlags, stdout, stderr io.Writer) error {
	cfg, err := watchdog.LoadConfig(configPath)
	if err != nil {
		// outside production a broken config is not an error
		if gate, skip := fallbackGate(); !skip && !flags.SkipEnvCheck && !gate.Detect() {
			_, _ = fmt.Fprintln(stdout, gate.Guidance())
			return nil
		}
		return fmt.Errorf("error loading config: %w", err)
	}

	gate := watchdog.NewGate(cfg.Environment.Indicator)
	if !cfg.Environment.SkipCheck && !flags.SkipEnvCheck && !gate.Detect() {
		_, _ = fmt.Fprintln(stdout, gate.Guidance())
		return nil
	}

	if stderr == nil {
		stderr = os.Stderr
	}
	wd, err := watchdog.New(cfg, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = wd.Close() }()

	if err := wd.Run(ctx); err != nil {
		if errors.Is(err, watchdog.ErrStartup) {
			return fmt.Errorf("worker %q could not be started: %w", cfg.Worker.Name, err)
		}
		return err
	}
	return nil
}

// fallbackGate builds the gate from environment overrides alone, for when the
// config file cannot be loaded.
func fallbackGate() (watchdog.Gate, bool) {
	indicator := os.Getenv(config.EnvPrefix + "_ENVIRONMENT_INDICATOR")
	skip, _ := strconv.ParseBool(os.Getenv(config.EnvPrefix + "_ENVIRONMENT_SKIP_CHECK"))
	return watchdog.NewGate(indicator), skip
}
