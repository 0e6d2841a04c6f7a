package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/watchdog"
	"github.com/loykin/watchdog/internal/liveness"
)

// BeatFlags holds flags for the beat command
type BeatFlags struct {
	Path  string
	Every time.Duration
}

func createBeatCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &BeatFlags{}
	cmd := &cobra.Command{
		Use:   "beat",
		Short: "Write a liveness record",
		Long: `Write a liveness record once, or repeatedly with --every until interrupted.
Useful for workers that cannot embed the heartbeat writer.

Examples:
  watchdog beat                           # Write once to [liveness].path
  watchdog beat --every=30s --path=/tmp/heartbeat.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runBeat(ctx, globalFlags.ConfigPath, *flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.Path, "path", "", "liveness record path (defaults to [liveness].path)")
	cmd.Flags().DurationVar(&flags.Every, "every", 0, "keep writing at this interval until interrupted")
	return cmd
}

func runBeat(ctx context.Context, configPath string, flags BeatFlags, out io.Writer) error {
	path := flags.Path
	if path == "" {
		cfg, err := watchdog.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		path = cfg.Liveness.Path
	}
	if flags.Every <= 0 {
		if err := liveness.NewStore(path).Write(time.Now()); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "liveness record written to %s\n", path)
		return nil
	}
	_, _ = fmt.Fprintf(out, "writing liveness record to %s every %s\n", path, flags.Every)
	watchdog.NewBeater(path, flags.Every).Run(ctx)
	return nil
}
