package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/loykin/watchdog"
	"github.com/loykin/watchdog/internal/liveness"
	"github.com/loykin/watchdog/internal/logger"
)

// DefaultCheckInterval is the --watch polling period.
const DefaultCheckInterval = 60 * time.Second

var errNotAlive = errors.New("worker liveness record is missing or stale")

// CheckFlags holds flags for the check command
type CheckFlags struct {
	Path       string
	MaxSilence time.Duration
	Watch      bool
	Interval   time.Duration
	Schedule   string // cron expression; overrides Interval
}

func createCheckCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &CheckFlags{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check the worker's liveness record",
		Long: `Check whether the liveness record is fresh. A one-shot check exits non-zero
when the record is missing or stale. With --watch the check repeats and only
reports; it never restarts anything.

Examples:
  watchdog check
  watchdog check --max-silence=2m --path=/tmp/heartbeat.json
  watchdog check --watch --interval=1m
  watchdog check --watch --schedule="*/5 * * * *"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runCheck(ctx, globalFlags.ConfigPath, *flags, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&flags.Path, "path", "", "liveness record path (defaults to [liveness].path)")
	cmd.Flags().DurationVar(&flags.MaxSilence, "max-silence", 0, "staleness threshold (defaults to [liveness].max_silence)")
	cmd.Flags().BoolVar(&flags.Watch, "watch", false, "keep checking until interrupted")
	cmd.Flags().DurationVar(&flags.Interval, "interval", DefaultCheckInterval, "period between checks with --watch")
	cmd.Flags().StringVar(&flags.Schedule, "schedule", "", "cron expression for --watch checks (e.g. \"@every 2m\")")
	return cmd
}

func runCheck(ctx context.Context, configPath string, flags CheckFlags, out io.Writer) error {
	cfg, err := watchdog.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Path == "" {
		flags.Path = cfg.Liveness.Path
	}
	if flags.MaxSilence <= 0 {
		flags.MaxSilence = cfg.Liveness.MaxSilence
	}
	if flags.Interval <= 0 {
		flags.Interval = DefaultCheckInterval
	}
	// console only; the supervisor owns the log file
	lg, _, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Color: cfg.Log.Color}, out)
	if err != nil {
		return err
	}
	store := &liveness.Store{Path: flags.Path, Logger: lg}

	if !flags.Watch {
		if !checkOnce(store, time.Now(), flags.MaxSilence, lg) {
			return errNotAlive
		}
		return nil
	}

	check := func() {
		if !checkOnce(store, time.Now(), flags.MaxSilence, lg) {
			lg.Error("Worker requires manual restart or system intervention")
		}
	}
	if flags.Schedule != "" {
		return watchSchedule(ctx, flags.Schedule, check, lg)
	}

	lg.Info("Starting liveness monitoring", "path", flags.Path, "interval", flags.Interval)
	t := time.NewTicker(flags.Interval)
	defer t.Stop()
	for {
		check()
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// watchSchedule runs check on a cron schedule until ctx is done.
func watchSchedule(ctx context.Context, schedule string, check func(), lg *slog.Logger) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, check); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	lg.Info("Starting liveness monitoring", "schedule", schedule)
	check()
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// checkOnce logs the verdict for the record at now and reports whether the
// worker looks alive.
func checkOnce(store *liveness.Store, now time.Time, maxSilence time.Duration, lg *slog.Logger) bool {
	rec, ok := store.Lookup()
	if !ok {
		lg.Warn("No liveness record found", "path", store.Path)
		return false
	}
	age := rec.Age(now)
	if liveness.Stale(rec, ok, now, maxSilence) {
		lg.Warn("Worker liveness record is stale", "age", age.Round(time.Second), "max_silence", maxSilence)
		return false
	}
	lg.Info("Worker heartbeat OK", "age_seconds", fmt.Sprintf("%.1f", age.Seconds()))
	return true
}
