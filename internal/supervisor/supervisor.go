package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/watchdog/internal/history"
	"github.com/loykin/watchdog/internal/liveness"
	"github.com/loykin/watchdog/internal/metrics"
	"github.com/loykin/watchdog/internal/process"
	"github.com/loykin/watchdog/internal/restart"
)

// ErrStartup is returned by Run when the worker cannot be started at all.
var ErrStartup = errors.New("worker failed to start")

const (
	DefaultPollInterval    = 30 * time.Second
	DefaultMaxSilence      = liveness.DefaultMaxSilence
	DefaultStopGrace       = 10 * time.Second
	DefaultSettleDelay     = 5 * time.Second
	DefaultMaintenanceWait = 300 * time.Second
	DefaultErrorBackoff    = 10 * time.Second
	DefaultHistoryTimeout  = 5 * time.Second
)

// Worker is a single run of the supervised process.
type Worker interface {
	ID() string
	PID() int
	Alive() bool
	Stop(grace time.Duration) error
	TryLine() (string, bool)
}

// usageReporter is implemented by workers that can sample their resources.
type usageReporter interface {
	Usage(ctx context.Context) (process.Usage, error)
}

// Launcher starts a fresh Worker.
type Launcher interface {
	Launch(ctx context.Context) (Worker, error)
}

// LaunchFunc adapts a function to Launcher.
type LaunchFunc func(ctx context.Context) (Worker, error)

func (f LaunchFunc) Launch(ctx context.Context) (Worker, error) { return f(ctx) }

// ProcessLauncher adapts a process.Launcher to Launcher.
func ProcessLauncher(l *process.Launcher) Launcher {
	return LaunchFunc(func(ctx context.Context) (Worker, error) {
		p, err := l.Launch(ctx)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

// Liveness is the supervisor's read side of the liveness record. Lookup
// logs why a record is missing; Read reports it silently.
type Liveness interface {
	Lookup() (liveness.Record, bool)
	Read() (liveness.Record, error)
}

// Config holds the supervisor timings. Zero values take the defaults.
type Config struct {
	Name            string        `mapstructure:"name"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxSilence      time.Duration `mapstructure:"max_silence"`
	StopGrace       time.Duration `mapstructure:"stop_grace"`
	SettleDelay     time.Duration `mapstructure:"settle_delay"`
	MaintenanceWait time.Duration `mapstructure:"maintenance_wait"`
	ErrorBackoff    time.Duration `mapstructure:"error_backoff"`
	// HistoryTimeout bounds each history export.
	HistoryTimeout time.Duration `mapstructure:"history_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "worker"
	}
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&c.PollInterval, DefaultPollInterval)
	def(&c.MaxSilence, DefaultMaxSilence)
	def(&c.StopGrace, DefaultStopGrace)
	def(&c.SettleDelay, DefaultSettleDelay)
	def(&c.MaintenanceWait, DefaultMaintenanceWait)
	def(&c.ErrorBackoff, DefaultErrorBackoff)
	def(&c.HistoryTimeout, DefaultHistoryTimeout)
	return c
}

// Options wires a Supervisor to its collaborators.
type Options struct {
	Config   Config
	Launcher Launcher
	Liveness Liveness
	Restart  *restart.Policy
	History  history.Sink
	Logger   *slog.Logger
	// Clock and Sleep default to time.Now and a context-aware timer.
	Clock func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Supervisor keeps one worker alive. Start, Stop, Restart and Run are meant
// to be driven from a single goroutine; Status and IsRunning may be called
// from anywhere.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	live     Liveness
	policy   *restart.Policy
	hist     history.Sink
	log      *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	state     State
	worker    Worker
	startedAt time.Time
}

func New(opts Options) (*Supervisor, error) {
	if opts.Launcher == nil {
		return nil, errors.New("supervisor requires a launcher")
	}
	if opts.Liveness == nil {
		return nil, errors.New("supervisor requires a liveness source")
	}
	s := &Supervisor{
		cfg:      opts.Config.withDefaults(),
		launcher: opts.Launcher,
		live:     opts.Liveness,
		policy:   opts.Restart,
		hist:     opts.History,
		log:      opts.Logger,
		now:      opts.Clock,
		sleep:    opts.Sleep,
		state:    StateStopped,
	}
	if s.policy == nil {
		s.policy = restart.New(restart.DefaultMaxRestarts, restart.DefaultCooldown, opts.Logger)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("worker", s.cfg.Name)
	if s.now == nil {
		s.now = time.Now
	}
	if s.sleep == nil {
		s.sleep = sleepCtx
	}
	metrics.SetCurrentState(s.cfg.Name, StateStopped.String(), true)
	return s, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Config returns the effective configuration.
func (s *Supervisor) Config() Config { return s.cfg }

// Policy returns the restart policy in use.
func (s *Supervisor) Policy() *restart.Policy { return s.policy }

// Start launches the worker. A launch failure is logged and reported as false.
func (s *Supervisor) Start(ctx context.Context) bool {
	w, err := s.launcher.Launch(ctx)
	if err != nil {
		s.log.Error("Failed to start worker", "error", err)
		return false
	}
	s.mu.Lock()
	s.worker = w
	s.startedAt = s.now()
	s.mu.Unlock()
	s.setState(StateRunning)

	metrics.IncStart(s.cfg.Name)
	s.log.Info("Worker started", "pid", w.PID(), "run_id", w.ID())
	s.emit(ctx, history.EventStart, "")
	return true
}

// Stop terminates the worker, gracefully for up to grace and then by force.
// The handle is released whatever happens.
func (s *Supervisor) Stop(ctx context.Context, grace time.Duration) {
	s.mu.Lock()
	w := s.worker
	s.mu.Unlock()
	if w == nil {
		return
	}
	if grace <= 0 {
		grace = s.cfg.StopGrace
	}

	s.setState(StateStopping)
	s.emit(ctx, history.EventStop, "")
	defer func() {
		s.mu.Lock()
		s.worker = nil
		s.startedAt = time.Time{}
		s.mu.Unlock()
		s.setState(StateStopped)
		metrics.IncStop(s.cfg.Name)
	}()

	if !w.Alive() {
		return
	}
	s.log.Info("Stopping worker", "pid", w.PID(), "grace", grace)
	if err := w.Stop(grace); err != nil {
		s.log.Warn("Worker stop reported an error", "pid", w.PID(), "error", err)
		return
	}
	s.log.Info("Worker stopped", "pid", w.PID())
}

// IsRunning reports whether a worker handle is held and the worker has not exited.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	w := s.worker
	s.mu.Unlock()
	return w != nil && w.Alive()
}

// ShouldRestart is true when the worker is not running or its liveness
// record is missing or stale at now.
func (s *Supervisor) ShouldRestart(now time.Time) bool {
	if !s.IsRunning() {
		s.log.Warn("Worker is not running")
		return true
	}
	rec, ok := s.live.Lookup()
	if ok {
		metrics.SetLivenessAge(s.cfg.Name, rec.Age(now).Seconds())
	} else {
		metrics.SetLivenessAge(s.cfg.Name, -1)
	}
	if liveness.Stale(rec, ok, now, s.cfg.MaxSilence) {
		if ok {
			s.log.Warn("Worker liveness is stale", "age", rec.Age(now).Round(time.Second), "max_silence", s.cfg.MaxSilence)
		} else {
			s.log.Warn("Worker has no liveness record")
		}
		return true
	}
	return false
}

// Restart stops, settles and starts the worker when the restart policy
// allows it at now. It returns whether the new worker started.
func (s *Supervisor) Restart(ctx context.Context, now time.Time) bool {
	ok, _ := s.restart(ctx, now)
	return ok
}

func (s *Supervisor) restart(ctx context.Context, now time.Time) (bool, restart.Decision) {
	d := s.policy.Check(now)
	if !d.Allowed {
		s.policy.CanRestart(now) // logs the reason
		metrics.IncRestartDenied(s.cfg.Name, string(d.Reason))
		s.emit(ctx, history.EventRestartDenied, string(d.Reason))
		return false, d
	}

	snap := s.policy.Snapshot()
	s.log.Info("Restarting worker", "attempt", fmt.Sprintf("%d/%d", snap.RestartCount+1, snap.MaxRestarts))

	// the sequence runs to completion even if ctx is cancelled meanwhile
	seqCtx := context.WithoutCancel(ctx)
	s.Stop(seqCtx, s.cfg.StopGrace)
	_ = s.sleep(seqCtx, s.cfg.SettleDelay)
	if !s.Start(seqCtx) {
		return false, d
	}
	s.policy.RecordRestart(now)
	metrics.IncRestart(s.cfg.Name)
	s.log.Info("Worker restarted successfully", "restarts", s.policy.Snapshot().RestartCount)
	s.emit(ctx, history.EventRestart, "")
	return true, d
}

// Run starts the worker and supervises it until ctx is cancelled, then
// stops it. It fails only when the first start fails.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("Supervisor starting",
		"poll_interval", s.cfg.PollInterval,
		"max_silence", s.cfg.MaxSilence,
		"max_restarts", s.policy.Snapshot().MaxRestarts)
	if !s.Start(ctx) {
		return ErrStartup
	}
	defer s.Stop(context.WithoutCancel(ctx), s.cfg.StopGrace)

	for {
		if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
			s.log.Info("Supervisor shutting down")
			return nil
		}
		if err := s.iterate(ctx); err != nil {
			s.log.Error("Supervision error", "error", err, "backoff", s.cfg.ErrorBackoff)
			if err := s.sleep(ctx, s.cfg.ErrorBackoff); err != nil {
				s.log.Info("Supervisor shutting down")
				return nil
			}
		}
		if ctx.Err() != nil {
			s.log.Info("Supervisor shutting down")
			return nil
		}
	}
}

// iterate runs one supervision step. Panics are turned into errors so the
// loop survives them.
func (s *Supervisor) iterate(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in supervision step: %v", r)
		}
	}()

	now := s.now()
	if !s.ShouldRestart(now) {
		s.drainOne()
		s.sampleUsage(ctx)
		return nil
	}
	ok, d := s.restart(ctx, now)
	if ok || d.Reason != restart.ReasonExhausted {
		return nil
	}
	return s.maintenance(ctx)
}

// maintenance waits out the maintenance window and replenishes the restart
// budget. Cancellation ends the wait early without a reset.
func (s *Supervisor) maintenance(ctx context.Context) error {
	prev := s.State()
	s.setState(StateMaintenance)
	metrics.IncMaintenance(s.cfg.Name)
	s.log.Warn("Restart budget exhausted, entering maintenance mode", "wait", s.cfg.MaintenanceWait)
	s.emit(ctx, history.EventMaintenanceEnter, string(restart.ReasonExhausted))

	if err := s.sleep(ctx, s.cfg.MaintenanceWait); err != nil {
		s.setState(prev)
		return nil
	}
	s.policy.ResetAfterMaintenance()
	s.setState(prev)
	s.log.Info("Maintenance finished, restart budget reset")
	s.emit(ctx, history.EventMaintenanceExit, "")
	return nil
}

func (s *Supervisor) drainOne() {
	s.mu.Lock()
	w := s.worker
	s.mu.Unlock()
	if w == nil {
		return
	}
	if line, ok := w.TryLine(); ok {
		s.log.Info("Worker output", "line", line)
	}
}

func (s *Supervisor) sampleUsage(ctx context.Context) {
	u, ok := s.Usage(ctx)
	if ok {
		metrics.SetWorkerUsage(s.cfg.Name, u.CPUPercent, u.RSSBytes)
	}
}

// Usage samples the worker's resources when the worker supports it.
func (s *Supervisor) Usage(ctx context.Context) (process.Usage, bool) {
	s.mu.Lock()
	w := s.worker
	s.mu.Unlock()
	ur, ok := w.(usageReporter)
	if !ok {
		return process.Usage{}, false
	}
	u, err := ur.Usage(ctx)
	if err != nil {
		s.log.Debug("Worker usage unavailable", "error", err)
		return process.Usage{}, false
	}
	return u, true
}

func (s *Supervisor) emit(ctx context.Context, t history.EventType, reason string) {
	if s.hist == nil {
		return
	}
	s.mu.Lock()
	rec := history.Record{Name: s.cfg.Name, State: s.state.String(), Reason: reason}
	if s.worker != nil {
		rec.PID = s.worker.PID()
		rec.RunID = s.worker.ID()
	}
	s.mu.Unlock()
	rec.Restarts = s.policy.Snapshot().RestartCount

	// a stuck sink must not hold up supervision
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.HistoryTimeout)
	defer cancel()
	if err := s.hist.Send(sendCtx, history.Event{Type: t, OccurredAt: s.now().UTC(), Record: rec}); err != nil {
		s.log.Warn("Failed to export history event", "event", t, "error", err)
	}
}
