package watchdog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/watchdog/internal/auth"
	cfg "github.com/loykin/watchdog/internal/config"
	"github.com/loykin/watchdog/internal/degrade"
	"github.com/loykin/watchdog/internal/env"
	"github.com/loykin/watchdog/internal/history"
	"github.com/loykin/watchdog/internal/history/factory"
	"github.com/loykin/watchdog/internal/liveness"
	"github.com/loykin/watchdog/internal/logger"
	"github.com/loykin/watchdog/internal/metrics"
	"github.com/loykin/watchdog/internal/process"
	"github.com/loykin/watchdog/internal/restart"
	iapi "github.com/loykin/watchdog/internal/server"
	"github.com/loykin/watchdog/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Status = supervisor.Status

type Signal = degrade.Signal

type Action = degrade.Action

type DegradationStatus = degrade.Status

type HistorySink = history.Sink

type Gate = env.Gate

// ErrStartup is returned by Run when the worker cannot be started at all.
var ErrStartup = supervisor.ErrStartup

func LoadConfig(path string) (*Config, error) {
	return cfg.Load(path)
}

// Watchdog wires a supervisor, its degradation policy and optional HTTP
// surfaces from a Config.
type Watchdog struct {
	cfg       *Config
	log       *slog.Logger
	logCloser io.Closer
	store     *liveness.Store
	sup       *supervisor.Supervisor
	deg       *degrade.Policy
	auth      *auth.Middleware
	sinks     history.Multi
}

// New builds a Watchdog. Supervisor log lines go to console (stderr when nil)
// and to [log.file] when configured. Close releases log files and sinks.
func New(c *Config, console io.Writer) (*Watchdog, error) {
	if c == nil {
		return nil, errors.New("nil config")
	}
	lg, closer, err := logger.New(c.Log, console)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = closer.Close()
		}
	}()

	globalEnv, err := c.GlobalEnv()
	if err != nil {
		return nil, err
	}
	mw, err := auth.New(c.Server.TokenHash)
	if err != nil {
		return nil, fmt.Errorf("server.token_hash: %w", err)
	}
	sinks, err := factory.NewSinks(c.History.Sinks)
	if err != nil {
		return nil, fmt.Errorf("history sinks: %w", err)
	}

	store := &liveness.Store{Path: c.Liveness.Path, Logger: lg}
	deg := degrade.New(degrade.Options{
		Name:     c.Degradation.Name,
		Duration: c.Degradation.Duration,
		Logger:   lg,
	})
	sup, err := supervisor.New(supervisor.Options{
		Config: c.SupervisorConfig(),
		Launcher: supervisor.ProcessLauncher(&process.Launcher{
			Spec:   c.ProcessSpec(),
			Env:    globalEnv,
			Logger: lg,
		}),
		Liveness: store,
		Restart:  restart.New(c.Restart.MaxRestarts, c.Restart.Cooldown, lg),
		History:  sinks,
		Logger:   lg,
	})
	if err != nil {
		_ = sinks.Close()
		return nil, err
	}
	ok = true
	return &Watchdog{
		cfg:       c,
		log:       lg,
		logCloser: closer,
		store:     store,
		sup:       sup,
		deg:       deg,
		auth:      mw,
		sinks:     sinks,
	}, nil
}

func (w *Watchdog) Logger() *slog.Logger               { return w.log }
func (w *Watchdog) Supervisor() *supervisor.Supervisor { return w.sup }
func (w *Watchdog) Degradation() *degrade.Policy       { return w.deg }
func (w *Watchdog) Liveness() *liveness.Store          { return w.store }
func (w *Watchdog) Status(ctx context.Context) Status  { return w.sup.Status(ctx, time.Now()) }
func (w *Watchdog) HandleSignal(sig Signal) Action     { return w.deg.Handle(sig) }
func (w *Watchdog) HandleError(err error) Action       { return w.deg.HandleError(err) }

// DegradationStatus expires an elapsed degradation window before reporting.
func (w *Watchdog) DegradationStatus() DegradationStatus {
	now := time.Now()
	w.deg.Tick(now)
	return w.deg.Status(now)
}

// Handler returns the status API for mounting in another server. The
// metrics endpoint is included when [metrics] is enabled.
func (w *Watchdog) Handler() http.Handler {
	return iapi.NewRouter(w.routerOptions()).Handler()
}

func (w *Watchdog) routerOptions() iapi.Options {
	opts := iapi.Options{
		Supervisor:  w.sup,
		Degradation: w.deg,
		Auth:        w.auth,
		BasePath:    w.cfg.Server.BasePath,
	}
	if w.cfg.Metrics.Enabled {
		opts.Metrics = metrics.Handler()
	}
	return opts
}

// Run starts the configured HTTP listeners and supervises the worker until
// ctx is cancelled. Listeners are shut down before Run returns.
func (w *Watchdog) Run(ctx context.Context) error {
	var servers []*http.Server
	if w.cfg.Metrics.Enabled {
		if err := RegisterMetricsDefault(); err != nil {
			w.log.Warn("Failed to register metrics", "error", err)
		}
		if w.cfg.Metrics.Listen != "" && w.cfg.Metrics.Listen != w.cfg.Server.Listen {
			servers = append(servers, newMetricsServer(w.cfg.Metrics.Listen, w.cfg.Metrics.Path, w.log))
			w.log.Info("Metrics listening", "addr", w.cfg.Metrics.Listen, "path", w.cfg.Metrics.Path)
		}
	}
	if w.cfg.Server.Enabled {
		srv, err := iapi.NewServer(w.cfg.Server.Listen, w.routerOptions())
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		servers = append(servers, srv)
		w.log.Info("Status API listening", "addr", w.cfg.Server.Listen, "base_path", w.cfg.Server.BasePath)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		for _, s := range servers {
			_ = s.Shutdown(sctx)
		}
	}()
	return w.sup.Run(ctx)
}

// Close releases history sinks and the log file.
func (w *Watchdog) Close() error {
	return errors.Join(w.sinks.Close(), w.logCloser.Close())
}

// NewBeater returns a worker-side heartbeat writer for the record at path.
func NewBeater(path string, every time.Duration) *liveness.Beater {
	return liveness.NewBeater(liveness.NewStore(path), every)
}

// HashToken returns the bcrypt hash to put in [server].token_hash.
func HashToken(token string) (string, error) { return auth.HashToken(token) }

// NewGate returns the production environment gate for indicator.
func NewGate(indicator string) Gate { return Gate{Indicator: indicator} }

// NewDegradationPolicy builds a standalone policy for workers that embed it.
func NewDegradationPolicy(name string, d time.Duration, lg *slog.Logger) *degrade.Policy {
	return degrade.New(degrade.Options{Name: name, Duration: d, Logger: lg})
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

func newMetricsServer(addr, path string, lg *slog.Logger) *http.Server {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("Metrics server error", "error", err)
		}
	}()
	return srv
}
