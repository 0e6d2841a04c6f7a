package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/watchdog/internal/degrade"
	"github.com/loykin/watchdog/internal/env"
	"github.com/loykin/watchdog/internal/liveness"
	"github.com/loykin/watchdog/internal/logger"
	"github.com/loykin/watchdog/internal/process"
	"github.com/loykin/watchdog/internal/restart"
	"github.com/loykin/watchdog/internal/supervisor"
)

// EnvPrefix is the prefix of environment overrides, e.g. WATCHDOG_RESTART_MAX_RESTARTS.
const EnvPrefix = "WATCHDOG"

// Config represents the top-level TOML structure.
type Config struct {
	Env         []string          `toml:"env" mapstructure:"env"`
	EnvFiles    []string          `toml:"env_files" mapstructure:"env_files"`
	Worker      WorkerConfig      `toml:"worker" mapstructure:"worker"`
	Liveness    LivenessConfig    `toml:"liveness" mapstructure:"liveness"`
	Supervisor  SupervisorConfig  `toml:"supervisor" mapstructure:"supervisor"`
	Restart     RestartConfig     `toml:"restart" mapstructure:"restart"`
	Degradation DegradationConfig `toml:"degradation" mapstructure:"degradation"`
	Environment EnvironmentConfig `toml:"environment" mapstructure:"environment"`
	Log         logger.Config     `toml:"log" mapstructure:"log"`
	Metrics     MetricsConfig     `toml:"metrics" mapstructure:"metrics"`
	Server      ServerConfig      `toml:"server" mapstructure:"server"`
	History     HistoryConfig     `toml:"history" mapstructure:"history"`
}

type WorkerConfig struct {
	Name       string   `toml:"name" mapstructure:"name"`
	Command    string   `toml:"command" mapstructure:"command"`
	WorkDir    string   `toml:"workdir" mapstructure:"workdir"`
	Env        []string `toml:"env" mapstructure:"env"`
	LineBuffer int      `toml:"line_buffer" mapstructure:"line_buffer"`
	// Output files for the worker's stdout/stderr; see logger.FileConfig.
	Log logger.FileConfig `toml:"log" mapstructure:"log"`
}

type LivenessConfig struct {
	Path         string        `toml:"path" mapstructure:"path"`
	MaxSilence   time.Duration `toml:"max_silence" mapstructure:"max_silence"`
	BeatInterval time.Duration `toml:"beat_interval" mapstructure:"beat_interval"`
}

type SupervisorConfig struct {
	PollInterval    time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	StopGrace       time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
	SettleDelay     time.Duration `toml:"settle_delay" mapstructure:"settle_delay"`
	MaintenanceWait time.Duration `toml:"maintenance_wait" mapstructure:"maintenance_wait"`
	ErrorBackoff    time.Duration `toml:"error_backoff" mapstructure:"error_backoff"`
}

type RestartConfig struct {
	MaxRestarts int           `toml:"max_restarts" mapstructure:"max_restarts"`
	Cooldown    time.Duration `toml:"cooldown" mapstructure:"cooldown"`
}

type DegradationConfig struct {
	Name     string        `toml:"name" mapstructure:"name"`
	Duration time.Duration `toml:"duration" mapstructure:"duration"`
}

type EnvironmentConfig struct {
	// Indicator must be present in the environment for `run` to start.
	Indicator string `toml:"indicator" mapstructure:"indicator"`
	// Disable the gate, e.g. for a staging host.
	SkipCheck bool `toml:"skip_check" mapstructure:"skip_check"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
	Path    string `toml:"path" mapstructure:"path"`
}

type ServerConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
	// bcrypt hash of the bearer token required by state-changing endpoints
	// (see `watchdog hash-token`). Empty disables the check.
	TokenHash string `toml:"token_hash" mapstructure:"token_hash"`
}

type HistoryConfig struct {
	// DSNs of history sinks: sqlite, postgres, clickhouse or amqp.
	Sinks []string `toml:"sinks" mapstructure:"sinks"`
	// Timeout bounds a single event export.
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})

	v.SetDefault("worker.name", "shopbot")
	v.SetDefault("worker.command", "python3 shopbot.py")
	v.SetDefault("worker.workdir", "")
	v.SetDefault("worker.env", []string{})
	v.SetDefault("worker.line_buffer", process.DefaultLineBuffer)
	v.SetDefault("worker.log.dir", "")
	v.SetDefault("worker.log.stdout_path", "")
	v.SetDefault("worker.log.stderr_path", "")

	v.SetDefault("liveness.path", "heartbeat.json")
	v.SetDefault("liveness.max_silence", liveness.DefaultMaxSilence)
	v.SetDefault("liveness.beat_interval", liveness.DefaultBeatInterval)

	v.SetDefault("supervisor.poll_interval", supervisor.DefaultPollInterval)
	v.SetDefault("supervisor.stop_grace", supervisor.DefaultStopGrace)
	v.SetDefault("supervisor.settle_delay", supervisor.DefaultSettleDelay)
	v.SetDefault("supervisor.maintenance_wait", supervisor.DefaultMaintenanceWait)
	v.SetDefault("supervisor.error_backoff", supervisor.DefaultErrorBackoff)

	v.SetDefault("restart.max_restarts", restart.DefaultMaxRestarts)
	v.SetDefault("restart.cooldown", restart.DefaultCooldown)

	v.SetDefault("degradation.name", "upstream")
	v.SetDefault("degradation.duration", degrade.DefaultDuration)

	v.SetDefault("environment.indicator", env.DefaultIndicator)
	v.SetDefault("environment.skip_check", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file.path", "production.log")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.listen", "127.0.0.1:8686")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.token_hash", "")

	v.SetDefault("history.sinks", []string{})
	v.SetDefault("history.timeout", supervisor.DefaultHistoryTimeout)
}

// Load reads the TOML file at path (optional) and applies WATCHDOG_*
// environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the supervisor cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Worker.Name) == "" {
		errs = append(errs, errors.New("worker.name is required"))
	}
	if strings.TrimSpace(c.Worker.Command) == "" {
		errs = append(errs, errors.New("worker.command is required"))
	}
	if c.Liveness.Path == "" {
		errs = append(errs, errors.New("liveness.path is required"))
	}
	if c.Restart.MaxRestarts < 1 {
		errs = append(errs, fmt.Errorf("restart.max_restarts must be at least 1, got %d", c.Restart.MaxRestarts))
	}
	if c.Restart.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("restart.cooldown must not be negative, got %s", c.Restart.Cooldown))
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"liveness.max_silence", c.Liveness.MaxSilence},
		{"liveness.beat_interval", c.Liveness.BeatInterval},
		{"supervisor.poll_interval", c.Supervisor.PollInterval},
		{"supervisor.stop_grace", c.Supervisor.StopGrace},
		{"supervisor.maintenance_wait", c.Supervisor.MaintenanceWait},
		{"supervisor.error_backoff", c.Supervisor.ErrorBackoff},
		{"degradation.duration", c.Degradation.Duration},
		{"history.timeout", c.History.Timeout},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.key, d.val))
		}
	}
	if c.Supervisor.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("supervisor.settle_delay must not be negative, got %s", c.Supervisor.SettleDelay))
	}
	return errors.Join(errs...)
}

// SupervisorConfig converts the timing sections to supervisor.Config.
func (c *Config) SupervisorConfig() supervisor.Config {
	return supervisor.Config{
		Name:            c.Worker.Name,
		PollInterval:    c.Supervisor.PollInterval,
		MaxSilence:      c.Liveness.MaxSilence,
		StopGrace:       c.Supervisor.StopGrace,
		SettleDelay:     c.Supervisor.SettleDelay,
		MaintenanceWait: c.Supervisor.MaintenanceWait,
		ErrorBackoff:    c.Supervisor.ErrorBackoff,
		HistoryTimeout:  c.History.Timeout,
	}
}

// ProcessSpec builds the worker spec. Rotation settings not set on the
// worker are inherited from [log.file].
func (c *Config) ProcessSpec() process.Spec {
	out := c.Worker.Log
	if out.MaxSizeMB == 0 {
		out.MaxSizeMB = c.Log.File.MaxSizeMB
	}
	if out.MaxBackups == 0 {
		out.MaxBackups = c.Log.File.MaxBackups
	}
	if out.MaxAgeDays == 0 {
		out.MaxAgeDays = c.Log.File.MaxAgeDays
	}
	if !out.Compress {
		out.Compress = c.Log.File.Compress
	}
	out.Path = ""
	return process.Spec{
		Name:       c.Worker.Name,
		Command:    c.Worker.Command,
		WorkDir:    c.Worker.WorkDir,
		Env:        c.Worker.Env,
		LineBuffer: c.Worker.LineBuffer,
		Log:        logger.Config{File: out},
	}
}

// GlobalEnv returns the config-level environment: env_files in order, then
// the top-level env list.
func (c *Config) GlobalEnv() (*env.Env, error) {
	e := env.New()
	for _, p := range c.EnvFiles {
		m, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range m {
			e.Set(k, v)
		}
	}
	for k, v := range env.Parse(c.Env) {
		e.Set(k, v)
	}
	return e, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines. Blank lines
// and lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}
