package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes where the supervisor writes its own log and where worker
// output files go.
type Config struct {
	Level  string     `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string     `json:"format" mapstructure:"format"` // text (default) or json
	Color  bool       `json:"color" mapstructure:"color"`   // ANSI level colors on the console
	File   FileConfig `json:"file" mapstructure:"file"`
}

// FileConfig holds rotated file destinations. Rotation parameters follow
// lumberjack semantics.
// If StdoutPath/StderrPath are empty, and Dir is set, worker files will be
// Dir/<name>.stdout.log and Dir/<name>.stderr.log
type FileConfig struct {
	Path       string `json:"path" mapstructure:"path"`               // supervisor log file (e.g. production.log)
	Dir        string `json:"dir" mapstructure:"dir"`                 // base directory for worker logs
	StdoutPath string `json:"stdout_path" mapstructure:"stdout_path"` // explicit stdout path overrides Dir
	StderrPath string `json:"stderr_path" mapstructure:"stderr_path"` // explicit stderr path overrides Dir
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

func (f FileConfig) rotated(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// ProcessWriters returns io.WriteClosers for stdout and stderr of the named worker.
// Either may be nil when no destination is configured.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	f := c.File
	stdout := f.StdoutPath
	stderr := f.StderrPath
	if stdout == "" && f.Dir != "" {
		stdout = filepath.Join(f.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && f.Dir != "" {
		stderr = filepath.Join(f.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = f.rotated(stdout)
	}
	if stderr != "" {
		errW = f.rotated(stderr)
	}
	return outW, errW, nil
}

// New builds the supervisor logger: console output plus, when File.Path is
// set, a rotated log file. The returned closer releases the file.
func New(cfg Config, console io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if console == nil {
		console = os.Stderr
	}

	var handlers []slog.Handler
	switch {
	case strings.EqualFold(cfg.Format, "json"):
		handlers = append(handlers, slog.NewJSONHandler(console, opts))
	case cfg.Color:
		handlers = append(handlers, NewColorTextHandler(console, opts, true))
	default:
		handlers = append(handlers, slog.NewTextHandler(console, opts))
	}

	var closer io.Closer = nopCloser{}
	if cfg.File.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		fw := cfg.File.rotated(cfg.File.Path)
		if strings.EqualFold(cfg.Format, "json") {
			handlers = append(handlers, slog.NewJSONHandler(fw, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(fw, opts))
		}
		closer = fw
	}
	if len(handlers) == 1 {
		return slog.New(handlers[0]), closer, nil
	}
	return slog.New(fanout(handlers)), closer, nil
}

// ParseLevel maps a level name to slog.Level; empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// fanout sends every record to all handlers.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
