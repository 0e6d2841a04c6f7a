package liveness

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// StatusAlive is the only status a worker ever reports.
const StatusAlive = "alive"

// DefaultMaxSilence is how long a worker may go without a heartbeat before it is stale.
const DefaultMaxSilence = 300 * time.Second

var (
	// ErrAbsent means the worker never wrote a record (or it was removed).
	ErrAbsent = errors.New("liveness record absent")
	// ErrMalformed means the record exists but cannot be decoded or lacks a timestamp.
	ErrMalformed = errors.New("liveness record malformed")
)

// Record is the on-disk liveness marker. Only Timestamp takes part in staleness
// computation; LastHeartbeat is for humans.
type Record struct {
	LastHeartbeat string  `json:"last_heartbeat_wallclock"`
	Status        string  `json:"status"`
	Timestamp     float64 `json:"timestamp"`
}

// NewRecord captures now both as wall clock text and as epoch seconds.
func NewRecord(now time.Time) Record {
	return Record{
		LastHeartbeat: now.Format(time.RFC3339Nano),
		Status:        StatusAlive,
		Timestamp:     EpochSeconds(now),
	}
}

// EpochSeconds converts t to fractional unix seconds.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Age returns how long ago the record was written relative to now.
func (r Record) Age(now time.Time) time.Duration {
	return time.Duration((EpochSeconds(now) - r.Timestamp) * float64(time.Second))
}

// Store reads and writes a liveness record at Path.
// The worker side writes, the supervisor side reads; both may use the same Store type.
type Store struct {
	Path   string
	Logger *slog.Logger
}

// NewStore returns a Store bound to path using the default slog logger.
func NewStore(path string) *Store {
	return &Store{Path: path}
}

func (s *Store) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Write replaces the record with one stamped at now. The replacement is atomic:
// readers observe either the previous record or the new one, never a partial file.
func (s *Store) Write(now time.Time) error {
	b, err := json.MarshalIndent(NewRecord(now), "", "  ")
	if err != nil {
		return fmt.Errorf("encode liveness record: %w", err)
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create liveness dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp liveness file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write liveness record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync liveness record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close liveness record: %w", err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		return fmt.Errorf("replace liveness record: %w", err)
	}
	return nil
}

// Beat writes a record stamped with the current time. Failures are logged and
// swallowed so that heartbeat reporting can never take the worker down.
func (s *Store) Beat() {
	if err := s.Write(time.Now()); err != nil {
		s.log().Error("Failed to update heartbeat", "path", s.Path, "error", err)
	}
}

// Read loads the record. The error is ErrAbsent, ErrMalformed (both wrapped
// with the path) or an I/O error.
func (s *Store) Read() (Record, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, fmt.Errorf("%w: %s", ErrAbsent, s.Path)
		}
		return Record{}, fmt.Errorf("read liveness record %s: %w", s.Path, err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %s: %v", ErrMalformed, s.Path, err)
	}
	if rec.Timestamp <= 0 {
		return Record{}, fmt.Errorf("%w: %s: missing timestamp", ErrMalformed, s.Path)
	}
	return rec, nil
}

// Lookup is Read with every failure mapped to "no record". The failure kind is logged.
func (s *Store) Lookup() (Record, bool) {
	rec, err := s.Read()
	switch {
	case err == nil:
		return rec, true
	case errors.Is(err, ErrAbsent):
		s.log().Warn("Heartbeat file not found - worker may be dead", "path", s.Path)
	case errors.Is(err, ErrMalformed):
		s.log().Error("Heartbeat file is malformed", "path", s.Path, "error", err)
	default:
		s.log().Error("Failed to check heartbeat", "path", s.Path, "error", err)
	}
	return Record{}, false
}

// IsStale reports whether the worker has been silent for more than maxSilence.
// A missing or unreadable record is stale. Exactly maxSilence is still fresh.
func (s *Store) IsStale(now time.Time, maxSilence time.Duration) bool {
	rec, ok := s.Lookup()
	return Stale(rec, ok, now, maxSilence)
}

// Stale applies the staleness rule to an already loaded record.
func Stale(rec Record, ok bool, now time.Time, maxSilence time.Duration) bool {
	if !ok {
		return true
	}
	if maxSilence <= 0 {
		maxSilence = DefaultMaxSilence
	}
	return EpochSeconds(now)-rec.Timestamp > maxSilence.Seconds()
}
